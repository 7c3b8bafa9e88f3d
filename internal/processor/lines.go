/**
 * Reading-order reconstruction from word-level OCR output
 *
 * Tesseract reports words as loose bounding boxes in a weak order. This
 * file groups those boxes into visually coherent lines (tokens whose
 * vertical bands overlap) and orders them top-to-bottom, left-to-right,
 * producing the final recognized text for a page.
 */

package processor

import (
	"log"
	"sort"
	"strings"
)

// DefaultOverlapFraction is the fraction of a token's height that two
// vertical bands must share before the tokens are considered to sit on
// the same line.
const DefaultOverlapFraction = 0.3

// ReconstructLines turns a flat token collection into reading-order text.
// Lines are joined with "\n", tokens within a line with a single space.
// An empty or fully-filtered token set yields "".
func ReconstructLines(tokens []Token, overlapFraction float64) string {
	if overlapFraction <= 0 || overlapFraction >= 1 {
		overlapFraction = DefaultOverlapFraction
	}
	if len(tokens) == 0 {
		return ""
	}

	kept := filterTokens(tokens)
	if len(kept) == 0 {
		return ""
	}

	type line struct {
		anchorTop int
		tokens    []Token
	}

	consumed := make([]bool, len(kept))
	lines := make([]line, 0, len(kept))

	// First-come grouping: each unconsumed non-blank token anchors a line
	// and pulls in every unconsumed token whose vertical band overlaps its
	// own by at least the margin, tested in both directions so grouping
	// does not depend on which member is encountered first.
	for i, anchor := range kept {
		if consumed[i] || strings.TrimSpace(anchor.Text) == "" {
			continue
		}

		margin := int(overlapFraction * float64(anchor.Height))
		members := make([]Token, 0, 8)
		for j, cand := range kept {
			if consumed[j] {
				continue
			}
			if cand.Top <= anchor.Bottom()-margin && cand.Bottom() >= anchor.Top+margin {
				consumed[j] = true
				members = append(members, cand)
			}
		}

		// Left-to-right within the line; stable so equal-left (and the
		// equal-top tie documented for this format) keeps engine order.
		sort.SliceStable(members, func(a, b int) bool {
			return members[a].Left < members[b].Left
		})

		lines = append(lines, line{anchorTop: anchor.Top, tokens: members})
	}

	sort.SliceStable(lines, func(a, b int) bool {
		return lines[a].anchorTop < lines[b].anchorTop
	})

	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		words := make([]string, 0, len(ln.tokens))
		for _, tok := range ln.tokens {
			if s := strings.TrimSpace(tok.Text); s != "" {
				words = append(words, s)
			}
		}
		if len(words) > 0 {
			out = append(out, strings.Join(words, " "))
		}
	}
	return strings.Join(out, "\n")
}

// filterTokens drops malformed boxes and the engine's sentinel row.
// Tesseract's TSV-style output ends with a page-extent row whose top is
// the largest on the page; any token at least that tall is layout noise,
// not text. This is a quirk of the upstream format, kept as a fixed
// filter step.
func filterTokens(tokens []Token) []Token {
	maxTop := 0
	for _, t := range tokens {
		if t.Top > maxTop {
			maxTop = t.Top
		}
	}

	kept := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Width < 0 || t.Height < 0 {
			log.Printf("WARN: dropping malformed OCR token %q (w=%d, h=%d)", t.Text, t.Width, t.Height)
			continue
		}
		if t.Height >= maxTop {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}
