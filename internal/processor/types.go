/**
 * Shared data structures for OCR processing
 *
 * Tokens are the raw word-level output of the OCR engine; everything
 * downstream (line reconstruction, dedup, persistence) works in terms
 * of these types.
 */

package processor

import (
	"fmt"
	"strconv"
	"strings"
)

// Token is one OCR-recognized word/fragment with its bounding box.
// Coordinates are pixels with the origin in the top-left corner of the
// page image; y grows downward.
type Token struct {
	Text   string
	Left   int
	Top    int
	Width  int
	Height int
	Conf   float64
}

// Bottom returns the lower edge of the token's bounding box.
func (t Token) Bottom() int { return t.Top + t.Height }

// EngineConfig carries Tesseract options for a single recognition call.
// Zero/negative mode values and empty strings mean "engine default".
type EngineConfig struct {
	Language    string
	PageSegMode int
	EngineMode  int
	TessdataDir string
}

// DefaultEngineConfig returns a config with every option unset.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{PageSegMode: -1, EngineMode: -1}
}

// String renders the config in the conventional tesseract CLI form,
// e.g. "--oem 1 --psm 4 --tessdata-dir /usr/share/tessdata -l eng".
func (c EngineConfig) String() string {
	parts := make([]string, 0, 4)
	if c.EngineMode >= 0 {
		parts = append(parts, fmt.Sprintf("--oem %d", c.EngineMode))
	}
	if c.PageSegMode >= 0 {
		parts = append(parts, fmt.Sprintf("--psm %d", c.PageSegMode))
	}
	if c.TessdataDir != "" {
		parts = append(parts, fmt.Sprintf("--tessdata-dir %s", c.TessdataDir))
	}
	if c.Language != "" {
		parts = append(parts, fmt.Sprintf("-l %s", c.Language))
	}
	return strings.Join(parts, " ")
}

// ParseEngineOverrides merges a caller-supplied option string (same flag
// syntax as String produces) into base. Unknown fields are ignored rather
// than rejected, so bare output-format tokens like "tsv" pass through
// harmlessly; a recognized flag with a missing or malformed value is an
// error.
func ParseEngineOverrides(base EngineConfig, overrides string) (EngineConfig, error) {
	cfg := base
	fields := strings.Fields(overrides)
	for i := 0; i < len(fields); i++ {
		flag := fields[i]
		switch flag {
		case "--oem", "--psm", "--tessdata-dir", "-l", "--lang":
		default:
			continue
		}
		if i+1 >= len(fields) {
			return cfg, fmt.Errorf("flag %q is missing a value", flag)
		}
		value := fields[i+1]
		switch flag {
		case "--oem":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("invalid --oem value %q: %w", value, err)
			}
			cfg.EngineMode = n
			i++
		case "--psm":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("invalid --psm value %q: %w", value, err)
			}
			cfg.PageSegMode = n
			i++
		case "--tessdata-dir":
			cfg.TessdataDir = value
			i++
		case "-l", "--lang":
			cfg.Language = value
			i++
		}
	}
	return cfg, nil
}

// PageResult is the outcome of processing one page image. Err is recorded
// per page; a failed page never aborts its siblings.
type PageResult struct {
	PageIndex int // zero-based, conversion order
	ObjectKey string
	Text      string
	Checksum  string
	CacheHit  bool
	Err       error
}
