/**
 * PDF page conversion
 *
 * Rasterizes each page of a PDF into one PNG per page using poppler's
 * pdftoppm, the same renderer the service has always relied on. pdfcpu
 * validates the document up front so a malformed PDF fails fast instead
 * of producing a silent zero-page result.
 */

package processor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// DefaultPageDPI matches the rendering resolution the OCR models were
// tuned against.
const DefaultPageDPI = 300

// PageConverter rasterizes a PDF into per-page images, in page order.
type PageConverter interface {
	Convert(ctx context.Context, pdfPath, outputDir string, dpi int) ([]string, error)
}

// PopplerConverter shells out to pdftoppm.
type PopplerConverter struct{}

// Convert implements PageConverter. It returns the local path of one PNG
// per page, sorted in page order, and propagates an error for anything
// that is not a convertible multi-page document.
func (c *PopplerConverter) Convert(ctx context.Context, pdfPath, outputDir string, dpi int) ([]string, error) {
	pageCount, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("not a convertible PDF %s: %w", pdfPath, err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF %s has zero convertible pages", pdfPath)
	}

	if dpi <= 0 {
		dpi = DefaultPageDPI
	}

	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	prefix := filepath.Join(outputDir, base+"-page")

	cmd := exec.CommandContext(ctx, "pdftoppm", "-png", "-r", strconv.Itoa(dpi), pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed for %s: %w (output: %s)", pdfPath, err, strings.TrimSpace(string(out)))
	}

	// pdftoppm zero-pads page numbers uniformly, so a lexical sort
	// restores page order.
	pages, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to list converted pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages for %s", pdfPath)
	}
	sort.Strings(pages)

	if len(pages) != pageCount {
		return nil, fmt.Errorf("expected %d pages from %s, got %d", pageCount, pdfPath, len(pages))
	}
	return pages, nil
}
