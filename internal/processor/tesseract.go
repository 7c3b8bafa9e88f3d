/**
 * Tesseract OCR engine adapter
 *
 * Wraps gosseract and exposes word-level tokens with bounding boxes.
 * The engine is selected once at construction time; an unsupported
 * engine name is a constructor error, not a runtime branch.
 */

package processor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/otiai10/gosseract/v2"
)

// OCREngine converts a page image into a flat, unordered token collection.
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, imagePath string, cfg EngineConfig) ([]Token, error)
}

// NewEngine selects a concrete OCR engine by name. The empty name selects
// tesseract, the only engine currently supported.
func NewEngine(name string) (OCREngine, error) {
	switch name {
	case "", "tesseract":
		return &TesseractEngine{}, nil
	default:
		return nil, fmt.Errorf("unsupported OCR engine %q", name)
	}
}

// TesseractEngine runs recognition through a short-lived gosseract client
// per call; the client holds cgo state and is not safe to share across
// goroutines.
type TesseractEngine struct{}

// Name implements OCREngine.
func (e *TesseractEngine) Name() string { return "tesseract" }

// Recognize performs OCR on the image at imagePath and returns one token
// per recognized word. The blocking engine call runs in its own goroutine
// so the context deadline is honored even though the underlying C call
// cannot be interrupted.
func (e *TesseractEngine) Recognize(ctx context.Context, imagePath string, cfg EngineConfig) ([]Token, error) {
	type recognition struct {
		tokens []Token
		err    error
	}
	done := make(chan recognition, 1)

	go func() {
		tokens, err := recognize(imagePath, cfg)
		done <- recognition{tokens: tokens, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("tesseract recognition interrupted: %w", ctx.Err())
	case r := <-done:
		return r.tokens, r.err
	}
}

func recognize(imagePath string, cfg EngineConfig) ([]Token, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImage(imagePath); err != nil {
		return nil, fmt.Errorf("failed to set image %s: %w", imagePath, err)
	}
	if cfg.Language != "" {
		if err := client.SetLanguage(cfg.Language); err != nil {
			return nil, fmt.Errorf("failed to set language %q: %w", cfg.Language, err)
		}
	}
	if cfg.TessdataDir != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataDir); err != nil {
			return nil, fmt.Errorf("failed to set tessdata dir %q: %w", cfg.TessdataDir, err)
		}
	}
	if cfg.PageSegMode >= 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
			return nil, fmt.Errorf("failed to set page segmentation mode %d: %w", cfg.PageSegMode, err)
		}
	}
	if cfg.EngineMode >= 0 {
		if err := client.SetVariable(gosseract.SettableVariable("tessedit_ocr_engine_mode"), strconv.Itoa(cfg.EngineMode)); err != nil {
			return nil, fmt.Errorf("failed to set engine mode %d: %w", cfg.EngineMode, err)
		}
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract recognition failed: %w", err)
	}

	tokens := make([]Token, 0, len(boxes))
	for _, b := range boxes {
		tokens = append(tokens, Token{
			Text:   b.Word,
			Left:   b.Box.Min.X,
			Top:    b.Box.Min.Y,
			Width:  b.Box.Dx(),
			Height: b.Box.Dy(),
			Conf:   b.Confidence,
		})
	}
	return tokens, nil
}
