/**
 * Input type detection
 *
 * The pipeline never trusts file extensions or caller-supplied MIME
 * types; the kind of an input is decided by content inspection. Magic
 * bytes cover the common raster formats and PDF; anything else gets one
 * last chance through a real raster decode before being rejected.
 */

package processor

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
)

// InputKind classifies a submitted file.
type InputKind int

const (
	KindUnknown InputKind = iota
	KindPDF
	KindImage
)

func (k InputKind) String() string {
	switch k {
	case KindPDF:
		return "pdf"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// DetectKind inspects the file at path and classifies it.
func DetectKind(path string) (InputKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return KindUnknown, fmt.Errorf("failed to read %s: %w", path, err)
	}
	header = header[:n]

	if bytes.HasPrefix(header, []byte("%PDF")) {
		return KindPDF, nil
	}
	if imageMIMEFromMagicBytes(header) != "" {
		return KindImage, nil
	}

	// Not a known signature; attempt a raster decode before giving up.
	// Essential for inputs arriving as application/octet-stream from
	// generic upload sources.
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if _, _, err := image.DecodeConfig(f); err == nil {
			return KindImage, nil
		}
	}

	return KindUnknown, nil
}

// imageMIMEFromMagicBytes identifies common raster formats by signature.
func imageMIMEFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: little-endian 'I' 'I' 0x2A 0x00 or big-endian 'M' 'M' 0x00 0x2A
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	return ""
}
