package ingest

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/heic"

	"github.com/knakayama/ledgerscan/internal/domain"
)

// normalizeToPNG decodes an uploaded image in any supported format and
// re-encodes it as PNG so the rest of the pipeline deals with one format.
// HEIC/HEIF (common on iPhones) is not supported by the standard image
// package and gets its own decoder.
func normalizeToPNG(data []byte, mimeType string) ([]byte, error) {
	if mimeType == "image/png" && !isHEICData(data) {
		return data, nil
	}

	var img image.Image
	var err error
	if isHEICData(data) || isHEICMime(mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding HEIC image: %v", domain.ErrRender, err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding image: %v", domain.ErrRender, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encoding PNG: %v", domain.ErrRender, err)
	}
	return buf.Bytes(), nil
}

// isHEICData checks for an ftyp box with a HEIC-related brand.
func isHEICData(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMime(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeContentType lowercases the declared type and falls back to the
// file extension when the client sent none.
func normalizeContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
