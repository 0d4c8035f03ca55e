// Package thumbnail produces downscaled, compressed preview images.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder

	xdraw "golang.org/x/image/draw"

	"github.com/knakayama/ledgerscan/internal/domain"
)

const (
	// DefaultMaxWidth and DefaultMaxHeight bound preview dimensions.
	DefaultMaxWidth  = 400
	DefaultMaxHeight = 400

	// DefaultQuality favors small size over fidelity for previews.
	DefaultQuality = 70
)

// Generate downscales src so neither dimension exceeds maxWidth/maxHeight,
// preserving aspect ratio and never upscaling. The result is composited onto
// an opaque white background and encoded as JPEG at the given quality.
func Generate(src []byte, maxWidth, maxHeight, quality int) ([]byte, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("%w: thumbnail bounds must be positive", domain.ErrInvalidArgument)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding thumbnail source: %v", domain.ErrRender, err)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("%w: empty source image", domain.ErrRender)
	}

	// Uniform scale factor: the smaller of the two ratios, capped at 1.0
	// so small sources are never blown up.
	ratio := min(float64(maxWidth)/float64(srcW), float64(maxHeight)/float64(srcH), 1.0)
	dstW := max(int(float64(srcW)*ratio), 1)
	dstH := max(int(float64(srcH)*ratio), 1)

	// White backdrop handles transparent source regions before the lossy
	// encode, which has no alpha channel.
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: encoding thumbnail: %v", domain.ErrRender, err)
	}

	return buf.Bytes(), nil
}

// Placeholder returns a plain light-gray preview used when thumbnail
// generation fails. Ingestion must not block on a bad preview.
func Placeholder() []byte {
	img := image.NewRGBA(image.Rect(0, 0, DefaultMaxWidth/2, DefaultMaxHeight/2))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 0xe0}), image.Point{}, xdraw.Src)

	var buf bytes.Buffer
	// Encoding a uniform RGBA image cannot fail in practice.
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: DefaultQuality})
	return buf.Bytes()
}
