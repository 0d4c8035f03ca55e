// Package document converts between raster images and paginated PDF
// documents: page rendering, image embedding, splitting and merging.
package document

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/knakayama/ledgerscan/internal/domain"
)

const (
	// baseDPI is the PDF point resolution; a scale of 1.0 renders one
	// pixel per point.
	baseDPI = 72

	// OCRScale is the default rasterization scale for OCR-feeding
	// renders. Fidelity matters more than size there.
	OCRScale = 2.0
)

// PageDocument pairs an independent single-page PDF with its rasterized
// page image.
type PageDocument struct {
	PDF   []byte
	Image image.Image
}

// RasterizePage renders one page of a PDF to a raster image at the given
// scale factor. Source pages may have transparent regions, so the render is
// flattened onto an opaque white background for downstream OCR.
func RasterizePage(pdf []byte, pageIndex int, scale float64) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("%w: opening document: %v", domain.ErrRender, err)
	}
	defer doc.Close()

	if pageIndex < 0 || pageIndex >= doc.NumPage() {
		return nil, fmt.Errorf("%w: page index %d out of range (document has %d pages)",
			domain.ErrRender, pageIndex, doc.NumPage())
	}

	if scale <= 0 {
		scale = OCRScale
	}

	img, err := doc.ImageDPI(pageIndex, scale*baseDPI)
	if err != nil {
		return nil, fmt.Errorf("%w: rendering page %d: %v", domain.ErrRender, pageIndex, err)
	}

	return flattenWhite(img), nil
}

// RasterizeAllPages renders every page of a PDF in page order at the OCR
// scale. A page that fails to render is logged and skipped rather than
// aborting the document; if zero pages succeed the caller must treat the
// empty result as a failure and fall back.
func RasterizeAllPages(pdf []byte) ([]image.Image, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("%w: opening document: %v", domain.ErrRender, err)
	}
	defer doc.Close()

	images := make([]image.Image, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.ImageDPI(i, OCRScale*baseDPI)
		if err != nil {
			slog.Warn("Skipping page that failed to render", "page", i, "error", err)
			continue
		}
		images = append(images, flattenWhite(img))
	}

	return images, nil
}

// EmbedImage creates a one-page PDF sized exactly to the image's native
// pixel dimensions, one point per pixel. No letterboxing.
func EmbedImage(img []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image dimensions: %v", domain.ErrRender, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("%w: image has zero dimensions", domain.ErrRender)
	}

	imp := &pdfcpu.Import{
		PageDim:  &types.Dim{Width: float64(cfg.Width), Height: float64(cfg.Height)},
		Pos:      types.Full,
		Scale:    1.0,
		ScaleAbs: true,
		InpUnit:  types.POINTS,
	}

	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(img)}, imp, nil); err != nil {
		return nil, fmt.Errorf("%w: embedding image as PDF: %v", domain.ErrRender, err)
	}

	return buf.Bytes(), nil
}

// SplitIntoSinglePages produces, for each page of a PDF, an independent
// single-page PDF plus its rasterized image.
func SplitIntoSinglePages(pdf []byte) ([]PageDocument, error) {
	tempDir, err := os.MkdirTemp("", "docsplit-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, pdf, 0o644); err != nil {
		return nil, fmt.Errorf("writing source document: %w", err)
	}

	pageCount, err := api.PageCountFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: counting pages: %v", domain.ErrRender, err)
	}

	if err := api.SplitFile(sourcePath, tempDir, 1, nil); err != nil {
		return nil, fmt.Errorf("%w: splitting document: %v", domain.ErrRender, err)
	}

	pages := make([]PageDocument, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		pagePath := filepath.Join(tempDir, fmt.Sprintf("source_%d.pdf", i))
		pagePDF, err := os.ReadFile(pagePath)
		if err != nil {
			slog.Warn("Skipping split page that was not produced", "page", i, "error", err)
			continue
		}

		img, err := RasterizePage(pagePDF, 0, OCRScale)
		if err != nil {
			slog.Warn("Skipping split page that failed to render", "page", i, "error", err)
			continue
		}

		pages = append(pages, PageDocument{PDF: pagePDF, Image: img})
	}

	return pages, nil
}

// Merge concatenates the pages of all input PDFs, in input order, into one
// new PDF. At least 2 inputs are required. An input that fails to parse is
// skipped; the merge still succeeds if at least one input survives.
func Merge(pdfs [][]byte) ([]byte, error) {
	if len(pdfs) < 2 {
		return nil, fmt.Errorf("%w: merge requires at least 2 documents, got %d",
			domain.ErrInvalidArgument, len(pdfs))
	}

	tempDir, err := os.MkdirTemp("", "docmerge-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	inputPaths := make([]string, 0, len(pdfs))
	for i, pdf := range pdfs {
		path := filepath.Join(tempDir, fmt.Sprintf("input_%d.pdf", i))
		if err := os.WriteFile(path, pdf, 0o644); err != nil {
			return nil, fmt.Errorf("writing merge input %d: %w", i, err)
		}
		if err := api.ValidateFile(path, nil); err != nil {
			slog.Warn("Skipping unparseable merge input", "input", i, "error", err)
			continue
		}
		inputPaths = append(inputPaths, path)
	}

	if len(inputPaths) == 0 {
		return nil, fmt.Errorf("%w: no merge input could be parsed", domain.ErrRender)
	}

	outPath := filepath.Join(tempDir, "merged.pdf")
	if err := api.MergeCreateFile(inputPaths, outPath, false, nil); err != nil {
		return nil, fmt.Errorf("%w: merging documents: %v", domain.ErrRender, err)
	}

	merged, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("reading merged document: %w", err)
	}

	return merged, nil
}

// PageCount returns the number of pages in a PDF.
func PageCount(pdf []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return 0, fmt.Errorf("%w: opening document: %v", domain.ErrRender, err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// EncodePNG encodes a rendered page image as PNG for handle storage.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenWhite draws an image onto an opaque white background.
func flattenWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)
	return flat
}
