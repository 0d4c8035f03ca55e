// Package ingest normalizes a batch of heterogeneous uploads (images,
// PDFs) into document records, driving the converter, thumbnailer and
// handle tracker.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knakayama/ledgerscan/internal/document"
	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/record"
	"github.com/knakayama/ledgerscan/internal/session"
	"github.com/knakayama/ledgerscan/internal/thumbnail"
)

// Mode selects how multi-page documents are grouped at ingestion.
type Mode string

const (
	// ModeMerge keeps all pages of a document in one record.
	ModeMerge Mode = "merge"
	// ModeSplit produces one single-page record per page.
	ModeSplit Mode = "split"
)

// ParseMode validates a mode string from the API.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMerge, ModeSplit:
		return Mode(s), nil
	case "":
		return ModeMerge, nil
	default:
		return "", fmt.Errorf("%w: unknown ingestion mode %q", domain.ErrInvalidArgument, s)
	}
}

// InputFile is one uploaded file.
type InputFile struct {
	Name        string
	Data        []byte
	ContentType string
}

// Ingestor converts uploads into document records. Files are processed in
// strict sequence to bound peak memory use of decoded documents.
type Ingestor struct {
	tracker *handle.Tracker
	cache   *session.Cache
}

// NewIngestor creates an Ingestor.
func NewIngestor(tracker *handle.Tracker, cache *session.Cache) *Ingestor {
	return &Ingestor{tracker: tracker, cache: cache}
}

// Ingest produces records for a batch of files. A failure processing one
// file is logged and that file skipped; the output preserves input order,
// with a split file's child records contiguous and in page order. The
// returned names are the files that could not be ingested.
func (ing *Ingestor) Ingest(ctx context.Context, files []InputFile, mode Mode) ([]*record.DocumentRecord, []string) {
	var records []*record.DocumentRecord
	var failed []string

	for _, file := range files {
		if ctx.Err() != nil {
			slog.Warn("Ingestion interrupted", "remaining", len(files)-len(records))
			break
		}

		recs, err := ing.ingestOne(file, mode)
		if err != nil {
			slog.Error("Skipping file that failed to ingest", "file", file.Name, "error", err)
			failed = append(failed, file.Name)
			continue
		}
		records = append(records, recs...)
	}

	return records, failed
}

func (ing *Ingestor) ingestOne(file InputFile, mode Mode) ([]*record.DocumentRecord, error) {
	contentType := normalizeContentType(file.ContentType, file.Name)

	if contentType == "application/pdf" {
		if mode == ModeSplit {
			return ing.splitPDF(file)
		}
		return ing.mergePDF(file)
	}
	return ing.wrapImage(file)
}

// wrapImage turns a standalone image into a single-page record by embedding
// it as a one-page PDF.
func (ing *Ingestor) wrapImage(file InputFile) ([]*record.DocumentRecord, error) {
	png, err := normalizeToPNG(file.Data, normalizeContentType(file.ContentType, file.Name))
	if err != nil {
		return nil, err
	}

	pdf, err := document.EmbedImage(png)
	if err != nil {
		return nil, err
	}

	rec, err := ing.newRecord(file.Name, pdf, [][]byte{png})
	if err != nil {
		return nil, err
	}
	return []*record.DocumentRecord{rec}, nil
}

// mergePDF keeps all pages of a PDF in one record. If full rasterization
// yields zero pages, a single first-page render is attempted before the
// file is given up on.
func (ing *Ingestor) mergePDF(file InputFile) ([]*record.DocumentRecord, error) {
	images, err := document.RasterizeAllPages(file.Data)
	if err != nil {
		return nil, err
	}

	if len(images) == 0 {
		slog.Warn("No page rendered, retrying with a single-page render", "file", file.Name)
		img, err := document.RasterizePage(file.Data, 0, document.OCRScale)
		if err != nil {
			return nil, fmt.Errorf("fallback render: %w", err)
		}
		images = append(images, img)
	}

	pages := make([][]byte, 0, len(images))
	for i, img := range images {
		png, err := document.EncodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("encoding page %d: %w", i, err)
		}
		pages = append(pages, png)
	}

	rec, err := ing.newRecord(file.Name, file.Data, pages)
	if err != nil {
		return nil, err
	}
	return []*record.DocumentRecord{rec}, nil
}

// splitPDF produces one single-page record per page, in page order.
func (ing *Ingestor) splitPDF(file InputFile) ([]*record.DocumentRecord, error) {
	pages, err := document.SplitIntoSinglePages(file.Data)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no page of %q could be rendered", domain.ErrRender, file.Name)
	}

	records := make([]*record.DocumentRecord, 0, len(pages))
	for i, page := range pages {
		png, err := document.EncodePNG(page.Image)
		if err != nil {
			slog.Warn("Skipping page that failed to encode", "file", file.Name, "page", i, "error", err)
			continue
		}

		name := file.Name
		if len(pages) > 1 {
			name = fmt.Sprintf("%s (page %d)", file.Name, i+1)
		}
		rec, err := ing.newRecord(name, page.PDF, [][]byte{png})
		if err != nil {
			slog.Warn("Skipping page whose record failed", "file", file.Name, "page", i, "error", err)
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: every page of %q failed", domain.ErrRender, file.Name)
	}
	return records, nil
}

// newRecord registers handles for a document and its page images, then
// synchronously generates and caches a thumbnail from the first page.
func (ing *Ingestor) newRecord(name string, pdf []byte, pagePNGs [][]byte) (*record.DocumentRecord, error) {
	var created []handle.Handle
	release := func() {
		for _, h := range created {
			ing.tracker.Release(h)
		}
	}

	docHandle, err := ing.tracker.Create(pdf)
	if err != nil {
		return nil, err
	}
	created = append(created, docHandle)

	pageHandles := make([]handle.Handle, 0, len(pagePNGs))
	for _, png := range pagePNGs {
		h, err := ing.tracker.Create(png)
		if err != nil {
			release()
			return nil, err
		}
		created = append(created, h)
		pageHandles = append(pageHandles, h)
	}

	now := time.Now()
	rec := &record.DocumentRecord{
		ID:             uuid.NewString(),
		Filename:       name,
		PageImages:     pageHandles,
		SourceDocument: docHandle,
		State:          record.StateIngested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Thumbnailing fails soft: a placeholder stands in rather than
	// blocking ingestion.
	thumb, err := thumbnail.Generate(pagePNGs[0], thumbnail.DefaultMaxWidth, thumbnail.DefaultMaxHeight, thumbnail.DefaultQuality)
	if err != nil {
		slog.Warn("Using placeholder thumbnail", "file", name, "error", err)
		thumb = thumbnail.Placeholder()
	}
	if h, err := ing.tracker.Create(thumb); err == nil {
		rec.Thumbnail = h
		rec.State = record.StateThumbnailed
	}
	ing.cache.Set(rec.ID, thumb)

	return rec, nil
}
