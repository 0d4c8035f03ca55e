package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/ocr"
	"github.com/knakayama/ledgerscan/internal/record"
	"github.com/knakayama/ledgerscan/internal/session"
	"github.com/knakayama/ledgerscan/internal/thumbnail"
)

// DefaultGroupSize bounds how many records are in flight at once. Groups
// run sequentially as a deliberate throttle against the external services.
const DefaultGroupSize = 3

// ProgressFunc reports how many records of a batch have settled.
type ProgressFunc func(done, total int)

// BatchResult aggregates a batch run: per-record errors are accumulated
// here, never raised out of ProcessBatch.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    map[string]error // keyed by record ID
}

// Pipeline runs the two-stage extraction over document records. Workers
// operate on record copies and commit outcomes through the collection, so
// concurrent readers never observe a half-written record.
type Pipeline struct {
	recognizer ocr.Recognizer
	extractor  FieldExtractor
	records    *record.Collection
	tracker    *handle.Tracker
	cache      *session.Cache
}

// NewPipeline creates a Pipeline.
func NewPipeline(recognizer ocr.Recognizer, extractor FieldExtractor, records *record.Collection,
	tracker *handle.Tracker, cache *session.Cache) *Pipeline {
	return &Pipeline{
		recognizer: recognizer,
		extractor:  extractor,
		records:    records,
		tracker:    tracker,
		cache:      cache,
	}
}

// ProcessOne runs text recognition then field extraction on a record's
// primary page image and commits the resulting fields and state.
//
// Text-stage failure is fatal for the record: it is marked
// extraction_failed and prior fields are left untouched. Field-stage
// failure degrades to a text-only result.
func (p *Pipeline) ProcessOne(ctx context.Context, id string) error {
	rec, ok := p.records.Get(id)
	if !ok {
		return fmt.Errorf("%w: unknown record %q", domain.ErrInvalidArgument, id)
	}

	if len(rec.PageImages) == 0 {
		p.records.ApplyExtraction(id, nil, record.StateExtractionFailed, "")
		return fmt.Errorf("%w: record %q has no page images", domain.ErrInvalidArgument, id)
	}

	img, ok := p.tracker.Bytes(rec.PageImages[0])
	if !ok {
		p.records.ApplyExtraction(id, nil, record.StateExtractionFailed, "")
		return fmt.Errorf("%w: record %q primary image handle is not live", domain.ErrResource, id)
	}

	text, err := p.recognizer.RecognizeText(ctx, img)
	if err != nil {
		p.records.ApplyExtraction(id, nil, record.StateExtractionFailed, "")
		return fmt.Errorf("recognizing text for record %q: %w", id, err)
	}

	// Field extraction is best-effort; a failed call comes back as a
	// low-confidence empty result with the raw text still usable.
	fields := p.extractor.ExtractFields(ctx, text.Raw)

	extracted := &record.ExtractedFields{
		Vendor:     fields.Vendor,
		Date:       fields.Date,
		Amount:     fields.Amount,
		TaxID:      fields.TaxID,
		Items:      fields.Items,
		RawText:    text.Raw,
		Confidence: (text.Confidence + fields.Confidence) / 2,
	}

	p.records.ApplyExtraction(id, extracted, record.StateExtracted, p.ensureThumbnail(rec))
	return nil
}

// ProcessBatch partitions records into fixed-size groups and processes each
// group's members concurrently, groups sequentially. A failure in one record
// does not cancel its siblings or subsequent groups.
func (p *Pipeline) ProcessBatch(ctx context.Context, ids []string, groupSize int, progress ProgressFunc) BatchResult {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}

	result := BatchResult{Errors: make(map[string]error)}
	var mu sync.Mutex
	done := 0

	for start := 0; start < len(ids); start += groupSize {
		group := ids[start:min(start+groupSize, len(ids))]

		var eg errgroup.Group
		for _, id := range group {
			eg.Go(func() error {
				if err := p.ProcessOne(ctx, id); err != nil {
					slog.Error("Record extraction failed", "record", id, "error", err)
					mu.Lock()
					result.Errors[id] = err
					mu.Unlock()
				}
				// Failures are accumulated, not returned, so siblings
				// and later groups keep running.
				return nil
			})
		}
		_ = eg.Wait()

		done += len(group)
		if progress != nil {
			progress(done, len(ids))
		}
	}

	result.Failed = len(result.Errors)
	result.Succeeded = len(ids) - result.Failed
	slog.Info("Extraction batch complete", "succeeded", result.Succeeded, "failed", result.Failed)
	return result
}

// ensureThumbnail generates and caches a preview for records lacking one,
// returning the handle for the commit to attach. This is an optimization
// for the review screen; failure is ignored.
func (p *Pipeline) ensureThumbnail(rec record.DocumentRecord) handle.Handle {
	if rec.Thumbnail != "" {
		if _, ok := p.cache.Get(rec.ID); ok {
			return ""
		}
		if thumb, ok := p.tracker.Bytes(rec.Thumbnail); ok {
			p.cache.Set(rec.ID, thumb)
			return ""
		}
	}

	img, ok := p.tracker.Bytes(rec.PageImages[0])
	if !ok {
		return ""
	}
	thumb, err := thumbnail.Generate(img, thumbnail.DefaultMaxWidth, thumbnail.DefaultMaxHeight, thumbnail.DefaultQuality)
	if err != nil {
		slog.Warn("Skipping thumbnail after extraction", "record", rec.ID, "error", err)
		return ""
	}
	p.cache.Set(rec.ID, thumb)

	h, err := p.tracker.Create(thumb)
	if err != nil {
		return ""
	}
	return h
}
