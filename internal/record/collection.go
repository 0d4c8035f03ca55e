package record

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knakayama/ledgerscan/internal/document"
	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/session"
	"github.com/knakayama/ledgerscan/internal/thumbnail"
)

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// Collection owns the in-memory record set for one session. It is the only
// component that retires records, releasing their handles through the
// tracker so no handle is revoked twice or leaked. Reads hand out copies
// and writes go through the collection's methods, all under one mutex, so
// concurrent extraction and HTTP encoding never touch the same record.
type Collection struct {
	mu         sync.Mutex
	records    map[string]*DocumentRecord
	order      []string
	tracker    *handle.Tracker
	cache      *session.Cache
	timeSource TimeSource
}

// NewCollection creates an empty Collection backed by the given tracker and
// session cache.
func NewCollection(tracker *handle.Tracker, cache *session.Cache) *Collection {
	return &Collection{
		records:    make(map[string]*DocumentRecord),
		tracker:    tracker,
		cache:      cache,
		timeSource: defaultTimeSource{},
	}
}

// SetTimeSource replaces the clock, for tests.
func (c *Collection) SetTimeSource(ts TimeSource) {
	c.timeSource = ts
}

// Add inserts a record at the end of the collection. The collection keeps
// its own copy, so the caller's pointer never aliases a record that later
// commits mutate.
func (c *Collection) Add(rec *DocumentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *rec
	c.records[rec.ID] = &cp
	c.order = append(c.order, rec.ID)
}

// Get returns a copy of a record. Copies are safe to read and encode
// without further locking; committed fields are never mutated in place.
func (c *Collection) Get(id string) (DocumentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return DocumentRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records in insertion order.
func (c *Collection) List() []DocumentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DocumentRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.records[id])
	}
	return out
}

// ApplyExtraction commits an extraction outcome to a record in the same
// critical section that readers copy under. A nil fields leaves the
// record's previous fields in place (the failed path). A thumbnail handle
// is attached only when the record still lacks one; otherwise it is
// released so an overlapping run cannot leak it. Committing to a record
// that was removed mid-run releases the thumbnail and is otherwise a no-op.
func (c *Collection) ApplyExtraction(id string, fields *ExtractedFields, state State, thumb handle.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		if thumb != "" {
			c.tracker.Release(thumb)
		}
		return
	}

	if fields != nil {
		rec.Fields = fields
	}
	rec.State = state
	if thumb != "" {
		if rec.Thumbnail == "" {
			rec.Thumbnail = thumb
		} else {
			c.tracker.Release(thumb)
		}
	}
	rec.UpdatedAt = c.timeSource.Now()
}

// Len returns the number of live records.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Remove retires one record, releasing every handle it owns.
func (c *Collection) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%w: unknown record %q", domain.ErrInvalidArgument, id)
	}
	c.retire(rec)
	return nil
}

// Clear retires every record and empties the session cache.
func (c *Collection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range c.records {
		c.releaseHandles(rec)
	}
	c.records = make(map[string]*DocumentRecord)
	c.order = nil
	c.cache.Clear()
}

// Merge combines N distinct records into one whose page images are the
// concatenation of the inputs' pages in input order. The source records are
// retired in the same critical section as the merged record's creation, so
// there is no intermediate state where both old and new handles are live
// and untracked. Duplicate IDs are rejected: repeating a record would
// duplicate its pages in the merged document while its image handles can
// move only once. Extracted fields are not carried over; the merged
// document is re-extracted.
func (c *Collection) Merge(ids []string) (DocumentRecord, error) {
	if len(ids) < 2 {
		return DocumentRecord{}, fmt.Errorf("%w: merge requires at least 2 records, got %d",
			domain.ErrInvalidArgument, len(ids))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(ids))
	sources := make([]*DocumentRecord, 0, len(ids))
	pdfs := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return DocumentRecord{}, fmt.Errorf("%w: duplicate record %q in merge", domain.ErrInvalidArgument, id)
		}
		seen[id] = struct{}{}

		rec, ok := c.records[id]
		if !ok {
			return DocumentRecord{}, fmt.Errorf("%w: unknown record %q", domain.ErrInvalidArgument, id)
		}
		pdf, ok := c.tracker.Bytes(rec.SourceDocument)
		if !ok {
			return DocumentRecord{}, fmt.Errorf("%w: record %q has no live source document", domain.ErrResource, id)
		}
		sources = append(sources, rec)
		pdfs = append(pdfs, pdf)
	}

	mergedPDF, err := document.Merge(pdfs)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("merging records: %w", err)
	}

	sourceHandle, err := c.tracker.Create(mergedPDF)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("registering merged document: %w", err)
	}

	now := c.timeSource.Now()
	merged := &DocumentRecord{
		ID:             uuid.NewString(),
		Filename:       sources[0].Filename,
		SourceDocument: sourceHandle,
		State:          StateThumbnailed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Page image handles move from the sources to the merged record; the
	// first source's thumbnail moves with them. Moved handles stay live in
	// the tracker, so they are excluded from the sources' release below.
	for _, src := range sources {
		merged.PageImages = append(merged.PageImages, src.PageImages...)
		src.PageImages = nil
	}
	merged.Thumbnail = sources[0].Thumbnail
	sources[0].Thumbnail = ""
	if thumb, ok := c.cache.Get(sources[0].ID); ok {
		c.cache.Set(merged.ID, thumb)
	}

	for _, src := range sources {
		c.retire(src)
	}

	c.records[merged.ID] = merged
	c.order = append(c.order, merged.ID)
	return *merged, nil
}

// Split breaks one record into single-page records, one per page of its
// source document, in page order. Children do not inherit any portion of
// the parent's extracted amount or vendor; each page is re-extracted
// independently.
func (c *Collection) Split(id string) ([]DocumentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown record %q", domain.ErrInvalidArgument, id)
	}
	pdf, ok := c.tracker.Bytes(src.SourceDocument)
	if !ok {
		return nil, fmt.Errorf("%w: record %q has no live source document", domain.ErrResource, id)
	}

	pages, err := document.SplitIntoSinglePages(pdf)
	if err != nil {
		return nil, fmt.Errorf("splitting record: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no page of record %q could be rendered", domain.ErrRender, id)
	}

	now := c.timeSource.Now()
	children := make([]*DocumentRecord, 0, len(pages))
	for i, page := range pages {
		png, err := document.EncodePNG(page.Image)
		if err != nil {
			slog.Warn("Skipping split page that failed to encode", "record", id, "page", i, "error", err)
			continue
		}

		imageHandle, err := c.tracker.Create(png)
		if err != nil {
			slog.Warn("Skipping split page whose image handle failed", "record", id, "page", i, "error", err)
			continue
		}
		docHandle, err := c.tracker.Create(page.PDF)
		if err != nil {
			c.tracker.Release(imageHandle)
			slog.Warn("Skipping split page whose document handle failed", "record", id, "page", i, "error", err)
			continue
		}

		child := &DocumentRecord{
			ID:             uuid.NewString(),
			Filename:       fmt.Sprintf("%s (page %d)", src.Filename, i+1),
			PageImages:     []handle.Handle{imageHandle},
			SourceDocument: docHandle,
			State:          StateIngested,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		thumb, err := thumbnail.Generate(png, thumbnail.DefaultMaxWidth, thumbnail.DefaultMaxHeight, thumbnail.DefaultQuality)
		if err != nil {
			slog.Warn("Using placeholder thumbnail for split page", "record", child.ID, "error", err)
			thumb = thumbnail.Placeholder()
		}
		if th, err := c.tracker.Create(thumb); err == nil {
			child.Thumbnail = th
			child.State = StateThumbnailed
		}
		c.cache.Set(child.ID, thumb)

		children = append(children, child)
	}

	if len(children) == 0 {
		return nil, fmt.Errorf("%w: no page of record %q could be split", domain.ErrRender, id)
	}

	c.retire(src)
	out := make([]DocumentRecord, 0, len(children))
	for _, child := range children {
		c.records[child.ID] = child
		c.order = append(c.order, child.ID)
		out = append(out, *child)
	}
	return out, nil
}

// retire removes a record from the collection and releases its handles.
// Caller holds the mutex.
func (c *Collection) retire(rec *DocumentRecord) {
	c.releaseHandles(rec)
	delete(c.records, rec.ID)
	for i, id := range c.order {
		if id == rec.ID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.cache.Remove(rec.ID)
}

func (c *Collection) releaseHandles(rec *DocumentRecord) {
	for _, h := range rec.PageImages {
		c.tracker.Release(h)
	}
	c.tracker.Release(rec.SourceDocument)
	if rec.Thumbnail != "" {
		c.tracker.Release(rec.Thumbnail)
	}
}
