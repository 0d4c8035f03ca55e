package record

import (
	"fmt"
	"log/slog"

	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/handle"
)

// Service coordinates the live session collection with the persistence
// collaborators: exporting confirmed records and deleting exported ones.
type Service struct {
	collection *Collection
	tracker    *handle.Tracker
	store      Store
	storage    Storage
	timeSource TimeSource
}

// NewService creates a Service.
func NewService(collection *Collection, tracker *handle.Tracker, store Store, storage Storage) *Service {
	return &Service{
		collection: collection,
		tracker:    tracker,
		store:      store,
		storage:    storage,
		timeSource: defaultTimeSource{},
	}
}

// SetTimeSource replaces the clock, for tests.
func (s *Service) SetTimeSource(ts TimeSource) {
	s.timeSource = ts
}

// Collection returns the session collection the service operates on.
func (s *Service) Collection() *Collection {
	return s.collection
}

// Export persists a confirmed record: its source document goes to binary
// storage, its fields to the record store. The record must have been
// through extraction.
func (s *Service) Export(id string) (*ExportedRecord, error) {
	rec, ok := s.collection.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown record %q", domain.ErrInvalidArgument, id)
	}
	if rec.Fields == nil {
		return nil, fmt.Errorf("%w: record %q has no extracted fields to export", domain.ErrInvalidArgument, id)
	}

	pdf, ok := s.tracker.Bytes(rec.SourceDocument)
	if !ok {
		return nil, fmt.Errorf("%w: record %q has no live source document", domain.ErrResource, id)
	}

	key, err := s.storage.Save(fmt.Sprintf("%s.pdf", rec.ID), pdf)
	if err != nil {
		return nil, fmt.Errorf("saving exported document: %w", err)
	}

	now := s.timeSource.Now()
	exported := &ExportedRecord{
		ID:          rec.ID,
		Vendor:      rec.Fields.Vendor,
		Date:        rec.Fields.Date,
		Amount:      rec.Fields.Amount,
		TaxID:       rec.Fields.TaxID,
		Items:       rec.Fields.Items,
		Confidence:  rec.Fields.Confidence,
		DocumentKey: key,
		PageCount:   len(rec.PageImages),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   now,
	}

	if err := s.store.UpsertRecord(exported); err != nil {
		// Roll the binary back so storage and store stay consistent.
		if delErr := s.storage.Delete(key); delErr != nil {
			slog.Warn("Failed to remove orphaned export payload", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("upserting exported record: %w", err)
	}

	return exported, nil
}

// DeleteExported removes an exported record and its stored document.
func (s *Service) DeleteExported(id string) error {
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return fmt.Errorf("getting exported record: %w", err)
	}

	if err := s.storage.Delete(rec.DocumentKey); err != nil {
		slog.Warn("Failed to delete exported payload", "key", rec.DocumentKey, "error", err)
	}

	if err := s.store.DeleteRecord(id); err != nil {
		return fmt.Errorf("deleting exported record: %w", err)
	}
	return nil
}

// ListExported returns all exported records.
func (s *Service) ListExported() ([]*ExportedRecord, error) {
	records, err := s.store.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("listing exported records: %w", err)
	}
	return records, nil
}

// ExportedFile retrieves the stored document for an exported record.
func (s *Service) ExportedFile(id string) ([]byte, error) {
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return nil, fmt.Errorf("getting exported record: %w", err)
	}
	data, err := s.storage.Get(rec.DocumentKey)
	if err != nil {
		return nil, fmt.Errorf("getting exported payload: %w", err)
	}
	return data, nil
}
