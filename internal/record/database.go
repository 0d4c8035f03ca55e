package record

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const exportBucket = "exported_records"

// Store is the persistence collaborator for confirmed records.
type Store interface {
	// UpsertRecord inserts or replaces an exported record.
	UpsertRecord(rec *ExportedRecord) error

	// GetRecord retrieves an exported record by ID.
	GetRecord(id string) (*ExportedRecord, error)

	// ListRecords returns all exported records.
	ListRecords() ([]*ExportedRecord, error)

	// DeleteRecord removes an exported record.
	DeleteRecord(id string) error

	// Close closes the database.
	Close() error
}

// BoltStore implements Store using BoltDB with JSON values.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(exportBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// UpsertRecord inserts or replaces an exported record.
func (b *BoltStore) UpsertRecord(rec *ExportedRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(exportBucket))
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return bucket.Put([]byte(rec.ID), data)
	})
}

// GetRecord retrieves an exported record by ID.
func (b *BoltStore) GetRecord(id string) (*ExportedRecord, error) {
	var rec *ExportedRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(exportBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("record not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords returns all exported records.
func (b *BoltStore) ListRecords() ([]*ExportedRecord, error) {
	records := make([]*ExportedRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(exportBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var rec ExportedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteRecord removes an exported record.
func (b *BoltStore) DeleteRecord(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(exportBucket)).Delete([]byte(id))
	})
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
