package record

import (
	"errors"
	"fmt"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/session"
)

type failingStore struct {
	Store
}

func (f *failingStore) UpsertRecord(*ExportedRecord) error {
	return fmt.Errorf("disk full")
}

var _ = Describe("Service", func() {
	var (
		tracker    *handle.Tracker
		cache      *session.Cache
		collection *Collection
		store      *BoltStore
		storage    *LocalStorage
		service    *Service
	)

	addExtracted := func(id string) *DocumentRecord {
		GinkgoHelper()

		docHandle, err := tracker.Create([]byte("%PDF-1.4 " + id))
		Expect(err).NotTo(HaveOccurred())
		pageHandle, err := tracker.Create([]byte("page-" + id))
		Expect(err).NotTo(HaveOccurred())

		rec := &DocumentRecord{
			ID:             id,
			Filename:       id + ".pdf",
			PageImages:     []handle.Handle{pageHandle},
			SourceDocument: docHandle,
			Fields: &ExtractedFields{
				Vendor:     "テスト商店",
				Date:       "2023-10-01",
				Amount:     1234,
				Confidence: 0.85,
			},
			State: StateExtracted,
		}
		collection.Add(rec)
		return rec
	}

	BeforeEach(func() {
		tracker = handle.NewTracker()
		cache = session.NewCache()
		collection = NewCollection(tracker, cache)

		var err error
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		storage, err = NewLocalStorage(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		service = NewService(collection, tracker, store, storage)
	})

	Describe("Export", func() {
		It("persists the fields and the source document", func() {
			addExtracted("rec-1")

			exported, err := service.Export("rec-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(exported.Vendor).To(Equal("テスト商店"))
			Expect(exported.Amount).To(Equal(1234))
			Expect(exported.PageCount).To(Equal(1))
			Expect(exported.DocumentKey).To(Equal("rec-1.pdf"))

			got, err := store.GetRecord("rec-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Vendor).To(Equal("テスト商店"))

			data, err := storage.Get(exported.DocumentKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("%PDF-1.4 rec-1")))
		})

		It("rejects a record that has not been extracted", func() {
			docHandle, err := tracker.Create([]byte("%PDF-1.4 rec-1"))
			Expect(err).NotTo(HaveOccurred())
			collection.Add(&DocumentRecord{
				ID:             "rec-1",
				Filename:       "rec-1.pdf",
				SourceDocument: docHandle,
				State:          StateThumbnailed,
			})

			_, err = service.Export("rec-1")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, domain.ErrInvalidArgument)).To(BeTrue())
		})

		It("rejects an unknown record", func() {
			_, err := service.Export("nope")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, domain.ErrInvalidArgument)).To(BeTrue())
		})

		It("rejects a record whose source document is gone", func() {
			rec := addExtracted("rec-1")
			tracker.Release(rec.SourceDocument)

			_, err := service.Export("rec-1")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, domain.ErrResource)).To(BeTrue())
		})

		It("removes the stored payload when the record upsert fails", func() {
			addExtracted("rec-1")
			broken := NewService(collection, tracker, &failingStore{}, storage)

			_, err := broken.Export("rec-1")
			Expect(err).To(HaveOccurred())

			_, err = storage.Get("rec-1.pdf")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("DeleteExported", func() {
		It("removes both the record and its payload", func() {
			addExtracted("rec-1")
			exported, err := service.Export("rec-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(service.DeleteExported("rec-1")).To(Succeed())

			_, err = store.GetRecord("rec-1")
			Expect(err).To(HaveOccurred())
			_, err = storage.Get(exported.DocumentKey)
			Expect(err).To(HaveOccurred())
		})

		It("fails for an unknown record", func() {
			Expect(service.DeleteExported("nope")).NotTo(Succeed())
		})
	})

	Describe("ExportedFile", func() {
		It("returns the stored document", func() {
			addExtracted("rec-1")
			_, err := service.Export("rec-1")
			Expect(err).NotTo(HaveOccurred())

			data, err := service.ExportedFile("rec-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("%PDF-1.4 rec-1")))
		})
	})

	Describe("ListExported", func() {
		It("returns everything exported so far", func() {
			addExtracted("rec-1")
			addExtracted("rec-2")
			_, err := service.Export("rec-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Export("rec-2")
			Expect(err).NotTo(HaveOccurred())

			records, err := service.ListExported()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
		})
	})
})
