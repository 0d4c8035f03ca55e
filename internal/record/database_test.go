package record

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltStore", func() {
	var store *BoltStore

	BeforeEach(func() {
		var err error
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
	})

	newExported := func(id string) *ExportedRecord {
		return &ExportedRecord{
			ID:          id,
			Vendor:      "テスト商店",
			Date:        "2023-10-01",
			Amount:      1234,
			TaxID:       "T1234567890123",
			Items:       []LineItem{{Description: "おにぎり", Amount: 150}},
			Confidence:  0.85,
			DocumentKey: id + ".pdf",
			PageCount:   1,
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
			UpdatedAt:   time.Now().UTC().Truncate(time.Second),
		}
	}

	It("round-trips a record", func() {
		want := newExported("rec-1")
		Expect(store.UpsertRecord(want)).To(Succeed())

		got, err := store.GetRecord("rec-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Vendor).To(Equal(want.Vendor))
		Expect(got.Amount).To(Equal(want.Amount))
		Expect(got.Items).To(Equal(want.Items))
		Expect(got.DocumentKey).To(Equal(want.DocumentKey))
	})

	It("replaces on upsert", func() {
		rec := newExported("rec-1")
		Expect(store.UpsertRecord(rec)).To(Succeed())

		rec.Amount = 5678
		Expect(store.UpsertRecord(rec)).To(Succeed())

		got, err := store.GetRecord("rec-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Amount).To(Equal(5678))

		records, err := store.ListRecords()
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
	})

	It("lists all records", func() {
		Expect(store.UpsertRecord(newExported("rec-1"))).To(Succeed())
		Expect(store.UpsertRecord(newExported("rec-2"))).To(Succeed())

		records, err := store.ListRecords()
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))
	})

	It("returns an error for a missing record", func() {
		_, err := store.GetRecord("nope")
		Expect(err).To(HaveOccurred())
	})

	It("deletes a record", func() {
		Expect(store.UpsertRecord(newExported("rec-1"))).To(Succeed())
		Expect(store.DeleteRecord("rec-1")).To(Succeed())

		_, err := store.GetRecord("rec-1")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LocalStorage", func() {
	var storage *LocalStorage

	BeforeEach(func() {
		var err error
		storage, err = NewLocalStorage(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
	})

	It("round-trips a payload", func() {
		key, err := storage.Save("receipt.pdf", []byte("payload"))
		Expect(err).NotTo(HaveOccurred())
		Expect(key).To(Equal("receipt.pdf"))

		data, err := storage.Get(key)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("payload")))
	})

	It("deletes a payload", func() {
		key, err := storage.Save("receipt.pdf", []byte("payload"))
		Expect(err).NotTo(HaveOccurred())

		Expect(storage.Delete(key)).To(Succeed())
		_, err = storage.Get(key)
		Expect(err).To(HaveOccurred())
	})

	It("sanitizes hostile names", func() {
		key, err := storage.Save("../..//we ird   名前!?.pdf", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(key).NotTo(ContainSubstring("/"))
		Expect(key).NotTo(ContainSubstring(".."))
		Expect(key).To(HaveSuffix(".pdf"))
	})
})
