package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/knakayama/ledgerscan/internal/domain"
	"github.com/knakayama/ledgerscan/internal/handle"
	"github.com/knakayama/ledgerscan/internal/ocr"
	"github.com/knakayama/ledgerscan/internal/record"
	"github.com/knakayama/ledgerscan/internal/session"
)

type mockRecognizer struct {
	mu    sync.Mutex
	calls int
	text  ocr.Text
	err   error
	// failFor makes recognition fail only for images containing the marker.
	failFor []byte
}

func (m *mockRecognizer) RecognizeText(_ context.Context, img []byte) (ocr.Text, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return ocr.Text{}, m.err
	}
	if len(m.failFor) > 0 && bytes.Contains(img, m.failFor) {
		return ocr.Text{}, fmt.Errorf("%w: unreadable image", domain.ErrService)
	}
	return m.text, nil
}

type mockExtractor struct {
	mu     sync.Mutex
	calls  int
	fields Fields
	fail   bool
}

func (m *mockExtractor) ExtractFields(_ context.Context, rawText string) Fields {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fail {
		return emptyFields()
	}
	return m.fields
}

func (m *mockExtractor) Close() error { return nil }

// pagePNG encodes a small marker-carrying PNG so handles resolve to real,
// decodable image bytes.
func pagePNG(marker string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	buf.WriteString(marker)
	return buf.Bytes()
}

var _ = Describe("Pipeline", func() {
	var (
		tracker    *handle.Tracker
		cache      *session.Cache
		collection *record.Collection
		recognizer *mockRecognizer
		extractor  *mockExtractor
		pipeline   *Pipeline
	)

	addRecord := func(id, marker string) {
		GinkgoHelper()
		h, err := tracker.Create(pagePNG(marker))
		Expect(err).NotTo(HaveOccurred())
		collection.Add(&record.DocumentRecord{
			ID:         id,
			Filename:   id + ".png",
			PageImages: []handle.Handle{h},
			State:      record.StateThumbnailed,
		})
	}

	get := func(id string) record.DocumentRecord {
		GinkgoHelper()
		rec, ok := collection.Get(id)
		Expect(ok).To(BeTrue())
		return rec
	}

	BeforeEach(func() {
		tracker = handle.NewTracker()
		cache = session.NewCache()
		collection = record.NewCollection(tracker, cache)
		recognizer = &mockRecognizer{
			text: ocr.Text{Raw: "合計 1234円", Confidence: 0.9, Words: 3},
		}
		extractor = &mockExtractor{
			fields: Fields{Vendor: "テスト商店", Date: "2023-10-01", Amount: 1234, Confidence: 0.7},
		}
		pipeline = NewPipeline(recognizer, extractor, collection, tracker, cache)
	})

	Describe("ProcessOne", func() {
		It("commits fields and combines stage confidences", func() {
			addRecord("rec-1", "ok")

			err := pipeline.ProcessOne(context.Background(), "rec-1")
			Expect(err).NotTo(HaveOccurred())

			rec := get("rec-1")
			Expect(rec.State).To(Equal(record.StateExtracted))
			Expect(rec.Fields).NotTo(BeNil())
			Expect(rec.Fields.Vendor).To(Equal("テスト商店"))
			Expect(rec.Fields.Date).To(Equal("2023-10-01"))
			Expect(rec.Fields.Amount).To(Equal(1234))
			Expect(rec.Fields.RawText).To(Equal("合計 1234円"))
			Expect(rec.Fields.Confidence).To(BeNumerically("~", 0.8, 1e-9))
		})

		It("generates and caches a preview for the review screen", func() {
			addRecord("rec-1", "ok")
			Expect(get("rec-1").Thumbnail).To(BeEmpty())

			err := pipeline.ProcessOne(context.Background(), "rec-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(get("rec-1").Thumbnail).NotTo(BeEmpty())
			_, ok := cache.Get("rec-1")
			Expect(ok).To(BeTrue())
		})

		When("the record is unknown", func() {
			It("returns an invalid argument error", func() {
				err := pipeline.ProcessOne(context.Background(), "ghost")
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, domain.ErrInvalidArgument)).To(BeTrue())
			})
		})

		When("the record has no page images", func() {
			It("marks it failed with an invalid argument error", func() {
				collection.Add(&record.DocumentRecord{ID: "empty"})

				err := pipeline.ProcessOne(context.Background(), "empty")
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, domain.ErrInvalidArgument)).To(BeTrue())
				Expect(get("empty").State).To(Equal(record.StateExtractionFailed))
			})
		})

		When("the primary image handle is no longer live", func() {
			It("marks it failed with a resource error", func() {
				addRecord("rec-1", "ok")
				tracker.Release(get("rec-1").PageImages[0])

				err := pipeline.ProcessOne(context.Background(), "rec-1")
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, domain.ErrResource)).To(BeTrue())
				Expect(get("rec-1").State).To(Equal(record.StateExtractionFailed))
			})
		})

		When("text recognition fails", func() {
			BeforeEach(func() {
				recognizer.err = fmt.Errorf("%w: annotate quota exceeded", domain.ErrService)
			})

			It("marks the record failed and leaves prior fields untouched", func() {
				addRecord("rec-1", "ok")
				prior := &record.ExtractedFields{Vendor: "earlier run"}
				collection.ApplyExtraction("rec-1", prior, record.StateExtracted, "")

				err := pipeline.ProcessOne(context.Background(), "rec-1")
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, domain.ErrService)).To(BeTrue())

				rec := get("rec-1")
				Expect(rec.State).To(Equal(record.StateExtractionFailed))
				Expect(rec.Fields.Vendor).To(Equal("earlier run"))
			})

			It("never reaches field extraction", func() {
				addRecord("rec-1", "ok")
				_ = pipeline.ProcessOne(context.Background(), "rec-1")
				Expect(extractor.calls).To(Equal(0))
			})
		})

		When("field extraction degrades", func() {
			BeforeEach(func() {
				extractor.fail = true
			})

			It("keeps the raw text with the fallback confidence mixed in", func() {
				addRecord("rec-1", "ok")

				err := pipeline.ProcessOne(context.Background(), "rec-1")
				Expect(err).NotTo(HaveOccurred())

				rec := get("rec-1")
				Expect(rec.State).To(Equal(record.StateExtracted))
				Expect(rec.Fields.Vendor).To(BeEmpty())
				Expect(rec.Fields.RawText).To(Equal("合計 1234円"))
				Expect(rec.Fields.Confidence).To(BeNumerically("~", (0.9+fallbackConfidence)/2, 1e-9))
			})
		})

		When("the record is removed while the worker is running", func() {
			It("commits nothing and releases the orphaned preview handle", func() {
				addRecord("rec-1", "ok")
				Expect(collection.Remove("rec-1")).To(Succeed())

				thumb, err := tracker.Create(pagePNG("thumb"))
				Expect(err).NotTo(HaveOccurred())

				// The worker's copy survives the removal; the commit
				// must notice the record is gone.
				collection.ApplyExtraction("rec-1", &record.ExtractedFields{}, record.StateExtracted, thumb)
				_, ok := collection.Get("rec-1")
				Expect(ok).To(BeFalse())
				Expect(tracker.TrackedCount()).To(Equal(0))
			})
		})
	})

	Describe("ProcessBatch", func() {
		addBatch := func(ids ...string) []string {
			GinkgoHelper()
			for _, id := range ids {
				marker := "ok"
				if strings.HasSuffix(id, "poison") {
					marker = "poison"
				}
				addRecord(id, marker)
			}
			return ids
		}

		It("settles every record and accumulates per-record failures", func() {
			recognizer.failFor = []byte("poison")
			ids := addBatch("rec-1", "rec-2", "rec-3-poison", "rec-4", "rec-5")

			result := pipeline.ProcessBatch(context.Background(), ids, 3, nil)

			Expect(result.Succeeded).To(Equal(4))
			Expect(result.Failed).To(Equal(1))
			Expect(result.Errors).To(HaveKey("rec-3-poison"))
			Expect(get("rec-3-poison").State).To(Equal(record.StateExtractionFailed))
			Expect(get("rec-5").State).To(Equal(record.StateExtracted))
		})

		It("reports progress after each group", func() {
			ids := addBatch("rec-1", "rec-2", "rec-3", "rec-4", "rec-5")

			var reports []string
			result := pipeline.ProcessBatch(context.Background(), ids, 2, func(done, total int) {
				reports = append(reports, fmt.Sprintf("%d/%d", done, total))
			})

			Expect(result.Failed).To(Equal(0))
			Expect(strings.Join(reports, " ")).To(Equal("2/5 4/5 5/5"))
		})

		It("keeps records readable while a batch runs", func() {
			ids := addBatch("rec-1", "rec-2", "rec-3", "rec-4", "rec-5")

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				for i := 0; i < 200; i++ {
					_, err := json.Marshal(collection.List())
					Expect(err).NotTo(HaveOccurred())
				}
			}()

			result := pipeline.ProcessBatch(context.Background(), ids, 2, nil)
			Expect(result.Failed).To(Equal(0))
			Eventually(done).Should(BeClosed())

			for _, id := range ids {
				Expect(get(id).State).To(Equal(record.StateExtracted))
			}
		})

		It("falls back to the default group size", func() {
			ids := addBatch("rec-1")

			result := pipeline.ProcessBatch(context.Background(), ids, 0, nil)
			Expect(result.Succeeded).To(Equal(1))
		})

		It("handles an empty batch", func() {
			result := pipeline.ProcessBatch(context.Background(), nil, 3, nil)
			Expect(result.Succeeded).To(Equal(0))
			Expect(result.Failed).To(Equal(0))
		})
	})
})
