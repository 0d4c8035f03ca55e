package record

import (
	"time"

	"github.com/knakayama/ledgerscan/internal/handle"
)

// State tags a record's position in the processing pipeline.
type State string

const (
	StateIngested         State = "ingested"
	StateThumbnailed      State = "thumbnailed"
	StateExtracted        State = "extracted"
	StateExtractionFailed State = "extraction_failed"
)

// LineItem is one itemized row extracted from a receipt.
type LineItem struct {
	Description string `json:"description"`
	Amount      int    `json:"amount"` // Amount in yen (whole units)
}

// ExtractedFields is the structured result of the extraction pipeline.
// Confidence combines the text-recognition and field-extraction stages.
type ExtractedFields struct {
	Vendor     string     `json:"vendor,omitempty"`
	Date       string     `json:"date,omitempty"` // YYYY-MM-DD
	Amount     int        `json:"amount,omitempty"`
	TaxID      string     `json:"tax_id,omitempty"` // Invoice registration number
	Items      []LineItem `json:"items,omitempty"`
	RawText    string     `json:"raw_text"`
	Confidence float64    `json:"confidence"`
}

// DocumentRecord is the unit of work flowing through the pipeline: one
// logical receipt or invoice, possibly multi-page.
type DocumentRecord struct {
	ID             string           `json:"id"`
	Filename       string           `json:"filename"`
	PageImages     []handle.Handle  `json:"page_images"` // One per page, in page order
	SourceDocument handle.Handle    `json:"source_document"`
	Thumbnail      handle.Handle    `json:"thumbnail,omitempty"`
	Fields         *ExtractedFields `json:"fields,omitempty"`
	State          State            `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ExportedRecord is the durable form of a confirmed record handed to the
// persistence collaborator.
type ExportedRecord struct {
	ID          string     `json:"id"`
	Vendor      string     `json:"vendor,omitempty"`
	Date        string     `json:"date,omitempty"`
	Amount      int        `json:"amount,omitempty"`
	TaxID       string     `json:"tax_id,omitempty"`
	Items       []LineItem `json:"items,omitempty"`
	Confidence  float64    `json:"confidence"`
	DocumentKey string     `json:"document_key"` // Storage path of the exported PDF
	PageCount   int        `json:"page_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
