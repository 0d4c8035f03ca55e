// Package extract performs structured-field extraction on OCR text and
// drives the two-stage per-record pipeline.
package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/knakayama/ledgerscan/internal/record"
)

const (
	// defaultFieldConfidence substitutes for a missing or out-of-range
	// service confidence.
	defaultFieldConfidence = 0.8

	// fallbackConfidence marks a best-effort empty result after a parse
	// or service failure.
	fallbackConfidence = 0.3
)

// Fields is the structured result of one field-extraction call.
type Fields struct {
	Vendor     string
	Date       string // YYYY-MM-DD, empty when not found or unparseable
	Amount     int
	TaxID      string
	Items      []record.LineItem
	Confidence float64
}

// emptyFields is the degraded result used when extraction fails entirely.
func emptyFields() Fields {
	return Fields{Confidence: fallbackConfidence}
}

// fieldsPayload mirrors the JSON contract with the language model. All
// fields except confidence are nullable.
type fieldsPayload struct {
	Vendor     *string         `json:"vendor"`
	Date       *string         `json:"date"`
	Amount     json.RawMessage `json:"amount"`
	TaxID      *string         `json:"tax_id"`
	Items      []itemPayload   `json:"items"`
	Confidence *float64        `json:"confidence"`
}

type itemPayload struct {
	Description *string         `json:"description"`
	Amount      json.RawMessage `json:"amount"`
}

// parseFieldsJSON parses a model response into Fields. The model is told to
// return bare JSON but occasionally wraps it in markdown fences or prose, so
// the object boundaries are located before unmarshaling.
func parseFieldsJSON(text string) (Fields, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return Fields{}, fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end == -1 || end < start {
		return Fields{}, fmt.Errorf("invalid JSON object in response")
	}
	text = text[start : end+1]

	var payload fieldsPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Fields{}, fmt.Errorf("unmarshaling fields: %w", err)
	}

	fields := Fields{Confidence: defaultFieldConfidence}

	if payload.Vendor != nil {
		fields.Vendor = strings.TrimSpace(*payload.Vendor)
	}
	if payload.Date != nil {
		if normalized, ok := NormalizeDate(*payload.Date); ok {
			fields.Date = normalized
		}
	}
	if amount, ok := coerceAmount(payload.Amount); ok {
		fields.Amount = amount
	}
	if payload.TaxID != nil {
		fields.TaxID = strings.TrimSpace(*payload.TaxID)
	}
	for _, item := range payload.Items {
		li := record.LineItem{}
		if item.Description != nil {
			li.Description = strings.TrimSpace(*item.Description)
		}
		if amount, ok := coerceAmount(item.Amount); ok {
			li.Amount = amount
		}
		if li.Description != "" || li.Amount != 0 {
			fields.Items = append(fields.Items, li)
		}
	}
	if payload.Confidence != nil && *payload.Confidence >= 0 && *payload.Confidence <= 1 {
		fields.Confidence = *payload.Confidence
	}

	return fields, nil
}

// coerceAmount converts a JSON number or numeric string to whole units,
// rounding fractions and stripping thousands separators and currency marks.
func coerceAmount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	for _, junk := range []string{",", "，", "¥", "￥", "円", " ", "　"} {
		s = strings.ReplaceAll(s, junk, "")
	}
	if s == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(math.Round(f)), true
}
