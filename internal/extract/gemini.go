package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// fieldExtractionPrompt is the fixed instruction sent with the raw OCR text.
const fieldExtractionPrompt = `You are analyzing the OCR text of a receipt or invoice. Extract the following information:

1. **Vendor**: The store or business name, usually the most prominent text near the top.

2. **Date**: The transaction or issue date. Japanese receipts often use era dates such as 令和5年10月1日; return them as written if you cannot convert them.

3. **Amount**: The final total (合計 / 総額 / TOTAL / 請求金額). Return the numeric value only, without currency symbols.

4. **Tax ID**: The invoice registration number (登録番号), usually formatted as T followed by 13 digits. Use null if absent.

5. **Items**: Line items with their individual amounts, when legible.

6. **Confidence**: Your confidence in this extraction as a number between 0 and 1.

If no total is explicitly labeled, assume the largest number appearing in the text is the total.

Return ONLY valid JSON in this exact format:
{
  "vendor": "Store Name",
  "date": "YYYY-MM-DD",
  "amount": 0,
  "tax_id": "T1234567890123",
  "items": [{"description": "item", "amount": 0}],
  "confidence": 0.0
}

Important:
- Every field except confidence may be null if it cannot be found
- Do not include any text before or after the JSON
- Do not use markdown code blocks

OCR text:
`

// FieldExtractor is the field-extraction service boundary. Extraction is
// best-effort: implementations return a low-confidence empty result instead
// of an error, so a bad response never aborts the pipeline.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, rawText string) Fields
	Close() error
}

// Gemini implements FieldExtractor using Google Gemini.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a Gemini-backed FieldExtractor.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// ExtractFields sends the raw OCR text with the fixed instruction prompt and
// parses the strictly-typed JSON result. On any service or parse failure it
// logs and returns a low-confidence empty result.
func (g *Gemini) ExtractFields(ctx context.Context, rawText string) Fields {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.Text(fieldExtractionPrompt+rawText))
	if err != nil {
		slog.Error("Field extraction call failed", "error", err)
		return emptyFields()
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		slog.Error("Field extraction returned no candidates")
		return emptyFields()
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	fields, err := parseFieldsJSON(text.String())
	if err != nil {
		slog.Error("Field extraction response unparseable", "error", err)
		return emptyFields()
	}

	return fields
}

// Close closes the Gemini client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
