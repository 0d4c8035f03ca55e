// Package ocr extracts raw text and token confidences from receipt images
// using the Google Cloud Vision API.
package ocr

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"

	"github.com/knakayama/ledgerscan/internal/domain"
)

// DefaultConfidence is the neutral aggregate used when the service returns
// no word-level confidences.
const DefaultConfidence = 0.7

// Text is the flattened result of text recognition: the full document text
// and the mean of all word-level confidences.
type Text struct {
	Raw        string
	Confidence float64
	Words      int
}

// Recognizer is the text-recognition service boundary.
type Recognizer interface {
	RecognizeText(ctx context.Context, img []byte) (Text, error)
}

// VisionClient implements Recognizer using Vision document text detection.
type VisionClient struct {
	svc           *vision.Service
	languageHints []string
}

// NewVisionClient creates a Vision-backed Recognizer. Receipts in this
// system are predominantly Japanese, so the default language hints are
// "ja" then "en".
func NewVisionClient(ctx context.Context, apiKey string, languageHints ...string) (*VisionClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision api key is required")
	}
	if len(languageHints) == 0 {
		languageHints = []string{"ja", "en"}
	}

	svc, err := vision.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}

	return &VisionClient{
		svc:           svc,
		languageHints: languageHints,
	}, nil
}

// RecognizeText sends an image for document text detection and flattens the
// page/block/paragraph/word hierarchy into full text plus a mean word
// confidence. A transport or service error is fatal for the record.
func (c *VisionClient) RecognizeText(ctx context.Context, img []byte) (Text, error) {
	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image: &vision.Image{
					Content: base64.StdEncoding.EncodeToString(img),
				},
				Features: []*vision.Feature{
					{Type: "DOCUMENT_TEXT_DETECTION"},
				},
				ImageContext: &vision.ImageContext{
					LanguageHints: c.languageHints,
				},
			},
		},
	}

	resp, err := c.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return Text{}, fmt.Errorf("%w: vision annotate: %v", domain.ErrService, err)
	}
	if len(resp.Responses) == 0 {
		return Text{}, fmt.Errorf("%w: empty vision response", domain.ErrService)
	}
	if apiErr := resp.Responses[0].Error; apiErr != nil {
		return Text{}, fmt.Errorf("%w: vision error %d: %s", domain.ErrService, apiErr.Code, apiErr.Message)
	}

	return flattenAnnotation(resp.Responses[0].FullTextAnnotation), nil
}

// flattenAnnotation walks the document/page/block/paragraph/word hierarchy
// and aggregates word confidences as an arithmetic mean. Words whose
// confidence the service omitted decode as zero and are left out of the
// mean; when no word carries one the neutral default applies.
func flattenAnnotation(ann *vision.TextAnnotation) Text {
	if ann == nil {
		return Text{Confidence: DefaultConfidence}
	}

	var sum float64
	var words, scored int
	for _, page := range ann.Pages {
		for _, block := range page.Blocks {
			for _, para := range block.Paragraphs {
				for _, word := range para.Words {
					words++
					if word.Confidence > 0 {
						sum += word.Confidence
						scored++
					}
				}
			}
		}
	}

	confidence := DefaultConfidence
	if scored > 0 {
		confidence = sum / float64(scored)
	}

	return Text{
		Raw:        ann.Text,
		Confidence: confidence,
		Words:      words,
	}
}
