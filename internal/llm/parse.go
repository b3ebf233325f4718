package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/ocr"
)

// summaryJSON is the model's reply to an analysis prompt
type summaryJSON struct {
	ProductName    *string                  `json:"productName"`
	ProductBrand   *string                  `json:"productBrand"`
	HealthScore    float64                  `json:"healthScore"`
	HealthRating   string                   `json:"healthRating"`
	Summary        string                   `json:"summary"`
	KeyIngredients []analysis.KeyIngredient `json:"keyIngredients"`
	Recommendation string                   `json:"recommendation"`
}

// recognizeJSON is the model's reply to the transcription prompt
type recognizeJSON struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// extractJSON strips markdown fences and anything around the outermost object
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// parseSummaryJSON parses an analysis reply. The summary is not normalized
// here; the resolver does that once, after any directory overrides.
func parseSummaryJSON(text string) (*analysis.LabelSummary, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var data summaryJSON
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	return &analysis.LabelSummary{
		ProductName:  deref(data.ProductName),
		ProductBrand: deref(data.ProductBrand),
		Summary: &analysis.TruthSummary{
			HealthScore:    data.HealthScore,
			HealthRating:   strings.TrimSpace(data.HealthRating),
			Summary:        strings.TrimSpace(data.Summary),
			KeyIngredients: data.KeyIngredients,
			Recommendation: strings.TrimSpace(data.Recommendation),
		},
	}, nil
}

// parseRecognizeJSON parses a transcription reply
func parseRecognizeJSON(text string) (ocr.Text, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return ocr.Text{}, err
	}

	var data recognizeJSON
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ocr.Text{}, fmt.Errorf("unmarshaling json: %w", err)
	}

	confidence := -1.0
	if data.Confidence != nil {
		confidence = max(0, min(*data.Confidence, 100))
	}
	return ocr.Text{Content: strings.TrimSpace(data.Text), Confidence: confidence}, nil
}

// deref also drops the literal "null" some models write as a string
func deref(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}
