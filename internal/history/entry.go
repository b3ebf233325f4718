package history

import (
	"time"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
)

// Entry is one successful scan, as shown in the history list
type Entry struct {
	ID           string          `json:"id"`
	Barcode      string          `json:"barcode,omitempty"`
	Name         string          `json:"name"`
	Brand        string          `json:"brand"`
	ImageURL     string          `json:"image_url,omitempty"`
	Method       analysis.Method `json:"method"`
	HealthScore  float64         `json:"health_score,omitempty"`
	HealthRating string          `json:"health_rating,omitempty"`
	Verdict      string          `json:"verdict,omitempty"`
	ScannedAt    time.Time       `json:"scanned_at"`
}

// newEntry flattens a result into an entry
func newEntry(id string, result analysis.Result, at time.Time) *Entry {
	e := &Entry{
		ID:        id,
		Barcode:   result.Barcode,
		Name:      result.ProductName,
		Brand:     result.ProductBrand,
		ImageURL:  result.ProductImageURL,
		Method:    result.Method,
		ScannedAt: at,
	}
	if a := result.Analysis; a != nil {
		e.HealthScore = a.HealthScore
		e.HealthRating = a.HealthRating
		e.Verdict = string(a.Verdict.Tag)
	}
	return e
}
