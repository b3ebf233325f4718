package analysis

import (
	"math"
	"strings"
)

// Method identifies how a product was resolved
type Method string

const (
	MethodBarcode Method = "barcode"
	MethodOCR     Method = "ocr"
	MethodNone    Method = "none"
)

// Source tags for TruthSummary.Source
const (
	SourceDirectory = "Open Food Facts"
	SourceLabelOnly = "Label Only (OCR)"
)

const maxKeyIngredients = 4

// KeyIngredient is one categorized ingredient in a summary
type KeyIngredient struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Explanation string `json:"explanation"`
}

// VerdictTag is the eat/avoid decision parsed from a recommendation
type VerdictTag string

const (
	VerdictYes     VerdictTag = "yes"
	VerdictNo      VerdictTag = "no"
	VerdictCaution VerdictTag = "caution"
	VerdictUnknown VerdictTag = "unknown"
)

// Verdict is the structured form of a "Yes: ..." / "No: ..." / "Caution: ..." recommendation
type Verdict struct {
	Tag         VerdictTag `json:"tag"`
	Explanation string     `json:"explanation"`
}

// TruthSummary is the health analysis of a product
type TruthSummary struct {
	HealthScore    float64         `json:"healthScore"`
	HealthRating   string          `json:"healthRating"`
	Summary        string          `json:"summary"`
	KeyIngredients []KeyIngredient `json:"keyIngredients"`
	Recommendation string          `json:"recommendation"`
	Verdict        Verdict         `json:"verdict"`
	Source         string          `json:"source"`
}

// LabelSummary is what the analysis service returns for label text or an image.
// The service may also recognize the product itself.
type LabelSummary struct {
	ProductName  string
	ProductBrand string
	Summary      *TruthSummary
}

// Usable reports whether the summary has content worth showing
func (t *TruthSummary) Usable() bool {
	return t != nil && strings.TrimSpace(t.Summary) != ""
}

// Normalize enforces the summary invariants in place: the score is clamped to
// [1,10], the rating is a single upper-case letter A-F, at most four key
// ingredients are kept and the recommendation verdict is parsed.
func (t *TruthSummary) Normalize() {
	if t == nil {
		return
	}
	t.HealthScore = clampScore(t.HealthScore)
	t.HealthRating = normalizeRating(t.HealthRating, t.HealthScore)
	if len(t.KeyIngredients) > maxKeyIngredients {
		t.KeyIngredients = t.KeyIngredients[:maxKeyIngredients]
	}
	t.Summary = strings.TrimSpace(t.Summary)
	t.Recommendation = strings.TrimSpace(t.Recommendation)
	t.Verdict = ParseVerdict(t.Recommendation)
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) || score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

// normalizeRating upper-cases a rating letter. Nutri-Score only goes to E, while
// model ratings go to F; anything outside A-F is derived from the score.
func normalizeRating(rating string, score float64) string {
	r := strings.ToUpper(strings.TrimSpace(rating))
	if len(r) == 1 && r[0] >= 'A' && r[0] <= 'F' {
		return r
	}
	return RatingForScore(score)
}

// RatingForScore maps a 1-10 health score onto an A-F letter
func RatingForScore(score float64) string {
	switch s := clampScore(score); {
	case s >= 9:
		return "A"
	case s >= 7:
		return "B"
	case s >= 5:
		return "C"
	case s >= 3:
		return "D"
	default:
		return "F"
	}
}

// ParseVerdict reads the Yes/No/Caution prefix of a recommendation
func ParseVerdict(recommendation string) Verdict {
	text := strings.TrimSpace(recommendation)
	lower := strings.ToLower(text)
	for _, tag := range []VerdictTag{VerdictCaution, VerdictYes, VerdictNo} {
		prefix := string(tag)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := text[len(prefix):]
		// "Nothing to worry about" must not parse as "No"
		if rest != "" && isLetter(rest[0]) {
			continue
		}
		rest = strings.TrimLeft(rest, ":,.-! ")
		return Verdict{Tag: tag, Explanation: strings.TrimSpace(rest)}
	}
	return Verdict{Tag: VerdictUnknown, Explanation: text}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
