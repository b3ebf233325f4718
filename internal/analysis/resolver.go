package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adhamqabban37/TruthByte/internal/directory"
)

// Result is the canonical outcome of every scan path
type Result struct {
	Method          Method        `json:"method"`
	Barcode         string        `json:"barcode,omitempty"`
	ProductName     string        `json:"productName,omitempty"`
	ProductBrand    string        `json:"productBrand,omitempty"`
	ProductImageURL string        `json:"productImageUrl,omitempty"`
	Analysis        *TruthSummary `json:"analysis,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// HasAnalysis reports whether the result carries a usable summary
func (r Result) HasAnalysis() bool {
	return r.Method != MethodNone && r.Analysis.Usable()
}

// Service is the ingredient analysis service
type Service interface {
	// AnalyzeIngredients summarizes a directory product with a known ingredient list
	AnalyzeIngredients(ctx context.Context, product directory.Product) (*TruthSummary, error)
	// AnalyzeLabelText summarizes raw OCR text from a product label
	AnalyzeLabelText(ctx context.Context, text string) (*LabelSummary, error)
	// AnalyzeImage summarizes a photo of a product label or ingredient list
	AnalyzeImage(ctx context.Context, imageData []byte, contentType string) (*LabelSummary, error)
}

// Directory is the product directory the resolver consults
type Directory = directory.Lookup

const (
	defaultLabelName   = "Scanned Product"
	defaultLabelBrand  = "From Label"
	defaultImageName   = "Analyzed from Image"
	defaultImageBrand  = "Live Capture"
	errAnalysisFailed  = "AI analysis could not be completed."
	errBarcodeFailed   = "Failed to analyze barcode."
	errLabelFailed     = "Could not analyze the label. Please try again."
	errLookupFailed    = "Product lookup failed."
	errNotFound        = "Product not found."
	errRateLimited     = "Rate limit exceeded. Please try again later."
	errEmptyLabelInput = "No label text to analyze."
)

// Resolver turns a barcode, label text or image into a canonical Result.
// It never returns an error: every failure is folded into the Result.
type Resolver struct {
	directory Directory
	service   Service
}

// NewResolver creates a new Resolver
func NewResolver(dir Directory, service Service) *Resolver {
	return &Resolver{directory: dir, service: service}
}

// ResolveBarcode looks the symbol up in the directory and analyzes its ingredients
func (r *Resolver) ResolveBarcode(ctx context.Context, symbol string) Result {
	symbol = strings.TrimSpace(symbol)

	product, err := r.directory.LookupByBarcode(ctx, symbol)
	if err != nil {
		slog.Error("Directory lookup failed", "barcode", symbol, "error", err)
		return Result{Method: MethodNone, Barcode: symbol, Error: failureMessage(err, errLookupFailed)}
	}
	if product == nil {
		return Result{Method: MethodNone, Barcode: symbol, Error: errNotFound}
	}

	result := Result{
		Method:          MethodBarcode,
		Barcode:         symbol,
		ProductName:     product.Name,
		ProductBrand:    product.Brand,
		ProductImageURL: product.ImageURL,
	}

	// Found the product but there is nothing to analyze
	if product.Ingredients == "" {
		return result
	}

	summary, err := r.service.AnalyzeIngredients(ctx, *product)
	if err != nil {
		slog.Error("Ingredient analysis failed", "barcode", symbol, "error", err)
		if isRateLimited(err) {
			return Result{Method: MethodNone, Barcode: symbol, Error: errRateLimited}
		}
		result.Error = errAnalysisFailed
		return result
	}
	if !summary.Usable() {
		slog.Warn("Ingredient analysis returned no summary", "barcode", symbol)
		result.Error = errAnalysisFailed
		return result
	}

	summary.Source = SourceDirectory
	// A standardized nutrition grade outranks a model-inferred one
	if product.NutriScore != "" {
		summary.HealthRating = strings.ToUpper(product.NutriScore)
	}
	summary.Normalize()

	result.Analysis = summary
	return result
}

// ResolveLabel analyzes raw label text
func (r *Resolver) ResolveLabel(ctx context.Context, text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Method: MethodNone, Error: errEmptyLabelInput}
	}

	label, err := r.service.AnalyzeLabelText(ctx, text)
	if err != nil {
		slog.Error("Label analysis failed", "text_length", len(text), "error", err)
		return Result{Method: MethodNone, Error: failureMessage(err, errLabelFailed)}
	}
	if label == nil || !label.Summary.Usable() {
		return Result{Method: MethodNone, Error: errLabelFailed}
	}

	return r.labelResult(ctx, label, defaultLabelName, defaultLabelBrand)
}

// ResolveImage analyzes a still photo of a label
func (r *Resolver) ResolveImage(ctx context.Context, imageData []byte, contentType string) Result {
	label, err := r.service.AnalyzeImage(ctx, imageData, contentType)
	if err != nil {
		slog.Error("Image analysis failed", "content_type", contentType, "file_size", len(imageData), "error", err)
		return Result{Method: MethodNone, Error: failureMessage(err, errLabelFailed)}
	}
	if label == nil || !label.Summary.Usable() {
		return Result{Method: MethodNone, Error: errLabelFailed}
	}

	return r.labelResult(ctx, label, defaultImageName, defaultImageBrand)
}

// labelResult builds an OCR result, preferring directory data when the
// recognized product name matches a directory record.
func (r *Resolver) labelResult(ctx context.Context, label *LabelSummary, name, brand string) Result {
	summary := label.Summary
	summary.Source = SourceLabelOnly

	result := Result{
		Method:       MethodOCR,
		ProductName:  firstNonEmpty(label.ProductName, name),
		ProductBrand: firstNonEmpty(label.ProductBrand, brand),
	}

	if query := strings.TrimSpace(strings.Join([]string{label.ProductBrand, label.ProductName}, " ")); query != "" {
		match, err := r.directory.SearchByText(ctx, query)
		if err != nil {
			slog.Warn("Directory search failed", "query", query, "error", err)
		} else if match != nil {
			summary.Source = SourceDirectory
			result.Barcode = match.Barcode
			result.ProductName = match.Name
			result.ProductBrand = match.Brand
			result.ProductImageURL = match.ImageURL
			if match.NutriScore != "" {
				summary.HealthRating = strings.ToUpper(match.NutriScore)
			}
		}
	}

	summary.Normalize()
	result.Analysis = summary
	return result
}

// failureMessage maps quota errors to a rate-limit message and everything else to fallback
func failureMessage(err error, fallback string) string {
	if isRateLimited(err) {
		return errRateLimited
	}
	if errors.Is(err, context.Canceled) {
		return "Analysis cancelled."
	}
	return fallback
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "rate limit")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// String is used in logs
func (r Result) String() string {
	rating := ""
	if r.Analysis != nil {
		rating = r.Analysis.HealthRating
	}
	return fmt.Sprintf("%s[%s %s %s]", r.Method, r.Barcode, r.ProductName, rating)
}
