package analysis

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/adhamqabban37/TruthByte/internal/directory"
)

type mockDirectory struct {
	products  map[string]*directory.Product
	search    *directory.Product
	lookupErr error
	searchErr error
	queries   []string
}

func (d *mockDirectory) LookupByBarcode(ctx context.Context, code string) (*directory.Product, error) {
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	return d.products[code], nil
}

func (d *mockDirectory) SearchByText(ctx context.Context, query string) (*directory.Product, error) {
	d.queries = append(d.queries, query)
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	return d.search, nil
}

type mockService struct {
	summary  *TruthSummary
	label    *LabelSummary
	err      error
	analyzed []directory.Product
	texts    []string
	images   int
}

func (s *mockService) AnalyzeIngredients(ctx context.Context, product directory.Product) (*TruthSummary, error) {
	s.analyzed = append(s.analyzed, product)
	if s.err != nil {
		return nil, s.err
	}
	copied := *s.summary
	return &copied, nil
}

func (s *mockService) AnalyzeLabelText(ctx context.Context, text string) (*LabelSummary, error) {
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return s.copyLabel(), nil
}

func (s *mockService) AnalyzeImage(ctx context.Context, imageData []byte, contentType string) (*LabelSummary, error) {
	s.images++
	if s.err != nil {
		return nil, s.err
	}
	return s.copyLabel(), nil
}

func (s *mockService) copyLabel() *LabelSummary {
	if s.label == nil {
		return nil
	}
	l := *s.label
	if l.Summary != nil {
		sum := *l.Summary
		l.Summary = &sum
	}
	return &l
}

func aiSummary() *TruthSummary {
	return &TruthSummary{
		HealthScore:  3,
		HealthRating: "D",
		Summary:      "Mostly sugar and palm oil.",
		KeyIngredients: []KeyIngredient{
			{Name: "Sugar", Category: "Harmful", Explanation: "Added sugar."},
			{Name: "Palm Oil", Category: "Questionable", Explanation: "Saturated fat."},
		},
		Recommendation: "No: mostly sugar and palm oil.",
	}
}

var _ = Describe("Resolver", func() {
	var (
		dir      *mockDirectory
		service  *mockService
		resolver *Resolver
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = &mockDirectory{products: map[string]*directory.Product{
			"012345678905": {
				Barcode:     "012345678905",
				Name:        "Choco Spread",
				Brand:       "Acme",
				ImageURL:    "https://images.example/choco.jpg",
				Ingredients: "Sugar, Palm Oil",
			},
		}}
		service = &mockService{summary: aiSummary()}
		resolver = NewResolver(dir, service)
	})

	Describe("ResolveBarcode", func() {
		It("should keep the model's rating when the directory has no grade", func() {
			result := resolver.ResolveBarcode(ctx, "012345678905")
			Expect(result.Method).To(Equal(MethodBarcode))
			Expect(result.ProductName).To(Equal("Choco Spread"))
			Expect(result.ProductImageURL).To(Equal("https://images.example/choco.jpg"))
			Expect(result.Analysis).NotTo(BeNil())
			Expect(result.Analysis.HealthRating).To(Equal("D"))
			Expect(result.Analysis.Source).To(Equal(SourceDirectory))
			Expect(result.Analysis.Verdict.Tag).To(Equal(VerdictNo))
			Expect(result.Error).To(BeEmpty())
		})

		It("should let the directory grade override the model's rating", func() {
			dir.products["012345678905"].NutriScore = "b"
			result := resolver.ResolveBarcode(ctx, "012345678905")
			Expect(result.Analysis.HealthRating).To(Equal("B"))
			Expect(service.analyzed[0].NutriScore).To(Equal("b"))
		})

		It("should trim the symbol", func() {
			result := resolver.ResolveBarcode(ctx, " 012345678905\n")
			Expect(result.Barcode).To(Equal("012345678905"))
			Expect(result.Method).To(Equal(MethodBarcode))
		})

		It("should report a product that is not in the directory", func() {
			result := resolver.ResolveBarcode(ctx, "999")
			Expect(result.Method).To(Equal(MethodNone))
			Expect(result.Error).To(Equal("Product not found."))
			Expect(service.analyzed).To(BeEmpty())
		})

		It("should return the product without analysis when it has no ingredients", func() {
			dir.products["012345678905"].Ingredients = ""
			result := resolver.ResolveBarcode(ctx, "012345678905")
			Expect(result.Method).To(Equal(MethodBarcode))
			Expect(result.Analysis).To(BeNil())
			Expect(result.HasAnalysis()).To(BeFalse())
			Expect(service.analyzed).To(BeEmpty())
		})

		When("the directory fails", func() {
			BeforeEach(func() {
				dir.lookupErr = errors.New("connection reset")
			})

			It("should fold the failure into the result", func() {
				result := resolver.ResolveBarcode(ctx, "012345678905")
				Expect(result.Method).To(Equal(MethodNone))
				Expect(result.Error).To(Equal("Product lookup failed."))
			})
		})

		When("the analysis service fails", func() {
			It("should keep the product and explain the failure", func() {
				service.err = errors.New("model exploded")
				result := resolver.ResolveBarcode(ctx, "012345678905")
				Expect(result.Method).To(Equal(MethodBarcode))
				Expect(result.ProductName).To(Equal("Choco Spread"))
				Expect(result.Analysis).To(BeNil())
				Expect(result.Error).To(Equal("AI analysis could not be completed."))
			})

			It("should report a rate limit as a miss", func() {
				service.err = errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED")
				result := resolver.ResolveBarcode(ctx, "012345678905")
				Expect(result.Method).To(Equal(MethodNone))
				Expect(result.Error).To(Equal("Rate limit exceeded. Please try again later."))
			})
		})

		It("should treat an empty summary as a failed analysis", func() {
			service.summary = &TruthSummary{HealthScore: 5}
			result := resolver.ResolveBarcode(ctx, "012345678905")
			Expect(result.Analysis).To(BeNil())
			Expect(result.Error).To(Equal("AI analysis could not be completed."))
		})
	})

	Describe("ResolveLabel", func() {
		BeforeEach(func() {
			service.label = &LabelSummary{Summary: aiSummary()}
		})

		It("should use the label defaults when the product is unknown", func() {
			result := resolver.ResolveLabel(ctx, "INGREDIENTS: SUGAR, PALM OIL, HAZELNUTS")
			Expect(result.Method).To(Equal(MethodOCR))
			Expect(result.ProductName).To(Equal("Scanned Product"))
			Expect(result.ProductBrand).To(Equal("From Label"))
			Expect(result.ProductImageURL).To(BeEmpty())
			Expect(result.Analysis.Source).To(Equal(SourceLabelOnly))
			Expect(dir.queries).To(BeEmpty())
		})

		It("should cross-reference a recognized product with the directory", func() {
			service.label.ProductName = "Choco Spread"
			service.label.ProductBrand = "Acme"
			dir.search = &directory.Product{
				Barcode:    "012345678905",
				Name:       "Choco Spread",
				Brand:      "Acme",
				ImageURL:   "https://images.example/choco.jpg",
				NutriScore: "e",
			}

			result := resolver.ResolveLabel(ctx, "Acme Choco Spread ingredients: sugar")
			Expect(dir.queries).To(Equal([]string{"Acme Choco Spread"}))
			Expect(result.Method).To(Equal(MethodOCR))
			Expect(result.Barcode).To(Equal("012345678905"))
			Expect(result.ProductImageURL).To(Equal("https://images.example/choco.jpg"))
			Expect(result.Analysis.HealthRating).To(Equal("E"))
			Expect(result.Analysis.Source).To(Equal(SourceDirectory))
		})

		It("should keep the recognized name when the directory search fails", func() {
			service.label.ProductName = "Mystery Bar"
			dir.searchErr = errors.New("timeout")
			result := resolver.ResolveLabel(ctx, "Mystery Bar ingredients: oats")
			Expect(result.Method).To(Equal(MethodOCR))
			Expect(result.ProductName).To(Equal("Mystery Bar"))
			Expect(result.ProductBrand).To(Equal("From Label"))
		})

		It("should reject empty text without calling the service", func() {
			result := resolver.ResolveLabel(ctx, "   ")
			Expect(result.Method).To(Equal(MethodNone))
			Expect(service.texts).To(BeEmpty())
		})

		It("should report a failed analysis as a miss", func() {
			service.err = errors.New("bad gateway")
			result := resolver.ResolveLabel(ctx, "ingredients: water")
			Expect(result.Method).To(Equal(MethodNone))
			Expect(result.Error).To(Equal("Could not analyze the label. Please try again."))
		})

		It("should report a cancelled analysis", func() {
			service.err = context.Canceled
			result := resolver.ResolveLabel(ctx, "ingredients: water")
			Expect(result.Error).To(Equal("Analysis cancelled."))
		})
	})

	Describe("ResolveImage", func() {
		It("should use the image defaults", func() {
			service.label = &LabelSummary{Summary: aiSummary()}
			result := resolver.ResolveImage(ctx, []byte("jpeg"), "image/jpeg")
			Expect(service.images).To(Equal(1))
			Expect(result.Method).To(Equal(MethodOCR))
			Expect(result.ProductName).To(Equal("Analyzed from Image"))
			Expect(result.ProductBrand).To(Equal("Live Capture"))
		})

		It("should report an unusable reply as a miss", func() {
			service.label = &LabelSummary{}
			result := resolver.ResolveImage(ctx, []byte("jpeg"), "image/jpeg")
			Expect(result.Method).To(Equal(MethodNone))
		})
	})
})
