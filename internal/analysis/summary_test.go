package analysis

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TruthSummary", func() {
	Describe("Normalize", func() {
		It("should clamp the score into 1-10", func() {
			low := &TruthSummary{HealthScore: -4, Summary: "x"}
			low.Normalize()
			Expect(low.HealthScore).To(Equal(1.0))

			high := &TruthSummary{HealthScore: 42, Summary: "x"}
			high.Normalize()
			Expect(high.HealthScore).To(Equal(10.0))

			nan := &TruthSummary{HealthScore: math.NaN(), Summary: "x"}
			nan.Normalize()
			Expect(nan.HealthScore).To(Equal(1.0))
		})

		It("should upper-case a valid rating letter", func() {
			t := &TruthSummary{HealthScore: 5, HealthRating: " b "}
			t.Normalize()
			Expect(t.HealthRating).To(Equal("B"))
		})

		It("should derive the rating from the score when the letter is unusable", func() {
			t := &TruthSummary{HealthScore: 9.5, HealthRating: "excellent"}
			t.Normalize()
			Expect(t.HealthRating).To(Equal("A"))
		})

		It("should keep at most four key ingredients", func() {
			t := &TruthSummary{HealthScore: 5, KeyIngredients: make([]KeyIngredient, 7)}
			t.Normalize()
			Expect(t.KeyIngredients).To(HaveLen(4))
		})

		It("should parse the verdict from the recommendation", func() {
			t := &TruthSummary{HealthScore: 2, Recommendation: "  No: mostly sugar and palm oil. "}
			t.Normalize()
			Expect(t.Recommendation).To(Equal("No: mostly sugar and palm oil."))
			Expect(t.Verdict).To(Equal(Verdict{Tag: VerdictNo, Explanation: "mostly sugar and palm oil."}))
		})

		It("should tolerate a nil summary", func() {
			var t *TruthSummary
			Expect(t.Normalize).NotTo(Panic())
			Expect(t.Usable()).To(BeFalse())
		})
	})

	Describe("RatingForScore", func() {
		DescribeTable("maps scores to letters",
			func(score float64, rating string) {
				Expect(RatingForScore(score)).To(Equal(rating))
			},
			Entry("top", 10.0, "A"),
			Entry("good", 7.0, "B"),
			Entry("middling", 5.5, "C"),
			Entry("poor", 3.0, "D"),
			Entry("bad", 1.0, "F"),
		)
	})

	Describe("ParseVerdict", func() {
		DescribeTable("reads the leading tag",
			func(input string, tag VerdictTag, explanation string) {
				Expect(ParseVerdict(input)).To(Equal(Verdict{Tag: tag, Explanation: explanation}))
			},
			Entry("yes", "Yes: whole grains and little sugar.", VerdictYes, "whole grains and little sugar."),
			Entry("lower case no", "no - too much sodium", VerdictNo, "too much sodium"),
			Entry("caution", "Caution! contains allergens", VerdictCaution, "contains allergens"),
			Entry("word starting with no", "Nothing alarming here", VerdictUnknown, "Nothing alarming here"),
			Entry("no tag", "Eat in moderation", VerdictUnknown, "Eat in moderation"),
		)
	})
})
