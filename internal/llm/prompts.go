package llm

import (
	"fmt"

	"github.com/adhamqabban37/TruthByte/internal/directory"
)

// summaryFormat is the JSON shape every analysis prompt asks for
const summaryFormat = `Return ONLY valid JSON in this exact format:
{
  "productName": "Product name, or null if unknown",
  "productBrand": "Brand, or null if unknown",
  "healthScore": 5,
  "healthRating": "C",
  "summary": "Why is this product good or bad for you?",
  "keyIngredients": [
    {"name": "Ingredient", "category": "Natural | Preservative | Artificial | Organic | Sweetener | Processed Oil", "explanation": "One sentence"}
  ],
  "recommendation": "Yes: ... | No: ... | Caution: ..."
}

Important:
- healthScore must be a number from 1 (ultra-processed, low nutrition) to 10 (clean, organic, nutritionally dense)
- healthRating must be a single letter from A to F
- keyIngredients lists at most the 4 most important ingredients
- recommendation must start with "Yes:", "No:" or "Caution:"
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// evaluationSteps is the shared scoring rubric
const evaluationSteps = `Step 1: Ingredient Evaluation
Flag any of the following as low-quality or red-flag:
- Added sugars (high fructose corn syrup, cane sugar, etc.)
- Artificial sweeteners (aspartame, sucralose)
- Artificial flavors/colors
- Processed oils (palm oil, canola oil, etc.)
- Excess sodium, saturated fats

Step 2: Quality Boosters (add points):
- Organic-certified, clean-label, whole-food ingredients
- Plant-based, non-GMO, low sugar/sodium/fat

Step 3: Health Score (1 to 10) with clear reasoning.

Step 4: Summary
Answer the question "Why is this product good or bad for you?" Mention benefits
("High in fiber", "Low in sugar", "Organic") or risks ("High in added sugars",
"Contains palm oil", "Ultra-processed").`

func ingredientPrompt(p directory.Product) string {
	nutriScore := p.NutriScore
	if nutriScore == "" {
		nutriScore = "Not available"
	}
	return fmt.Sprintf(`You are a nutrition and ingredient analysis engine inside a mobile scanner app. Analyze this product.

%s

If a Nutri-Score is provided, use it to help determine the health score.

Product Name: %s
Brand: %s
Ingredients: %s
Nutri-Score: %s

%s`, evaluationSteps, p.Name, p.Brand, p.Ingredients, nutriScore, summaryFormat)
}

func labelTextPrompt(text string) string {
	return fmt.Sprintf(`You are a nutrition and ingredient analysis engine. The text below was read from a product label with OCR and may contain recognition errors.

First identify the product name and brand from the text. If you cannot, use null.

%s

Raw OCR text from the product label:
"""
%s
"""

%s`, evaluationSteps, text, summaryFormat)
}

const imagePrompt = `You are a nutrition and ingredient analysis engine. The image shows a food product label or its ingredient list.

First transcribe the product name, brand and ingredients you can read in the image.

` + evaluationSteps + `

` + summaryFormat

const recognizePrompt = `Transcribe all printed text visible in this photo of a product package, in reading order. Do not summarize or correct it.

Return ONLY valid JSON in this exact format:
{
  "text": "all text you can read",
  "confidence": 0
}

Important:
- confidence is a number from 0 to 100 describing how legible the text is
- If no text is legible, return an empty string and confidence 0
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
