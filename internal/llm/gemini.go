package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/directory"
	"github.com/adhamqabban37/TruthByte/internal/ocr"
)

const (
	DefaultGeminiModel = "gemini-2.5-flash"
	geminiTimeout      = 30 * time.Second
)

// Gemini implements analysis.Service and ocr.Recognizer using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

var (
	_ analysis.Service = (*Gemini)(nil)
	_ ocr.Recognizer   = (*Gemini)(nil)
)

// NewGemini creates a new Gemini client
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Analysis should be repeatable for the same product
	model.SetTemperature(0.2)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// AnalyzeIngredients summarizes a directory product's ingredient list
func (g *Gemini) AnalyzeIngredients(ctx context.Context, product directory.Product) (*analysis.TruthSummary, error) {
	text, err := g.generate(ctx, genai.Text(ingredientPrompt(product)))
	if err != nil {
		return nil, err
	}
	label, err := parseSummaryJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing ingredient analysis: %w", err)
	}
	return label.Summary, nil
}

// AnalyzeLabelText summarizes raw OCR text from a label
func (g *Gemini) AnalyzeLabelText(ctx context.Context, labelText string) (*analysis.LabelSummary, error) {
	text, err := g.generate(ctx, genai.Text(labelTextPrompt(labelText)))
	if err != nil {
		return nil, err
	}
	label, err := parseSummaryJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing label analysis: %w", err)
	}
	return label, nil
}

// AnalyzeImage summarizes a photo of a label
func (g *Gemini) AnalyzeImage(ctx context.Context, imageData []byte, contentType string) (*analysis.LabelSummary, error) {
	pngData, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects the format suffix ("png"), not the MIME type
	text, err := g.generate(ctx, genai.ImageData("png", pngData), genai.Text(imagePrompt))
	if err != nil {
		return nil, err
	}
	label, err := parseSummaryJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing image analysis: %w", err)
	}
	return label, nil
}

// Recognize transcribes the text in a captured frame
func (g *Gemini) Recognize(ctx context.Context, imageData []byte, contentType string) (ocr.Text, error) {
	format := "jpeg"
	if contentType != "image/jpeg" {
		converted, err := prepareImageData(imageData, contentType)
		if err != nil {
			return ocr.Text{}, err
		}
		imageData, format = converted, "png"
	}

	text, err := g.generate(ctx, genai.ImageData(format, imageData), genai.Text(recognizePrompt))
	if err != nil {
		return ocr.Text{}, err
	}
	result, err := parseRecognizeJSON(text)
	if err != nil {
		return ocr.Text{}, fmt.Errorf("parsing transcription: %w", err)
	}
	return result, nil
}

// generate runs one prompt and joins the text parts of the first candidate
func (g *Gemini) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
