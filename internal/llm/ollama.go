package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/directory"
	"github.com/adhamqabban37/TruthByte/internal/ocr"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llava"
	ollamaSystemPrompt = "You are an expert nutritionist who reads food labels and ingredient lists carefully and answers only with the requested JSON."
)

// Ollama implements analysis.Service and ocr.Recognizer using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

var (
	_ analysis.Service = (*Ollama)(nil)
	_ ocr.Recognizer   = (*Ollama)(nil)
)

// NewOllama creates a new Ollama client. Label and image analysis need a
// vision model such as llava or qwen2-vl.
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if modelName == "" {
		modelName = DefaultOllamaModel
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // Vision models are slow on CPU
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// AnalyzeIngredients summarizes a directory product's ingredient list
func (o *Ollama) AnalyzeIngredients(ctx context.Context, product directory.Product) (*analysis.TruthSummary, error) {
	text, err := o.chat(ctx, ingredientPrompt(product), nil)
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
func (o *Ollama) AnalyzeLabelText(ctx context.Context, labelText string) (*analysis.LabelSummary, error) {
	text, err := o.chat(ctx, labelTextPrompt(labelText), nil)
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
func (o *Ollama) AnalyzeImage(ctx context.Context, imageData []byte, contentType string) (*analysis.LabelSummary, error) {
	pngData, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}
	text, err := o.chat(ctx, imagePrompt, [][]byte{pngData})
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
func (o *Ollama) Recognize(ctx context.Context, imageData []byte, contentType string) (ocr.Text, error) {
	if contentType != "image/jpeg" && contentType != "image/png" {
		converted, err := prepareImageData(imageData, contentType)
		if err != nil {
			return ocr.Text{}, err
		}
		imageData = converted
	}
	text, err := o.chat(ctx, recognizePrompt, [][]byte{imageData})
	if err != nil {
		return ocr.Text{}, err
	}
	result, err := parseRecognizeJSON(text)
	if err != nil {
		return ocr.Text{}, fmt.Errorf("parsing transcription: %w", err)
	}
	return result, nil
}

// chat sends one user prompt, with optional images, and returns the reply text
func (o *Ollama) chat(ctx context.Context, prompt string, images [][]byte) (string, error) {
	user := ollamaMessage{Role: "user", Content: prompt}
	for _, img := range images {
		user.Images = append(user.Images, base64.StdEncoding.EncodeToString(img))
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: ollamaSystemPrompt},
			user,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return chatResp.Message.Content, nil
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
