package directive

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/backdrop/pkg/processing"
)

const classifyPrompt = "Look at the product in this photo and answer with exactly one word from this list: " +
	"alcohol, skincare, electronics, snack, generic."

// OllamaConfig selects the vision model used for classification
type OllamaConfig struct {
	URL    string `mapstructure:"url" json:"url"`
	Model  string `mapstructure:"model" json:"model"`
	MaxDim int    `mapstructure:"max_dim" json:"max_dim"`
}

// OllamaClassifier asks a local vision model for the product category
type OllamaClassifier struct {
	client *api.Client
	model  string
	maxDim int
}

// NewOllamaClassifier creates a classifier for the server at ollamaURL
func NewOllamaClassifier(cfg OllamaConfig, httpClient *http.Client) (*OllamaClassifier, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", cfg.URL)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// Strip any path such as /api/chat
	baseURL := &url.URL{Scheme: parsedURL.Scheme, Host: parsedURL.Host}
	maxDim := cfg.MaxDim
	if maxDim <= 0 {
		maxDim = 512
	}
	return &OllamaClassifier{
		client: api.NewClient(baseURL, httpClient),
		model:  cfg.Model,
		maxDim: maxDim,
	}, nil
}

// Classify returns the model's raw answer
func (c *OllamaClassifier) Classify(ctx context.Context, img image.Image) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
	}

	data, err := processing.PrepareForModel(img, "jpg", c.maxDim, 85)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: classifyPrompt,
				Images:  []api.ImageData{api.ImageData(data)},
			},
		},
		Stream:  &streamFalse,
		Options: map[string]any{"temperature": 0},
	}

	var content string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}
	content = strings.TrimSpace(strings.Trim(content, "`\"'. \n"))
	if content == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return content, nil
}
