package directive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/backdrop/pkg/processing"
)

// LlamaCppConfig points at an OpenAI-compatible llama.cpp server
type LlamaCppConfig struct {
	URL    string `mapstructure:"url" json:"url"`
	Model  string `mapstructure:"model" json:"model"`
	MaxDim int    `mapstructure:"max_dim" json:"max_dim"`
}

// LlamaCppClassifier asks a llama.cpp vision model for the product category
type LlamaCppClassifier struct {
	baseURL string
	model   string
	maxDim  int
	http    *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func NewLlamaCppClassifier(cfg LlamaCppConfig, httpClient *http.Client) (*LlamaCppClassifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("llama.cpp URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	maxDim := cfg.MaxDim
	if maxDim <= 0 {
		maxDim = 512
	}
	return &LlamaCppClassifier{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		model:   cfg.Model,
		maxDim:  maxDim,
		http:    httpClient,
	}, nil
}

// Classify returns the model's raw answer
func (c *LlamaCppClassifier) Classify(ctx context.Context, img image.Image) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 120*time.Second)
		defer cancel()
	}

	data, err := processing.PrepareForModel(img, "jpg", c.maxDim, 85)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: classifyPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)}},
			},
		}},
		MaxTokens: 16,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	text := messageText(out.Choices[0].Message.Content)
	text = strings.TrimSpace(strings.Trim(text, "`\"'. \n"))
	if text == "" {
		return "", fmt.Errorf("empty response from llama.cpp server")
	}
	return text, nil
}

// messageText handles both string and content-part answers
func messageText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			if part, ok := item.(map[string]any); ok {
				if text, ok := part["text"].(string); ok && text != "" {
					return text
				}
			}
		}
	}
	return ""
}
