package directive

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLlamaCppClassifier(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"string content", `{"choices":[{"message":{"role":"assistant","content":"Skincare."}}]}`},
		{"content parts", `{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"skincare"}]}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("Unexpected path %s", r.URL.Path)
				}
				var req chatRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("Failed to decode request: %v", err)
				}
				if req.Model != "minicpm" || req.Stream {
					t.Errorf("Unexpected request %+v", req)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewLlamaCppClassifier(LlamaCppConfig{URL: srv.URL + "/", Model: "minicpm"}, nil)
			if err != nil {
				t.Fatalf("NewLlamaCppClassifier failed: %v", err)
			}
			got, err := c.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if ParseCategory(got) != Skincare {
				t.Errorf("Expected skincare, got %q", got)
			}
		})
	}
}

func TestLlamaCppClassifierErrors(t *testing.T) {
	if _, err := NewLlamaCppClassifier(LlamaCppConfig{}, nil); err == nil {
		t.Error("Expected missing URL error")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewLlamaCppClassifier(LlamaCppConfig{URL: srv.URL}, nil)
	_, err := c.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected status error, got %v", err)
	}
}
