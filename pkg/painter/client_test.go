package painter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

func createTestImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	return img
}

func pngB64(t *testing.T, img image.Image) string {
	t.Helper()
	data, err := processing.EncodePNG(img)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EditURL = url
	cfg.Token = "secret"
	cfg.RetryAttempts = attempts
	c, err := New(cfg, Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func testRequest() types.RewriteRequest {
	return types.RewriteRequest{
		Image:     createTestImage(32, 24),
		Mask:      image.NewGray(image.Rect(0, 0, 32, 24)),
		Directive: types.Directive{Prompt: "kitchen counter"},
		Strength:  0.58,
		Guidance:  6.2,
		Steps:     30,
	}
}

func TestRewriteSendsMultipartForm(t *testing.T) {
	out := pngB64(t, createTestImage(32, 24))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("ParseMultipartForm failed: %v", err)
			return
		}
		if _, _, err := r.FormFile("image"); err != nil {
			t.Errorf("Expected image part: %v", err)
		}
		if _, _, err := r.FormFile("mask"); err != nil {
			t.Errorf("Expected mask part: %v", err)
		}
		if got := r.FormValue("prompt_strength"); got != "0.58" {
			t.Errorf("Expected prompt_strength 0.58, got %q", got)
		}
		if got := r.FormValue("num_inference_steps"); got != "30" {
			t.Errorf("Expected 30 steps, got %q", got)
		}
		if got := r.FormValue("negative_prompt"); got != DefaultNegative {
			t.Errorf("Expected default negative prompt, got %q", got)
		}
		if got := r.FormValue("model"); got != "google/nano-banana" {
			t.Errorf("Unexpected model %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"b64_json": out}}})
	}))
	defer srv.Close()

	img, err := newTestClient(t, srv.URL, 1).Rewrite(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 24 {
		t.Errorf("Expected 32x24 output, got %v", img.Bounds())
	}
}

func TestRewriteRetriesTransientStatus(t *testing.T) {
	out := "data:image/png;base64," + pngB64(t, createTestImage(32, 24))
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"output": []string{out}})
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, 3).Rewrite(context.Background(), testRequest()); err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestRewriteClassifiesErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
		config    bool
	}{
		{"rate limit", http.StatusTooManyRequests, "slow down", true, false},
		{"gateway", http.StatusBadGateway, "bad gateway", true, false},
		{"unauthorized", http.StatusUnauthorized, "nope", false, true},
		{"rejected prompt", http.StatusUnprocessableEntity, "unsafe prompt", false, false},
		{"bad request", http.StatusBadRequest, "bad mask", false, false},
		{"malformed", http.StatusOK, "not json", true, false},
		{"missing output", http.StatusOK, `{"status":"ok"}`, true, false},
		{"bad base64", http.StatusOK, `{"url":"%%%"}`, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, 1).Rewrite(context.Background(), testRequest())
			if err == nil {
				t.Fatal("Expected error")
			}
			if types.IsRetryable(err) != c.retryable {
				t.Errorf("Expected retryable=%v, got %v (%v)", c.retryable, types.IsRetryable(err), err)
			}
			if types.IsConfiguration(err) != c.config {
				t.Errorf("Expected configuration=%v, got %v (%v)", c.config, types.IsConfiguration(err), err)
			}
		})
	}
}

func TestRewriteDownloadsURLAndResizes(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/out.png" {
			data, _ := processing.EncodePNG(createTestImage(64, 48))
			w.Header().Set("Content-Type", "image/png")
			w.Write(data)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"url": srv.URL + "/out.png"})
	}))
	defer srv.Close()

	img, err := newTestClient(t, srv.URL, 1).Rewrite(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 24 {
		t.Errorf("Expected output resized to 32x24, got %v", img.Bounds())
	}
}

func TestRewriteHonorsCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := newTestClient(t, srv.URL, 1).Rewrite(ctx, testRequest())
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected Rewrite to return at the deadline, took %v", elapsed)
	}
}

func TestNewRequiresConfiguration(t *testing.T) {
	if _, err := New(DefaultConfig(), Options{}); !types.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
