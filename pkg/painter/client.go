// Package painter is the HTTP client for the external image rewrite model.
//
// A request with a mask is a region edit: white mask pixels may be rewritten,
// black ones are protected. A request without a mask is a whole-image
// img2img rewrite.
package painter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

const service = "painter"

// DefaultNegative is sent when the directive carries no negative prompt
const DefaultNegative = "watermark, text overlay, subtitles, low quality, blurry, ugly, deformed, extra limbs, bad anatomy"

// Config for the rewrite endpoint
type Config struct {
	EditURL       string        `mapstructure:"edit_url" json:"edit_url"`
	Token         string        `mapstructure:"token" json:"-"`
	Model         string        `mapstructure:"model" json:"model"`
	RetryAttempts int           `mapstructure:"retry_attempts" json:"retry_attempts"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	OutputFormat  string        `mapstructure:"output_format" json:"output_format"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Model:         "google/nano-banana",
		RetryAttempts: 1,
		Timeout:       300 * time.Second,
		OutputFormat:  "png",
	}
}

// Configured reports whether an endpoint and token are set
func (c Config) Configured() bool {
	return strings.TrimSpace(c.EditURL) != "" && strings.TrimSpace(c.Token) != ""
}

// Options are optional collaborators
type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Sleep replaces time-based backoff, mostly for tests
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a client. An unconfigured endpoint is a configuration error.
func New(cfg Config, opts Options) (*Client, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: painter not configured (need PAINTER_EDIT_URL + PAINTER_TOKEN)", types.ErrConfiguration)
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "png"
	}
	c := &Client{cfg: cfg, http: opts.HTTPClient, logger: opts.Logger, sleep: opts.Sleep}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c, nil
}

// Rewrite sends one rewrite request and returns an image of the source size
func (c *Client) Rewrite(ctx context.Context, req types.RewriteRequest) (image.Image, error) {
	if req.Image == nil {
		return nil, fmt.Errorf("%w: rewrite request without image", types.ErrConfiguration)
	}
	body, contentType, err := c.buildForm(req)
	if err != nil {
		return nil, err
	}

	var payload []byte
	for attempt := 1; ; attempt++ {
		payload, err = c.post(ctx, body, contentType)
		if err == nil {
			break
		}
		if !types.IsRetryable(err) || attempt >= c.cfg.RetryAttempts {
			return nil, err
		}
		backoff := backoffFor(attempt)
		c.logger.Warn("painter request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	item, err := extractOutput(payload)
	if err != nil {
		return nil, err
	}
	img, err := c.resolveOutput(ctx, item)
	if err != nil {
		return nil, err
	}

	b := req.Image.Bounds()
	if img.Bounds().Dx() != b.Dx() || img.Bounds().Dy() != b.Dy() {
		c.logger.Debug("painter output size differs, resizing",
			zap.Int("width", img.Bounds().Dx()),
			zap.Int("height", img.Bounds().Dy()))
		img = processing.MatchSize(img, b.Dx(), b.Dy())
	}
	return img, nil
}

func (c *Client) buildForm(req types.RewriteRequest) ([]byte, string, error) {
	imgPNG, err := processing.EncodePNG(req.Image)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := writeFile(w, "image", "input.png", imgPNG); err != nil {
		return nil, "", err
	}
	if req.Mask != nil {
		maskPNG, err := processing.EncodePNG(req.Mask)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode mask: %w", err)
		}
		if err := writeFile(w, "mask", "mask.png", maskPNG); err != nil {
			return nil, "", err
		}
	}

	negative := strings.TrimSpace(req.Directive.Negative)
	if negative == "" {
		negative = DefaultNegative
	}
	fields := [][2]string{
		{"model", c.cfg.Model},
		{"prompt", req.Directive.Prompt},
		{"negative_prompt", negative},
		{"guidance_scale", strconv.FormatFloat(req.Guidance, 'f', -1, 64)},
		{"num_inference_steps", strconv.Itoa(req.Steps)},
		{"prompt_strength", strconv.FormatFloat(req.Strength, 'f', -1, 64)},
		{"output_format", c.cfg.OutputFormat},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, field, name string, data []byte) error {
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EditURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", types.ErrConfiguration, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	httpReq.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.ClassifyTransport(service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.ClassifyTransport(service, err)
	}
	c.logger.Debug("painter response",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(respBody)),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 300 {
		return nil, &types.UpstreamError{
			Service: service,
			Status:  resp.StatusCode,
			Body:    truncate(string(respBody), 200),
			Err:     types.ClassifyStatus(resp.StatusCode),
		}
	}
	return respBody, nil
}

// extractOutput finds the output reference in the known response shapes:
// {"output":[...]}, {"data":[{"b64"|"b64_json"|"url":...}]}, {"url":...} or a bare list.
func extractOutput(payload []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("%w: response is not JSON: %v", types.ErrMalformedOutput, err)
	}

	var item string
	switch v := doc.(type) {
	case map[string]any:
		if out, ok := v["output"].([]any); ok && len(out) > 0 {
			item = firstString(out[0])
		} else if out, ok := v["output"].(string); ok {
			item = out
		} else if data, ok := v["data"].([]any); ok && len(data) > 0 {
			item = firstString(data[0])
		} else if u, ok := v["url"].(string); ok {
			item = u
		}
	case []any:
		if len(v) > 0 {
			item = firstString(v[0])
		}
	}
	if item == "" {
		return "", fmt.Errorf("%w: painter response missing output", types.ErrMalformedOutput)
	}
	return item, nil
}

func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"b64", "b64_json", "url"} {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (c *Client) resolveOutput(ctx context.Context, item string) (image.Image, error) {
	if strings.HasPrefix(item, "http://") || strings.HasPrefix(item, "https://") {
		img, err := c.download(ctx, item)
		if err != nil {
			return nil, err
		}
		return img, nil
	}
	img, err := processing.DecodeBase64(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedOutput, err)
	}
	return img, nil
}

func (c *Client) download(ctx context.Context, u string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad output url: %v", types.ErrMalformedOutput, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.ClassifyTransport(service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := types.ClassifyStatus(resp.StatusCode)
		if types.IsConfiguration(err) || types.IsRejected(err) {
			err = types.ErrMalformedOutput
		}
		return nil, &types.UpstreamError{Service: service, Status: resp.StatusCode, Body: "output download failed", Err: err}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.ClassifyTransport(service, err)
	}
	img, err := processing.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedOutput, err)
	}
	return img, nil
}

// backoffFor grows linearly with jitter and is capped at 12s
func backoffFor(attempt int) time.Duration {
	a := float64(attempt)
	s := 0.8*a + rand.Float64()*0.6*a
	if s > 12 {
		s = 12
	}
	return time.Duration(s * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
