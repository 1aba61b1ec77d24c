// Package matting talks to the foreground matting service.
package matting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/backdrop/pkg/client"
	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

const service = "matting"

type Config struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

func DefaultConfig() Config {
	return Config{BaseURL: "http://127.0.0.1:8911", Timeout: 180 * time.Second}
}

type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// New creates a matting client. httpClient and logger may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/matting",
		http:   httpClient,
		logger: logger,
	}
}

type response struct {
	RGBA string `json:"rgba_png_b64"`
	Mask string `json:"mask_png_b64"`
}

// Matte returns the foreground cutout and alpha plane for img
func (c *Client) Matte(ctx context.Context, img image.Image) (*client.Matting, error) {
	data, err := processing.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", types.ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.ClassifyTransport(service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.ClassifyTransport(service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &types.UpstreamError{Service: service, Status: resp.StatusCode, Body: string(body), Err: types.ClassifyStatus(resp.StatusCode)}
	}

	var payload response
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: matting response: %v", types.ErrMalformedOutput, err)
	}
	if payload.Mask == "" {
		return nil, fmt.Errorf("%w: matting response without mask", types.ErrMalformedOutput)
	}

	maskImg, err := processing.DecodeBase64(payload.Mask)
	if err != nil {
		return nil, fmt.Errorf("%w: matting mask: %v", types.ErrMalformedOutput, err)
	}
	out := &client.Matting{Mask: mask.FromImage(maskImg)}
	if payload.RGBA != "" {
		fg, err := processing.DecodeBase64(payload.RGBA)
		if err != nil {
			return nil, fmt.Errorf("%w: matting cutout: %v", types.ErrMalformedOutput, err)
		}
		out.Foreground = fg
	}

	c.logger.Debug("matting done", zap.Duration("duration", time.Since(start)))
	return out, nil
}
