// Package handler implements the HTTP API of the job service.
package handler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/menta2k/backdrop/internal/utils"
	"github.com/menta2k/backdrop/pkg/jobs"
	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

// JobService is the part of the job manager the API uses
type JobService interface {
	Submit(ctx context.Context, sub jobs.Submission) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type JobResponse struct {
	Success bool      `json:"success"`
	Data    *jobs.Job `json:"data"`
}

type JobHandler struct {
	jobs      JobService
	maxUpload int64
	logger    *zap.Logger
}

func NewJobHandler(svc JobService, maxUpload int64, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{jobs: svc, maxUpload: maxUpload, logger: logger}
}

// Register mounts the job routes on g
func (h *JobHandler) Register(g *gin.RouterGroup) {
	g.POST("/jobs", h.Create)
	g.GET("/jobs/:id", h.Get)
	g.POST("/jobs/:id/cancel", h.Cancel)
}

// Create accepts a multipart form with one or more "images", optional
// "mattes" in the same order, and the brief fields
func (h *JobHandler) Create(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Message: "upload exceeds " + utils.FormatFileSize(h.maxUpload),
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid multipart form", Error: err.Error()})
		return
	}

	images := form.File["images"]
	if len(images) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "upload at least one file in the images field"})
		return
	}
	mattes := form.File["mattes"]
	if len(mattes) > 0 && len(mattes) != len(images) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("got %d mattes for %d images", len(mattes), len(images)),
		})
		return
	}

	sources := make([]jobs.Source, len(images))
	for i, fh := range images {
		img, err := decodeUpload(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Message: "failed to decode image " + fh.Filename, Error: err.Error()})
			return
		}
		sources[i] = jobs.Source{Name: fh.Filename, Image: img}
		if len(mattes) > 0 {
			m, err := decodeUpload(mattes[i])
			if err != nil {
				c.JSON(http.StatusBadRequest, ErrorResponse{Message: "failed to decode matte " + mattes[i].Filename, Error: err.Error()})
				return
			}
			sources[i].Matte = mask.FromImage(m)
		}
	}

	sub := jobs.Submission{
		Sources: sources,
		Brief: types.Brief{
			Title:       strings.TrimSpace(c.PostForm("title")),
			Bullets:     formList(c.PostFormArray("bullets"), "\n"),
			StylePrompt: strings.TrimSpace(c.PostForm("style_prompt")),
			StylePreset: types.StylePreset(strings.ToLower(strings.TrimSpace(c.PostForm("style_preset")))),
		},
	}
	for _, v := range formList(c.PostFormArray("variants"), ",") {
		sub.Variants = append(sub.Variants, types.VariantName(strings.ToLower(v)))
	}

	job, err := h.jobs.Submit(c.Request.Context(), sub)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobResponse{Success: true, Data: job})
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, JobResponse{Success: true, Data: job})
}

func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, JobResponse{Success: true, Data: job})
}

func (h *JobHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "job not found"})
	case types.IsConfiguration(err):
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request", Error: err.Error()})
	default:
		h.logger.Error("job request failed", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "internal error", Error: err.Error()})
	}
}

func decodeUpload(fh *multipart.FileHeader) (image.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return processing.Decode(data)
}

// formList splits every value on sep and drops blanks
func formList(values []string, sep string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, sep) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
