package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/backdrop/pkg/jobs"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

type fakeJobs struct {
	sub  jobs.Submission
	jobs map[string]*jobs.Job
	err  error
}

func (f *fakeJobs) Submit(ctx context.Context, sub jobs.Submission) (*jobs.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sub = sub
	names := make([]string, len(sub.Sources))
	for i, s := range sub.Sources {
		names[i] = s.Name
	}
	j := jobs.NewJob("job-1", names, sub.Brief, sub.Variants, time.Now())
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	j.Cancel(time.Now())
	return j, nil
}

func newRouter(svc JobService) *gin.Engine {
	return newRouterWithLimit(svc, 8<<20)
}

func newRouterWithLimit(svc JobService, maxUpload int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewJobHandler(svc, maxUpload, nil).Register(r.Group("/api/v1"))
	return r
}

func pngBytes(t *testing.T) []byte {
	data, err := processing.EncodePNG(image.NewNRGBA(image.Rect(0, 0, 16, 16)))
	if err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return data
}

func multipartBody(t *testing.T, files map[string][]string, fields map[string]string) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			part, err := w.CreateFormFile(field, name)
			if err != nil {
				t.Fatal(err)
			}
			part.Write(pngBytes(t))
		}
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestCreateJob(t *testing.T) {
	svc := &fakeJobs{jobs: map[string]*jobs.Job{}}
	r := newRouter(svc)

	body, ctype := multipartBody(t,
		map[string][]string{"images": {"a.png", "b.png"}, "mattes": {"a_m.png", "b_m.png"}},
		map[string]string{
			"title":        "Desk lamp",
			"bullets":      "brass\nLED",
			"style_preset": "Glossy",
			"variants":     "medium, aggressive",
		})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success || resp.Data.ID != "job-1" || resp.Data.Total != 2 {
		t.Errorf("Unexpected response %+v", resp)
	}

	if len(svc.sub.Sources) != 2 || svc.sub.Sources[1].Matte == nil {
		t.Errorf("Expected 2 sources with mattes, got %+v", svc.sub.Sources)
	}
	if svc.sub.Brief.StylePreset != types.PresetGlossy {
		t.Errorf("Expected glossy preset, got %q", svc.sub.Brief.StylePreset)
	}
	if len(svc.sub.Brief.Bullets) != 2 {
		t.Errorf("Expected 2 bullets, got %v", svc.sub.Brief.Bullets)
	}
	if fmt.Sprint(svc.sub.Variants) != "[medium aggressive]" {
		t.Errorf("Expected both variants, got %v", svc.sub.Variants)
	}
}

func TestCreateJobRejects(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]string
		err   error
	}{
		{"no images", map[string][]string{}, nil},
		{"matte count", map[string][]string{"images": {"a.png", "b.png"}, "mattes": {"a_m.png"}}, nil},
		{"configuration", map[string][]string{"images": {"a.png"}}, fmt.Errorf("%w: too many images", types.ErrConfiguration)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&fakeJobs{jobs: map[string]*jobs.Job{}, err: tt.err})
			body, ctype := multipartBody(t, tt.files, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
			req.Header.Set("Content-Type", ctype)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateJobTooLarge(t *testing.T) {
	r := newRouterWithLimit(&fakeJobs{jobs: map[string]*jobs.Job{}}, 64)
	body, ctype := multipartBody(t, map[string][]string{"images": {"a.png", "b.png", "c.png"}}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetAndCancel(t *testing.T) {
	svc := &fakeJobs{jobs: map[string]*jobs.Job{
		"job-1": jobs.NewJob("job-1", []string{"a.png"}, types.Brief{}, nil, time.Now()),
	}}
	r := newRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-1/cancel", nil))
	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data.Status != jobs.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", resp.Data.Status)
	}

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil),
		httptest.NewRequest(http.MethodPost, "/api/v1/jobs/missing/cancel", nil),
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", req.Method, req.URL.Path, w.Code)
		}
	}
}
