package jobs

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/menta2k/backdrop/pkg/types"
)

func TestRecompute(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name     string
		items    []ItemStatus
		want     Status
		progress float64
		done     bool
	}{
		{"pending", []ItemStatus{ItemPending, ItemPending}, StatusProcessing, 0, false},
		{"in progress", []ItemStatus{ItemCompleted, ItemProcessing}, StatusProcessing, 0.5, false},
		{"all completed", []ItemStatus{ItemCompleted, ItemCompleted}, StatusCompleted, 1, true},
		{"partial", []ItemStatus{ItemCompleted, ItemFailed}, StatusPartialFailed, 1, true},
		{"all failed", []ItemStatus{ItemFailed, ItemFailed}, StatusFailed, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJob("j1", make([]string, len(tt.items)), types.Brief{}, nil, now)
			for i, s := range tt.items {
				j.Items[i].Status = s
			}
			j.Recompute(now)
			if j.Status != tt.want {
				t.Errorf("Expected status %s, got %s", tt.want, j.Status)
			}
			if j.Progress != tt.progress {
				t.Errorf("Expected progress %.2f, got %.2f", tt.progress, j.Progress)
			}
			if (j.CompletedAt != nil) != tt.done {
				t.Errorf("Expected completed_at set=%v, got %v", tt.done, j.CompletedAt)
			}
		})
	}
}

func TestCancelIsSticky(t *testing.T) {
	now := time.Now()
	j := NewJob("j1", []string{"a", "b"}, types.Brief{}, nil, now)
	j.Cancel(now)
	j.Items[0].Status = ItemCompleted
	j.Items[1].Status = ItemCompleted
	j.Recompute(now)
	if j.Status != StatusCancelled {
		t.Errorf("Expected cancelled to stick, got %s", j.Status)
	}
	if j.Completed != 2 {
		t.Errorf("Expected counters to update, got %d completed", j.Completed)
	}
}

func TestSetItem(t *testing.T) {
	j := NewJob("j1", []string{"a", "b", "c"}, types.Brief{}, nil, time.Now())
	j.SetItem(0, &types.Result{Artifacts: []types.RunArtifact{{Variant: types.Medium}}}, nil)
	j.SetItem(1, &types.Result{}, nil)
	j.SetItem(2, nil, errors.New("boom"))
	j.SetItem(7, nil, nil)

	want := []ItemStatus{ItemCompleted, ItemFailed, ItemFailed}
	for i, s := range want {
		if j.Items[i].Status != s {
			t.Errorf("Item %d: expected %s, got %s", i, s, j.Items[i].Status)
		}
	}
	if j.Items[2].Error != "boom" {
		t.Errorf("Expected error to be recorded, got %q", j.Items[2].Error)
	}
}

func testStores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	rs := NewRedisStore(RedisConfig{Addr: mr.Addr(), TTL: time.Hour})
	t.Cleanup(func() { rs.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStores(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := NewJob("job-1", []string{"a.png"}, types.Brief{Title: "lamp"}, []types.VariantName{types.Medium}, time.Now())
			if err := s.Create(ctx, j); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := s.Create(ctx, j); err == nil {
				t.Error("Expected duplicate create to fail")
			}

			got, err := s.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Brief.Title != "lamp" || len(got.Items) != 1 {
				t.Errorf("Unexpected job %+v", got)
			}

			updated, err := s.Update(ctx, "job-1", func(j *Job) error {
				j.Items[0].Status = ItemCompleted
				j.Recompute(time.Now())
				return nil
			})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if updated.Status != StatusCompleted {
				t.Errorf("Expected completed, got %s", updated.Status)
			}
			if got, _ := s.Get(ctx, "job-1"); got.Status != StatusCompleted {
				t.Errorf("Expected update to persist, got %s", got.Status)
			}

			if _, err := s.Update(ctx, "job-1", func(*Job) error { return errors.New("abort") }); err == nil {
				t.Error("Expected update error to propagate")
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			if _, err := s.Update(ctx, "missing", func(*Job) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound on update, got %v", err)
			}

			if err := s.Delete(ctx, "job-1"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := s.Get(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected deleted job to be gone, got %v", err)
			}
		})
	}
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisConfig{Addr: mr.Addr(), TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := s.Create(ctx, NewJob("job-ttl", []string{"a"}, types.Brief{}, nil, time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !mr.Exists("backdrop:job:job-ttl") {
		t.Fatal("Expected prefixed key in redis")
	}
	if ttl := mr.TTL("backdrop:job:job-ttl"); ttl != time.Minute {
		t.Errorf("Expected TTL 1m, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "job-ttl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired job to be gone, got %v", err)
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	fail    map[int]bool
	block   chan struct{}
	started chan int
	runIDs  []string
}

func (f *fakeRunner) Run(ctx context.Context, req types.Request) (*types.Result, error) {
	f.mu.Lock()
	f.runIDs = append(f.runIDs, req.RunID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- req.Index
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &types.Result{RunID: req.RunID, Index: req.Index}, ctx.Err()
		}
	}
	res := &types.Result{RunID: req.RunID, Index: req.Index, Engine: types.EngineMask}
	if f.fail[req.Index] {
		res.Failures = []types.VariantFailure{{Variant: types.Medium, Error: "exhausted"}}
		return res, nil
	}
	res.Artifacts = []types.RunArtifact{{Variant: types.Medium, Ref: "/runs/x/BM_01.png"}}
	return res, nil
}

type manifestStore struct {
	mu    sync.Mutex
	saved map[string]any
}

func (s *manifestStore) Save(ctx context.Context, runID, name string, img image.Image) (string, error) {
	return "", errors.New("not used")
}

func (s *manifestStore) SaveManifest(ctx context.Context, runID string, v any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]any)
	}
	s.saved[runID] = v
	return "/runs/" + runID + "/run.json", nil
}

func sources(n int) []Source {
	out := make([]Source, n)
	for i := range out {
		out[i] = Source{Name: "img.png", Image: image.NewNRGBA(image.Rect(0, 0, 8, 8))}
	}
	return out
}

func TestManagerCompletesJob(t *testing.T) {
	runner := &fakeRunner{fail: map[int]bool{1: true}}
	artifacts := &manifestStore{}
	var finished *Job
	m := NewManager(DefaultManagerConfig(), NewMemoryStore(), runner, ManagerOptions{
		Artifacts: artifacts,
		OnFinish:  func(j *Job) { finished = j },
	})

	job, err := m.Submit(context.Background(), Submission{Sources: sources(3)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	m.Wait()

	got, err := m.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPartialFailed {
		t.Errorf("Expected partial_failed, got %s", got.Status)
	}
	if got.Completed != 2 || got.Failed != 1 || got.Progress != 1 {
		t.Errorf("Unexpected counters: completed=%d failed=%d progress=%.2f", got.Completed, got.Failed, got.Progress)
	}
	if got.Manifest != "/runs/"+job.ID+"/run.json" {
		t.Errorf("Expected manifest ref, got %q", got.Manifest)
	}
	if got.Engine != types.EngineMask {
		t.Errorf("Expected engine from results, got %q", got.Engine)
	}
	if _, ok := artifacts.saved[job.ID]; !ok {
		t.Error("Expected manifest to be written")
	}
	if finished == nil || finished.ID != job.ID {
		t.Error("Expected OnFinish to be called")
	}
	for _, id := range runner.runIDs {
		if id != job.ID {
			t.Errorf("Expected run id %s, got %s", job.ID, id)
		}
	}
}

func TestManagerCancel(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan int, 4)}
	cfg := DefaultManagerConfig()
	cfg.ImageWorkers = 1
	m := NewManager(cfg, NewMemoryStore(), runner, ManagerOptions{})

	job, err := m.Submit(context.Background(), Submission{Sources: sources(3)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	cancelled, err := m.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	m.Wait()

	got, _ := m.Get(context.Background(), job.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got.Status)
	}
	if got.Failed != 3 {
		t.Errorf("Expected every item failed after cancel, got %d", got.Failed)
	}
	if len(runner.runIDs) != 1 {
		t.Errorf("Expected remaining images to be skipped, got %d runs", len(runner.runIDs))
	}
}

func TestSubmitValidates(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), NewMemoryStore(), &fakeRunner{}, ManagerOptions{})

	if _, err := m.Submit(context.Background(), Submission{}); !types.IsConfiguration(err) {
		t.Errorf("Expected configuration error for empty submission, got %v", err)
	}
	if _, err := m.Submit(context.Background(), Submission{Sources: sources(21)}); !types.IsConfiguration(err) {
		t.Errorf("Expected configuration error for too many images, got %v", err)
	}
	if _, err := m.Submit(context.Background(), Submission{Sources: []Source{{Name: "x"}}}); !types.IsConfiguration(err) {
		t.Errorf("Expected configuration error for missing image, got %v", err)
	}
	if _, err := m.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
