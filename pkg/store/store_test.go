package store

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"testing"
)

func newTestStore(t *testing.T, format string) *FileStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.Format = format
	s, err := NewFileStore(cfg)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func TestSaveReturnsReference(t *testing.T) {
	s := newTestStore(t, "png")
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))

	ref, err := s.Save(context.Background(), "run-1", "BM_01.png", img)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ref != "/runs/run-1/BM_01.png" {
		t.Errorf("Unexpected reference %q", ref)
	}
	p, err := s.Open(ref)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("Expected file at %s", p)
	}
}

func TestSaveUsesConfiguredFormat(t *testing.T) {
	s := newTestStore(t, "webp")
	ref, err := s.Save(context.Background(), "run-2", "BA_01", image.NewNRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ref != "/runs/run-2/BA_01.webp" {
		t.Errorf("Unexpected reference %q", ref)
	}
}

func TestSaveManifest(t *testing.T) {
	s := newTestStore(t, "png")
	ref, err := s.SaveManifest(context.Background(), "run-3", map[string]int{"artifacts": 2})
	if err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	p, err := s.Open(ref)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := os.ReadFile(p)
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil || got["artifacts"] != 2 {
		t.Errorf("Unexpected manifest %s", data)
	}
}

func TestSaveRejectsTraversal(t *testing.T) {
	s := newTestStore(t, "png")
	ref, err := s.Save(context.Background(), "../../etc", "x.png", image.NewNRGBA(image.Rect(0, 0, 2, 2)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ref != "/runs/____etc/x.png" {
		t.Errorf("Expected sanitized reference, got %q", ref)
	}
	if _, err := s.Open("/runs/only-one-part"); err == nil {
		t.Error("Expected invalid reference error")
	}
}

func TestSaveHonorsContext(t *testing.T) {
	s := newTestStore(t, "png")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Save(ctx, "run", "a.png", image.NewNRGBA(image.Rect(0, 0, 2, 2))); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
