// Package store persists run artifacts on the local filesystem under
// <root>/<run id>/ and hands out "/runs/<run id>/<name>" references.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/menta2k/backdrop/internal/utils"
	"github.com/menta2k/backdrop/pkg/processing"
)

const ManifestName = "run.json"

type Config struct {
	Root      string `mapstructure:"root" json:"root"`
	URLPrefix string `mapstructure:"url_prefix" json:"url_prefix"`
	Format    string `mapstructure:"format" json:"format"`
	Quality   int    `mapstructure:"quality" json:"quality"`
	Lossless  bool   `mapstructure:"lossless" json:"lossless"`
}

func DefaultConfig() Config {
	return Config{Root: "./runs", URLPrefix: "/runs", Format: "png", Quality: 92}
}

type FileStore struct {
	cfg Config
}

// NewFileStore creates the root directory if needed
func NewFileStore(cfg Config) (*FileStore, error) {
	if cfg.Root == "" {
		cfg.Root = "./runs"
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = "/runs"
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if err := utils.EnsureDir(cfg.Root); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FileStore{cfg: cfg}, nil
}

// Format is the configured image format
func (s *FileStore) Format() string {
	return s.cfg.Format
}

// Dir returns the directory of a run
func (s *FileStore) Dir(runID string) string {
	return filepath.Join(s.cfg.Root, utils.SanitizeFilename(runID))
}

// Save writes img as name inside the run directory. The file extension of name
// wins over the configured format.
func (s *FileStore) Save(ctx context.Context, runID, name string, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, name, err := s.prepare(runID, name)
	if err != nil {
		return "", err
	}
	format := utils.GetFileExtension(name)
	if format == "" {
		format = s.cfg.Format
		name = name + "." + format
	}
	if err := processing.SaveImage(img, filepath.Join(dir, name), format, s.cfg.Quality, s.cfg.Lossless); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	return s.ref(runID, name), nil
}

// SaveManifest writes v as run.json
func (s *FileStore) SaveManifest(ctx context.Context, runID string, v any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, name, err := s.prepare(runID, ManifestName)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return s.ref(runID, name), nil
}

// Open resolves a reference back to a file path
func (s *FileStore) Open(ref string) (string, error) {
	rel := strings.TrimPrefix(ref, s.cfg.URLPrefix+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	p := filepath.Join(s.Dir(parts[0]), utils.SanitizeFilename(parts[1]))
	if !utils.FileExists(p) {
		return "", fmt.Errorf("artifact %q not found", ref)
	}
	return p, nil
}

func (s *FileStore) prepare(runID, name string) (string, string, error) {
	runID = utils.SanitizeFilename(runID)
	name = utils.SanitizeFilename(name)
	if runID == "" || name == "" {
		return "", "", fmt.Errorf("invalid artifact key %q/%q", runID, name)
	}
	dir := filepath.Join(s.cfg.Root, runID)
	if err := utils.EnsureDir(dir); err != nil {
		return "", "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, name, nil
}

func (s *FileStore) ref(runID, name string) string {
	return path.Join(s.cfg.URLPrefix, utils.SanitizeFilename(runID), name)
}
