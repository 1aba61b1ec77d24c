// Package backdrop rewrites the background of product photos while keeping the
// product itself intact.
//
// A Service wires the whole stack from a Config: the painter and matting
// clients, the directive resolver, the artifact store, the shared rewrite
// limiter, the pipeline and the job manager.
//
// Basic usage:
//
//	cfg, err := backdrop.LoadConfig("config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	svc, err := backdrop.New(context.Background(), cfg, backdrop.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	img, _ := processing.LoadImage("lamp.jpg")
//	res, manifest, err := svc.Process(context.Background(), types.Request{
//		Source: img,
//		Brief:  types.Brief{Title: "Desk lamp"},
//	})
//
// The package consists of these main components:
//
//  1. Mask (pkg/mask): core, protect and edit masks from a matte
//  2. Gate (pkg/gate): the bbox ratio drift retry controller
//  3. Pipeline (pkg/pipeline): the mask-guided engine and the legacy fallback
//  4. Jobs (pkg/jobs): multi-image jobs with progress tracking
package backdrop

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/backdrop/internal/config"
	"github.com/menta2k/backdrop/pkg/client"
	"github.com/menta2k/backdrop/pkg/directive"
	"github.com/menta2k/backdrop/pkg/jobs"
	"github.com/menta2k/backdrop/pkg/limiter"
	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/matting"
	"github.com/menta2k/backdrop/pkg/painter"
	"github.com/menta2k/backdrop/pkg/pipeline"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/store"
	"github.com/menta2k/backdrop/pkg/types"
)

// Version of the backdrop service
const Version = "1.0.0"

// Config is the full application configuration
type Config = config.Config

// LoadConfig reads an optional YAML file and the environment
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return config.Default()
}

// Options override collaborators built from the configuration. Zero values
// use the configured clients.
type Options struct {
	Logger   *zap.Logger
	Rewriter client.Rewriter
	Matter   client.Matter
	JobStore jobs.Store
}

// Service owns every long-lived component
type Service struct {
	cfg       *Config
	logger    *zap.Logger
	artifacts *store.FileStore
	resolver  *directive.Resolver
	limiter   *limiter.Limiter
	pipeline  *pipeline.Pipeline
	jobStore  jobs.Store
	jobs      *jobs.Manager

	closers []func() error
}

// New builds a Service from cfg. The Redis job store is used when an address
// is configured and reachable, otherwise jobs are kept in memory.
func New(ctx context.Context, cfg *Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{cfg: cfg, logger: logger}

	rewriter := opts.Rewriter
	if rewriter == nil {
		pc, err := painter.New(cfg.Painter, painter.Options{Logger: logger.Named("painter")})
		if err != nil {
			return nil, err
		}
		rewriter = pc
	}
	matter := opts.Matter
	if matter == nil {
		matter = matting.New(cfg.Matting, nil, logger.Named("matting"))
	}

	classifier, err := newClassifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	s.resolver = directive.NewResolver(cfg.Directive, classifier, logger.Named("directive"))

	artifacts, err := store.NewFileStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	s.artifacts = artifacts
	s.limiter = limiter.New(cfg.Concurrency)

	p, err := pipeline.New(cfg.Pipeline, pipeline.Options{
		Rewriter: rewriter,
		Matter:   matter,
		Resolver: s.resolver,
		Store:    artifacts,
		Limiter:  s.limiter,
		Logger:   logger.Named("pipeline"),
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = p

	s.jobStore = opts.JobStore
	if s.jobStore == nil {
		s.jobStore = s.openJobStore(ctx)
	}
	s.jobs = jobs.NewManager(cfg.Jobs, s.jobStore, p, jobs.ManagerOptions{
		Artifacts: artifacts,
		Logger:    logger.Named("jobs"),
		OnFinish:  func(j *jobs.Job) { s.resolver.Forget(j.ID) },
	})

	logger.Info("Service ready",
		zap.String("version", Version),
		zap.String("engine", string(cfg.Pipeline.Engine)),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("classifier", classifier != nil))
	return s, nil
}

// newClassifier returns nil when the selected backend has no URL
func newClassifier(cfg *Config) (client.CategoryClassifier, error) {
	switch cfg.Directive.Classifier {
	case "ollama", "":
		if cfg.Ollama.URL == "" {
			return nil, nil
		}
		return directive.NewOllamaClassifier(cfg.Ollama, nil)
	case "llamacpp":
		if cfg.LlamaCpp.URL == "" {
			return nil, nil
		}
		return directive.NewLlamaCppClassifier(cfg.LlamaCpp, nil)
	}
	return nil, nil
}

func (s *Service) openJobStore(ctx context.Context) jobs.Store {
	if s.cfg.Redis.Addr == "" {
		return jobs.NewMemoryStore()
	}
	rs := jobs.NewRedisStore(s.cfg.Redis)
	if err := rs.Ping(ctx); err != nil {
		s.logger.Warn("Redis connection failed, keeping jobs in memory", zap.Error(err))
		_ = rs.Close()
		return jobs.NewMemoryStore()
	}
	s.logger.Info("Redis connected", zap.String("addr", s.cfg.Redis.Addr))
	s.closers = append(s.closers, rs.Close)
	return rs
}

// Config returns the effective configuration
func (s *Service) Config() *Config {
	return s.cfg
}

func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

func (s *Service) Jobs() *jobs.Manager {
	return s.jobs
}

func (s *Service) JobStore() jobs.Store {
	return s.jobStore
}

func (s *Service) Artifacts() *store.FileStore {
	return s.artifacts
}

// Process runs a single image synchronously and writes its manifest
func (s *Service) Process(ctx context.Context, req types.Request) (*types.Result, string, error) {
	res, err := s.pipeline.Run(ctx, req)
	if res == nil {
		return nil, "", err
	}
	defer s.resolver.Forget(res.RunID)

	ref, merr := s.artifacts.SaveManifest(context.WithoutCancel(ctx), res.RunID, res)
	if merr != nil {
		s.logger.Warn("Failed to write manifest", zap.String("run_id", res.RunID), zap.Error(merr))
	}
	return res, ref, err
}

// Shutdown stops running jobs and waits for them or ctx
func (s *Service) Shutdown(ctx context.Context) error {
	return s.jobs.Shutdown(ctx)
}

// Close releases external connections
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// LoadMatte reads a matte image from disk. Any format the loader understands
// is converted to a gray plane.
func LoadMatte(path string) (*image.Gray, error) {
	img, err := processing.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load matte: %w", err)
	}
	return mask.FromImage(img), nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
