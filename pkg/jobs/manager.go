package jobs

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/backdrop/pkg/client"
	"github.com/menta2k/backdrop/pkg/types"
)

// Runner rewrites one source image
type Runner interface {
	Run(ctx context.Context, req types.Request) (*types.Result, error)
}

// Source is one image of a submission
type Source struct {
	Name  string
	Image image.Image
	Matte *image.Gray
}

// Submission is a batch of sources sharing a brief
type Submission struct {
	Sources  []Source
	Brief    types.Brief
	Variants []types.VariantName
}

// ManagerConfig bounds job execution
type ManagerConfig struct {
	// ImageWorkers is the number of images of one job processed at once
	ImageWorkers int           `mapstructure:"image_workers" json:"image_workers"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" json:"job_timeout"`
	MaxImages    int           `mapstructure:"max_images" json:"max_images"`
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{ImageWorkers: 2, JobTimeout: 30 * time.Minute, MaxImages: 20}
}

// ManagerOptions carries optional collaborators
type ManagerOptions struct {
	// Artifacts receives the job manifest once the job is terminal
	Artifacts client.ArtifactStore
	Logger    *zap.Logger
	// OnFinish is called after the last update of a job
	OnFinish func(j *Job)
	Now      func() time.Time
}

type Manager struct {
	cfg    ManagerConfig
	store  Store
	runner Runner
	opts   ManagerOptions
	logger *zap.Logger

	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewManager(cfg ManagerConfig, store Store, runner Runner, opts ManagerOptions) *Manager {
	if cfg.ImageWorkers < 1 {
		cfg.ImageWorkers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		opts:    opts,
		logger:  opts.Logger,
		base:    base,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit records a new job and starts its worker
func (m *Manager) Submit(ctx context.Context, sub Submission) (*Job, error) {
	if len(sub.Sources) == 0 {
		return nil, fmt.Errorf("%w: no source images", types.ErrConfiguration)
	}
	if m.cfg.MaxImages > 0 && len(sub.Sources) > m.cfg.MaxImages {
		return nil, fmt.Errorf("%w: %d images exceeds the limit of %d", types.ErrConfiguration, len(sub.Sources), m.cfg.MaxImages)
	}
	for i, s := range sub.Sources {
		if s.Image == nil {
			return nil, fmt.Errorf("%w: source %d has no image", types.ErrConfiguration, i)
		}
	}

	names := make([]string, len(sub.Sources))
	for i, s := range sub.Sources {
		names[i] = s.Name
	}
	job := NewJob(uuid.NewString(), names, sub.Brief, sub.Variants, m.opts.Now())
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if m.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(m.base, m.cfg.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(m.base)
	}
	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.work(jobCtx, job.ID, sub)

	m.logger.Info("Job submitted", zap.String("job_id", job.ID), zap.Int("images", len(sub.Sources)))
	return job, nil
}

// Get returns the current job record
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// Cancel stops a running job. Items already finished keep their results.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	j, err := m.store.Update(ctx, id, func(j *Job) error {
		if !j.Terminal() {
			j.Cancel(m.opts.Now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	m.logger.Info("Job cancel requested", zap.String("job_id", id), zap.String("status", string(j.Status)))
	return j, nil
}

// Wait blocks until every started job has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all running jobs and waits for their workers or ctx
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) work(ctx context.Context, id string, sub Submission) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.cancels[id]; ok {
			cancel()
			delete(m.cancels, id)
		}
		m.mu.Unlock()
	}()

	logger := m.logger.With(zap.String("job_id", id))
	// records are written even after the job context ends
	writeCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.ImageWorkers)
	for i, src := range sub.Sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			m.update(writeCtx, logger, id, func(j *Job) {
				j.Items[i].Status = ItemProcessing
				j.Recompute(m.opts.Now())
			})

			res, err := m.runner.Run(ctx, types.Request{
				RunID:    id,
				Index:    i,
				Source:   src.Image,
				Matte:    src.Matte,
				Variants: sub.Variants,
				Brief:    sub.Brief,
			})
			if err != nil {
				logger.Error("Image failed", zap.Int("index", i), zap.Error(err))
			}
			m.update(writeCtx, logger, id, func(j *Job) {
				j.SetItem(i, res, err)
				j.Recompute(m.opts.Now())
			})
			return nil
		})
	}
	_ = g.Wait()

	// items never started are failed so the counters add up
	final := m.update(writeCtx, logger, id, func(j *Job) {
		for k := range j.Items {
			if it := &j.Items[k]; it.Status == ItemPending || it.Status == ItemProcessing {
				it.Status = ItemFailed
				it.Error = reason(ctx)
			}
		}
		if j.Engine == "" && len(j.Items) > 0 {
			for _, it := range j.Items {
				if it.Result != nil {
					j.Engine = it.Result.Engine
					break
				}
			}
		}
		j.Recompute(m.opts.Now())
	})
	if final == nil {
		return
	}

	if m.opts.Artifacts != nil {
		ref, err := m.opts.Artifacts.SaveManifest(writeCtx, id, final)
		if err != nil {
			logger.Warn("Failed to write manifest", zap.Error(err))
		} else if j := m.update(writeCtx, logger, id, func(j *Job) { j.Manifest = ref }); j != nil {
			final = j
		}
	}
	logger.Info("Job finished",
		zap.String("status", string(final.Status)),
		zap.Int("completed", final.Completed),
		zap.Int("failed", final.Failed))
	if m.opts.OnFinish != nil {
		m.opts.OnFinish(final)
	}
}

func (m *Manager) update(ctx context.Context, logger *zap.Logger, id string, fn func(*Job)) *Job {
	j, err := m.store.Update(ctx, id, func(j *Job) error {
		fn(j)
		return nil
	})
	if err != nil {
		logger.Error("Failed to update job", zap.Error(err))
		return nil
	}
	return j
}

func reason(ctx context.Context) string {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return "job timed out"
	case err != nil:
		return "job cancelled"
	}
	return "not processed"
}
