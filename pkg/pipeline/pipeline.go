// Package pipeline runs the background rewrite of one product photo.
//
// A request is prepared once: the matte is fetched when missing and the
// core, protect and edit masks are derived from it. Every requested variant
// then runs as its own task in a bounded pool. A task asks the selected
// engine for an artifact; the mask engine retries at lower strength while the
// subject drifts, and hands over to the legacy whole-image engine when it runs
// out of attempts. Calls to the rewrite model from every task, and from every
// concurrent request that shares the Limiter, pass through one slot budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/backdrop/internal/utils"
	"github.com/menta2k/backdrop/pkg/analyzer"
	"github.com/menta2k/backdrop/pkg/client"
	"github.com/menta2k/backdrop/pkg/detail"
	"github.com/menta2k/backdrop/pkg/gate"
	"github.com/menta2k/backdrop/pkg/layout"
	"github.com/menta2k/backdrop/pkg/limiter"
	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/realism"
	"github.com/menta2k/backdrop/pkg/types"
)

// Options carries the collaborators of a pipeline. Store, Limiter and Logger
// are optional.
type Options struct {
	Rewriter client.Rewriter
	Matter   client.Matter
	Resolver client.DirectiveResolver
	Store    client.ArtifactStore
	Limiter  *limiter.Limiter
	Logger   *zap.Logger
}

type Pipeline struct {
	cfg      Config
	rewriter client.Rewriter
	matter   client.Matter
	resolver client.DirectiveResolver
	store    client.ArtifactStore
	limiter  *limiter.Limiter
	logger   *zap.Logger
	page     *layout.Page
	engines  map[types.EngineKind]Engine
}

// New validates cfg and wires the collaborators
func New(cfg Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Rewriter == nil || opts.Matter == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("%w: pipeline needs a rewriter, a matter and a directive resolver", types.ErrConfiguration)
	}
	p := &Pipeline{
		cfg:      cfg,
		rewriter: opts.Rewriter,
		matter:   opts.Matter,
		resolver: opts.Resolver,
		store:    opts.Store,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
	}
	if p.limiter == nil {
		p.limiter = limiter.New(2)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if page, ok, _ := layout.ByName(cfg.Page); ok {
		p.page = &page
	}
	if p.cfg.Format == "" {
		p.cfg.Format = "png"
	}
	p.cfg.Detail = p.cfg.Detail.Normalize()
	p.engines = map[types.EngineKind]Engine{
		types.EngineMask:   &MaskEngine{p: p},
		types.EngineLegacy: &LegacyEngine{p: p},
	}
	return p, nil
}

// Config returns the effective configuration
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Limiter returns the shared rewrite slot budget
func (p *Pipeline) Limiter() *limiter.Limiter {
	return p.limiter
}

// Engine returns the strategy for kind
func (p *Pipeline) Engine(kind types.EngineKind) (Engine, bool) {
	e, ok := p.engines[kind]
	return e, ok
}

type prepared struct {
	source     *image.NRGBA
	foreground image.Image
	matte      *image.Gray
	masks      *types.ProductMask
	subject    analyzer.SubjectInfo
}

// Run processes one request until every variant is terminal. Variants that
// produced nothing are listed in Result.Failures. A configuration error or a
// cancelled ctx is returned together with whatever was already accepted.
func (p *Pipeline) Run(ctx context.Context, req types.Request) (*types.Result, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	logger := p.logger.With(zap.String("run_id", req.RunID), zap.Int("index", req.Index))

	variants, err := p.variants(req.Variants)
	if err != nil {
		return nil, err
	}
	if err := analyzer.ValidateImage(req.Source, p.cfg.Analyzer); err != nil {
		return nil, err
	}

	res := &types.Result{
		RunID:     req.RunID,
		Index:     req.Index,
		Engine:    p.cfg.Engine,
		StartedAt: time.Now(),
	}

	prep, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	res.InputRatio = prep.subject.Ratio
	logger.Info("Request prepared",
		zap.Int("width", prep.subject.Width),
		zap.Int("height", prep.subject.Height),
		zap.Float64("input_ratio", prep.subject.Ratio),
		zap.Int("variants", len(variants)))

	baseline := realism.NewBaseline(req.RunID)

	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Workers > 0 {
		g.SetLimit(p.cfg.Workers)
	}
	var mu sync.Mutex
	for _, name := range variants {
		t := &Task{
			RunID:      req.RunID,
			Index:      req.Index,
			Variant:    name,
			Brief:      req.Brief,
			Source:     prep.source,
			Foreground: prep.foreground,
			Matte:      prep.matte,
			Masks:      prep.masks,
			InputRatio: prep.subject.Ratio,
			Baseline:   baseline,
			Logger:     logger.With(zap.String("variant", string(name))),
		}
		g.Go(func() error {
			art, err := p.runVariant(gctx, t)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Artifacts = append(res.Artifacts, art)
			case types.IsConfiguration(err):
				res.Failures = append(res.Failures, types.VariantFailure{
					Variant:  name,
					Error:    err.Error(),
					Attempts: t.Attempts(),
				})
				return err
			case ctx.Err() != nil:
				t.Logger.Debug("Variant cancelled", zap.Error(err))
			case gctx.Err() != nil:
				t.Logger.Warn("Variant abandoned", zap.Error(err))
				res.Failures = append(res.Failures, types.VariantFailure{
					Variant:   name,
					Error:     "abandoned: another variant failed with a configuration error",
					Attempts:  t.Attempts(),
					Abandoned: true,
				})
			default:
				t.Logger.Error("Variant failed", zap.Error(err))
				res.Failures = append(res.Failures, types.VariantFailure{
					Variant:  name,
					Error:    err.Error(),
					Attempts: t.Attempts(),
				})
			}
			return nil
		})
	}
	err = g.Wait()

	order := func(n types.VariantName) int { return slices.Index(variants, n) }
	slices.SortFunc(res.Artifacts, func(a, b types.RunArtifact) int { return order(a.Variant) - order(b.Variant) })
	slices.SortFunc(res.Failures, func(a, b types.VariantFailure) int { return order(a.Variant) - order(b.Variant) })
	res.CompletedAt = time.Now()

	if err != nil {
		logger.Error("Request aborted", zap.Error(err))
		return res, err
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("Request cancelled", zap.Int("accepted", len(res.Artifacts)))
		return res, err
	}
	logger.Info("Request completed",
		zap.Int("accepted", len(res.Artifacts)),
		zap.Int("failed", len(res.Failures)),
		zap.Duration("elapsed", res.CompletedAt.Sub(res.StartedAt)))
	return res, nil
}

func (p *Pipeline) variants(names []types.VariantName) ([]types.VariantName, error) {
	if len(names) == 0 {
		return slices.Clone(DefaultVariants), nil
	}
	out := make([]types.VariantName, 0, len(names))
	for _, n := range names {
		if _, ok := p.cfg.Variants[n]; !ok {
			return nil, fmt.Errorf("%w: unknown variant %q", types.ErrConfiguration, n)
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// prepare fetches the matte when the request has none and derives the masks
// shared by every variant
func (p *Pipeline) prepare(ctx context.Context, req types.Request) (*prepared, error) {
	src := processing.ToNRGBA(req.Source)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	prep := &prepared{source: src, foreground: src, matte: req.Matte}

	if prep.matte == nil {
		m, err := p.matter.Matte(ctx, src)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("%w: %v", types.ErrMissingMatte, err)
		}
		if m == nil || m.Mask == nil {
			return nil, types.ErrMissingMatte
		}
		prep.matte = m.Mask
		if fg := m.Foreground; fg != nil && fg.Bounds().Dx() == w && fg.Bounds().Dy() == h {
			prep.foreground = fg
		}
	}
	prep.matte = mask.Fit(mask.FromImage(prep.matte), w, h)

	masks, err := mask.Derive(src, prep.matte, p.cfg.Mask)
	if err != nil {
		return nil, err
	}
	prep.masks = masks
	prep.subject = analyzer.InspectSubject(masks.Core, p.cfg.Analyzer)
	return prep, nil
}

// runVariant drives one variant to a terminal state and persists the result
func (p *Pipeline) runVariant(ctx context.Context, t *Task) (types.RunArtifact, error) {
	primary := p.engines[p.cfg.Engine]
	art, err := primary.Produce(ctx, t)
	if err == nil {
		return p.persist(ctx, t, art)
	}
	if ctx.Err() != nil || types.IsConfiguration(err) {
		return types.RunArtifact{}, err
	}
	if primary.Kind() == types.EngineLegacy || !p.cfg.Fallback {
		return types.RunArtifact{}, fmt.Errorf("%w: %v", types.ErrGenerationFailure, err)
	}

	t.Logger.Warn("Mask engine exhausted, using legacy engine", zap.Error(err))
	art, ferr := p.engines[types.EngineLegacy].Produce(ctx, t)
	if ferr != nil {
		if ctx.Err() != nil || types.IsConfiguration(ferr) {
			return types.RunArtifact{}, ferr
		}
		return types.RunArtifact{}, fmt.Errorf("%w: %v; fallback: %v", types.ErrGenerationFailure, err, ferr)
	}
	art.Fallback = true
	art.State = gate.Fallback.String()
	art.Note = err.Error()
	return p.persist(ctx, t, art)
}

func (p *Pipeline) persist(ctx context.Context, t *Task, art types.RunArtifact) (types.RunArtifact, error) {
	art.Attempts = t.Attempts()
	if p.page != nil {
		page, err := layout.Contain(art.Image, *p.page)
		if err != nil {
			return types.RunArtifact{}, err
		}
		art.Image = page
	}
	if p.store == nil {
		return art, nil
	}
	name := utils.ArtifactName(string(t.Variant), t.Index, p.cfg.Format)
	ref, err := p.store.Save(ctx, t.RunID, name, art.Image)
	if err != nil {
		return types.RunArtifact{}, fmt.Errorf("failed to persist %s: %w", name, err)
	}
	art.Ref = ref
	t.Logger.Info("Artifact saved", zap.String("ref", ref), zap.Bool("fallback", art.Fallback))
	return art, nil
}

func (p *Pipeline) directive(ctx context.Context, t *Task, engine types.EngineKind) (types.Directive, error) {
	d, err := p.resolver.Resolve(ctx, client.DirectiveQuery{
		RunID:   t.RunID,
		Index:   t.Index,
		Variant: t.Variant,
		Engine:  engine,
		Brief:   t.Brief,
		Source:  t.Source,
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return types.Directive{}, cerr
		}
		return types.Directive{}, fmt.Errorf("%w: directive: %v", types.ErrConfiguration, err)
	}
	if d.Prompt == "" {
		return types.Directive{}, fmt.Errorf("%w: empty directive for %s", types.ErrConfiguration, t.Variant)
	}
	return d, nil
}

// rewrite calls the model inside a limiter slot
func (p *Pipeline) rewrite(ctx context.Context, req types.RewriteRequest) (image.Image, error) {
	out, err := limiter.Do(ctx, p.limiter, func(ctx context.Context) (image.Image, error) {
		return p.rewriter.Rewrite(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", types.ErrMalformedOutput)
	}
	return out, nil
}

// finish brings a raw model output to the source size, restores subject detail
// for the mask engine and applies the realism chain
func (p *Pipeline) finish(t *Task, raw image.Image, edit *image.Gray, engine types.EngineKind, attempt int) (*image.NRGBA, error) {
	w, h := t.Source.Rect.Dx(), t.Source.Rect.Dy()
	out := processing.ToNRGBA(processing.MatchSize(raw, w, h))

	if engine == types.EngineMask && p.cfg.Detail.Enabled {
		out = detail.Transfer(t.Source, out, t.Masks.Core, p.cfg.Detail)
	}
	if !p.cfg.Realism.Enabled || t.Brief.StylePreset == types.PresetGlossy {
		return out, nil
	}
	params := t.Baseline.Params(utils.NewRand(t.RunID, t.Index, t.Variant, engine, attempt), p.cfg.Realism, engine)
	return realism.Apply(out, edit, params, utils.NewRand(t.RunID, t.Index, t.Variant, engine, attempt, "noise"))
}

// measure re-mattes an output and returns its subject ratio
func (p *Pipeline) measure(ctx context.Context, out image.Image) (float64, error) {
	m, err := p.matter.Matte(ctx, out)
	if err != nil {
		return 0, err
	}
	if m == nil || m.Mask == nil {
		return 0, errors.New("matting returned no mask")
	}
	masks, err := mask.Derive(out, m.Mask, p.cfg.Mask)
	if err != nil {
		return 0, err
	}
	return analyzer.InspectSubject(masks.Core, p.cfg.Analyzer).Ratio, nil
}
