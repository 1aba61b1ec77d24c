// Package directive resolves the text directive sent with each rewrite.
//
// Scenes come from per-category pools: the category is matched from the
// product title and bullets, or asked from a vision model when no keyword
// matches. Each run picks a stable subset of scenes and rotates through it by
// image index, so variants of one image share a scene.
package directive

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/backdrop/internal/utils"
	"github.com/menta2k/backdrop/pkg/client"
	"github.com/menta2k/backdrop/pkg/types"
)

// Config for directive resolution
type Config struct {
	ScenesPerRun    int           `mapstructure:"scenes_per_run" json:"scenes_per_run"`
	ClassifyTimeout time.Duration `mapstructure:"classify_timeout" json:"classify_timeout"`
	// Classifier is the category backend: ollama, llamacpp or none
	Classifier string `mapstructure:"classifier" json:"classifier"`
}

func DefaultConfig() Config {
	return Config{ScenesPerRun: 3, ClassifyTimeout: 60 * time.Second, Classifier: "ollama"}
}

type Resolver struct {
	cfg        Config
	classifier client.CategoryClassifier
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]Category
}

// NewResolver creates a resolver. classifier and logger may be nil.
func NewResolver(cfg Config, classifier client.CategoryClassifier, logger *zap.Logger) *Resolver {
	if cfg.ScenesPerRun < 1 {
		cfg.ScenesPerRun = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, classifier: classifier, logger: logger, cache: make(map[string]Category)}
}

// Resolve returns the directive for one variant of one image
func (r *Resolver) Resolve(ctx context.Context, q client.DirectiveQuery) (types.Directive, error) {
	preset := q.Brief.StylePreset
	if preset == "" {
		preset = types.PresetUGC
	}
	var d types.Directive
	if preset == types.PresetUGC {
		d.Negative = UGCNegative
	}

	if p := strings.TrimSpace(q.Brief.StylePrompt); p != "" {
		d.Prompt = p
		return d, nil
	}

	if preset == types.PresetGlossy {
		if q.Engine == types.EngineMask {
			d.Prompt = glossyMaskPrompt
		} else {
			d.Prompt = glossyPrompt
		}
		return d, nil
	}

	category := r.category(ctx, q)
	scene := r.Scene(q.RunID, category, q.Index)
	hint, ok := strengthHints[string(q.Variant)]
	if !ok {
		hint = strengthHints["medium"]
	}

	if q.Engine == types.EngineMask {
		d.Prompt = fmt.Sprintf(ugcMaskTemplate, scene, hint)
	} else {
		d.Prompt = fmt.Sprintf(ugcLegacyTemplate, scene, hint)
	}
	return d, nil
}

// Scene picks the scene for an image. The subset drawn for a run is stable.
func (r *Resolver) Scene(runID string, c Category, index int) string {
	pool := scenes[c]
	if len(pool) == 0 {
		pool = scenes[Generic]
	}
	k := min(r.cfg.ScenesPerRun, len(pool))
	rng := utils.NewRand(runID, "scenes", c)
	perm := rng.Perm(len(pool))[:k]
	if index < 0 {
		index = -index
	}
	return pool[perm[index%k]]
}

func (r *Resolver) category(ctx context.Context, q client.DirectiveQuery) Category {
	text := q.Brief.Title + " " + strings.Join(q.Brief.Bullets, " ")
	if c := MatchCategory(text); c != Generic || r.classifier == nil || q.Source == nil {
		return c
	}

	key := fmt.Sprintf("%s/%d", q.RunID, q.Index)
	r.mu.Lock()
	c, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return c
	}

	c = r.classify(ctx, q.Source)
	r.mu.Lock()
	r.cache[key] = c
	r.mu.Unlock()
	return c
}

func (r *Resolver) classify(ctx context.Context, img image.Image) Category {
	if r.cfg.ClassifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ClassifyTimeout)
		defer cancel()
	}
	raw, err := r.classifier.Classify(ctx, img)
	if err != nil {
		r.logger.Warn("category classification failed, using generic scenes", zap.Error(err))
		return Generic
	}
	c := ParseCategory(raw)
	r.logger.Debug("classified product", zap.String("category", string(c)), zap.String("raw", raw))
	return c
}

// Forget drops cached classifications for a run
func (r *Resolver) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if strings.HasPrefix(k, runID+"/") {
			delete(r.cache, k)
		}
	}
}
