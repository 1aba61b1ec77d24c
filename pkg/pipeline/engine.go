package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/backdrop/pkg/gate"
	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/realism"
	"github.com/menta2k/backdrop/pkg/types"
)

// ErrAttemptsExhausted is returned by an engine whose attempts all failed or drifted
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// Engine produces the artifact for one variant of a prepared request
type Engine interface {
	Kind() types.EngineKind
	Produce(ctx context.Context, t *Task) (types.RunArtifact, error)
}

// Task is the per-variant view of a prepared request. The image and mask
// fields are shared between the variants of a request and must not be mutated.
type Task struct {
	RunID      string
	Index      int
	Variant    types.VariantName
	Brief      types.Brief
	Source     *image.NRGBA
	Foreground image.Image
	Matte      *image.Gray
	Masks      *types.ProductMask
	InputRatio float64
	Baseline   realism.Baseline
	Logger     *zap.Logger

	attempts []types.Attempt
}

func (t *Task) record(a types.Attempt) {
	t.attempts = append(t.attempts, a)
}

// Attempts returns the attempts made so far by every engine
func (t *Task) Attempts() []types.Attempt {
	return append([]types.Attempt(nil), t.attempts...)
}

// MaskEngine rewrites only the edit region and gates the result on subject drift
type MaskEngine struct {
	p *Pipeline
}

func (e *MaskEngine) Kind() types.EngineKind { return types.EngineMask }

func (e *MaskEngine) Produce(ctx context.Context, t *Task) (types.RunArtifact, error) {
	p := e.p
	v, ok := p.cfg.Variants[t.Variant]
	if !ok {
		return types.RunArtifact{}, fmt.Errorf("%w: unknown variant %q", types.ErrConfiguration, t.Variant)
	}
	dir, err := p.directive(ctx, t, types.EngineMask)
	if err != nil {
		return types.RunArtifact{}, err
	}

	ctrl := gate.New(p.cfg.Gate, v, t.InputRatio)
	var shrunk *image.Gray
	var lastErr error

	for !ctrl.State().Terminal() {
		edit := t.Masks.Edit
		if v.ExtraEditErode > 0 && ctrl.ShrinkEdit() {
			if shrunk == nil {
				shrunk = mask.ShrinkEdit(t.Masks.Edit, v.ExtraEditErode)
			}
			edit = shrunk
		}
		strength, err := ctrl.Begin()
		if err != nil {
			return types.RunArtifact{}, err
		}

		att := types.Attempt{Index: ctrl.Attempts(), Strength: strength}
		start := time.Now()
		raw, err := p.rewrite(ctx, types.RewriteRequest{
			Image:     t.Source,
			Mask:      edit,
			Directive: dir,
			Strength:  strength,
			Guidance:  v.Guidance,
			Steps:     v.Steps,
		})
		var out *image.NRGBA
		if err == nil {
			out, err = p.finish(t, raw, edit, types.EngineMask, att.Index)
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return types.RunArtifact{}, cerr
			}
			if types.IsConfiguration(err) {
				return types.RunArtifact{}, err
			}
			att.Error = err.Error()
			att.Duration = time.Since(start)
			t.record(att)
			if types.IsRejected(err) {
				return types.RunArtifact{}, err
			}
			lastErr = err
			state, _ := ctrl.Fail()
			t.Logger.Warn("Rewrite attempt failed",
				zap.Int("attempt", att.Index),
				zap.Float64("strength", strength),
				zap.Stringer("next", state),
				zap.Error(err))
			continue
		}

		var ratio float64
		measured := false
		if ctrl.Gated() && t.InputRatio > 0 {
			ratio, err = p.measure(ctx, out)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return types.RunArtifact{}, cerr
				}
				t.Logger.Warn("Ratio measurement failed, accepting attempt", zap.Int("attempt", att.Index), zap.Error(err))
			} else {
				measured = true
			}
		}

		state, err := ctrl.Observe(ratio, measured)
		if err != nil {
			return types.RunArtifact{}, err
		}
		att.Ratio, att.Measured, att.Drift = ratio, measured, ctrl.LastDrift()
		att.Duration = time.Since(start)
		t.record(att)
		t.Logger.Info("Rewrite attempt evaluated",
			zap.Int("attempt", att.Index),
			zap.Float64("strength", strength),
			zap.Float64("ratio", ratio),
			zap.Float64("drift", att.Drift),
			zap.Stringer("state", state))

		switch state {
		case gate.Accepted:
			art := types.RunArtifact{
				Variant:  t.Variant,
				Engine:   types.EngineMask,
				State:    state.String(),
				Accepted: att.Index,
				Ratio:    ratio,
				Image:    out,
			}
			if ctrl.Gated() && !measured && t.InputRatio > 0 {
				art.Note = "ratio not measured"
			}
			return art, nil
		case gate.Fallback:
			lastErr = fmt.Errorf("subject drift %.3f above %.3f", att.Drift, p.cfg.Gate.MaxDrift)
		}
	}
	return types.RunArtifact{}, fmt.Errorf("%w after %d mask attempts: %v", ErrAttemptsExhausted, ctrl.Attempts(), lastErr)
}

// LegacyEngine rewrites the whole image, then pastes the original subject back
// with a contact shadow
type LegacyEngine struct {
	p *Pipeline
}

func (e *LegacyEngine) Kind() types.EngineKind { return types.EngineLegacy }

func (e *LegacyEngine) Produce(ctx context.Context, t *Task) (types.RunArtifact, error) {
	p := e.p
	v, ok := p.cfg.LegacyVariants[t.Variant]
	if !ok {
		return types.RunArtifact{}, fmt.Errorf("%w: unknown variant %q", types.ErrConfiguration, t.Variant)
	}
	dir, err := p.directive(ctx, t, types.EngineLegacy)
	if err != nil {
		return types.RunArtifact{}, err
	}

	var lastErr error
	base := len(t.attempts)
	for i := 1; i <= max(1, p.cfg.Gate.MaxAttempts); i++ {
		att := types.Attempt{Index: base + i, Strength: v.Strength}
		start := time.Now()
		raw, err := p.rewrite(ctx, types.RewriteRequest{
			Image:     t.Source,
			Directive: dir,
			Strength:  v.Strength,
			Guidance:  v.Guidance,
			Steps:     v.Steps,
		})
		var out *image.NRGBA
		if err == nil {
			out, err = p.finish(t, raw, nil, types.EngineLegacy, att.Index)
		}
		att.Duration = time.Since(start)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return types.RunArtifact{}, cerr
			}
			if types.IsConfiguration(err) {
				return types.RunArtifact{}, err
			}
			att.Error = err.Error()
			t.record(att)
			if types.IsRejected(err) {
				return types.RunArtifact{}, err
			}
			lastErr = err
			t.Logger.Warn("Legacy rewrite attempt failed", zap.Int("attempt", att.Index), zap.Error(err))
			continue
		}

		out = PasteBack(out, t.Foreground, t.Matte, p.cfg.Composite)
		att.Ratio = t.InputRatio
		t.record(att)
		t.Logger.Info("Legacy rewrite accepted", zap.Int("attempt", att.Index))
		return types.RunArtifact{
			Variant:  t.Variant,
			Engine:   types.EngineLegacy,
			State:    gate.Accepted.String(),
			Accepted: att.Index,
			Ratio:    t.InputRatio,
			Image:    out,
		}, nil
	}
	return types.RunArtifact{}, fmt.Errorf("%w after %d legacy attempts: %v", ErrAttemptsExhausted, max(1, p.cfg.Gate.MaxAttempts), lastErr)
}
