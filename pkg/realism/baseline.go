package realism

import (
	"math/rand/v2"

	"github.com/menta2k/backdrop/internal/utils"
	"github.com/menta2k/backdrop/pkg/processing"
	"github.com/menta2k/backdrop/pkg/types"
)

// Baseline is the capture look shared by every image of one run
type Baseline struct {
	Noise        float64 `json:"noise"`
	Contrast     float64 `json:"contrast"`
	Saturation   float64 `json:"saturation"`
	Sharpness    float64 `json:"sharpness"`
	Blur         float64 `json:"blur"`
	WhiteBalance float64 `json:"white_balance"`
	Exposure     float64 `json:"exposure"`
}

// NewBaseline draws the run baseline from a generator seeded by runID
func NewBaseline(runID string) Baseline {
	rng := utils.NewRand(runID)
	u := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	return Baseline{
		Noise:        u(0.018, 0.032),
		Contrast:     u(0.82, 0.90),
		Saturation:   u(0.88, 0.96),
		Sharpness:    u(0.82, 0.92),
		Blur:         u(0.45, 0.90),
		WhiteBalance: u(-0.02, 0.06),
		Exposure:     u(0.96, 1.04),
	}
}

// Params jitters the baseline for one variant. The mask engine keeps the
// subject sharp and moves the blur to the background.
func (b Baseline) Params(rng *rand.Rand, cfg Config, engine types.EngineKind) Params {
	j := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	p := Params{
		Noise:        max(0, b.Noise+j(-0.008, 0.014)),
		ChromaNoise:  cfg.ChromaNoise,
		ShadowBoost:  cfg.ShadowBoost,
		Contrast:     processing.Clamp(b.Contrast+j(-0.04, 0.03), 0.65, 0.95),
		Saturation:   processing.Clamp(b.Saturation+j(-0.05, 0.05), 0.65, 1.05),
		Sharpness:    processing.Clamp(b.Sharpness+j(-0.08, 0.05), 0.55, 1.05),
		WhiteBalance: processing.Clamp(b.WhiteBalance+j(-0.04, 0.04), -0.12, 0.14),
		Exposure:     processing.Clamp(b.Exposure+j(-0.04, 0.04), 0.88, 1.12),
		Vignette:     cfg.Vignette,
		JPEGQuality:  cfg.JPEGQuality,
		RotateDeg:    j(-cfg.MaxRotateDeg, cfg.MaxRotateDeg),
	}
	blur := processing.Clamp(b.Blur+j(-0.30, 0.35), 0.3, 2.0)
	if engine == types.EngineMask {
		p.Sharpness = 1
		if cfg.BackgroundBlur {
			p.BackgroundBlur = blur
		}
	} else {
		p.Blur = blur
	}
	return p
}
