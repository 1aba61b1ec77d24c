package pipeline

import (
	"fmt"

	"github.com/menta2k/backdrop/pkg/analyzer"
	"github.com/menta2k/backdrop/pkg/detail"
	"github.com/menta2k/backdrop/pkg/gate"
	"github.com/menta2k/backdrop/pkg/layout"
	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/realism"
	"github.com/menta2k/backdrop/pkg/types"
)

// Config holds every knob of one pipeline
type Config struct {
	Engine types.EngineKind `mapstructure:"engine" json:"engine"`
	// Fallback enables the legacy engine once the mask engine gives up.
	Fallback bool `mapstructure:"fallback" json:"fallback"`
	// Workers bounds the variant tasks of one request; 0 runs all at once.
	Workers int    `mapstructure:"workers" json:"workers"`
	Page    string `mapstructure:"page" json:"page"`
	Format  string `mapstructure:"format" json:"format"`

	Mask      mask.Config     `mapstructure:"mask" json:"mask"`
	Gate      gate.Config     `mapstructure:"gate" json:"gate"`
	Detail    detail.Config   `mapstructure:"detail" json:"detail"`
	Realism   realism.Config  `mapstructure:"realism" json:"realism"`
	Analyzer  analyzer.Config `mapstructure:"analyzer" json:"analyzer"`
	Composite CompositeConfig `mapstructure:"composite" json:"composite"`

	Variants       map[types.VariantName]types.Variant `mapstructure:"-" json:"variants"`
	LegacyVariants map[types.VariantName]types.Variant `mapstructure:"-" json:"legacy_variants"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Engine:         types.EngineMask,
		Fallback:       true,
		Page:           layout.Portrait.Name,
		Format:         "png",
		Mask:           mask.DefaultConfig(),
		Gate:           gate.DefaultConfig(),
		Detail:         detail.DefaultConfig(),
		Realism:        realism.DefaultConfig(),
		Analyzer:       analyzer.DefaultConfig(),
		Composite:      DefaultCompositeConfig(),
		Variants:       MaskProfiles(6),
		LegacyVariants: LegacyProfiles(),
	}
}

// DefaultVariants is the variant set used when a request names none
var DefaultVariants = []types.VariantName{types.Medium, types.Aggressive}

// MaskProfiles returns the mask-engine strengths. Only the aggressive
// variant is gated and edits further from the subject.
func MaskProfiles(aggressiveErode int) map[types.VariantName]types.Variant {
	return map[types.VariantName]types.Variant{
		types.Medium: {
			Name: types.Medium, Strength: 0.58, Guidance: 6.2, Steps: 30,
		},
		types.Aggressive: {
			Name: types.Aggressive, Strength: 0.70, Guidance: 6.3, Steps: 34,
			ExtraEditErode: max(0, aggressiveErode), Gated: true,
		},
	}
}

// LegacyProfiles returns the whole-image engine strengths
func LegacyProfiles() map[types.VariantName]types.Variant {
	return map[types.VariantName]types.Variant{
		types.Medium:     {Name: types.Medium, Strength: 0.72, Guidance: 6.2, Steps: 26},
		types.Aggressive: {Name: types.Aggressive, Strength: 0.80, Guidance: 6.4, Steps: 30},
	}
}

// Validate checks the whole configuration
func (c Config) Validate() error {
	if c.Engine != types.EngineMask && c.Engine != types.EngineLegacy {
		return fmt.Errorf("%w: unknown engine %q", types.ErrConfiguration, c.Engine)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative", types.ErrConfiguration)
	}
	if _, _, err := layout.ByName(c.Page); err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	if err := c.Mask.Validate(); err != nil {
		return err
	}
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	for _, set := range []map[types.VariantName]types.Variant{c.Variants, c.LegacyVariants} {
		if len(set) == 0 {
			return fmt.Errorf("%w: no variant profiles", types.ErrConfiguration)
		}
		for name, v := range set {
			if v.Strength <= 0 || v.Strength > 1 {
				return fmt.Errorf("%w: variant %s strength %.2f outside (0, 1]", types.ErrConfiguration, name, v.Strength)
			}
			if v.Steps <= 0 {
				return fmt.Errorf("%w: variant %s needs a positive step count", types.ErrConfiguration, name)
			}
		}
	}
	return nil
}
