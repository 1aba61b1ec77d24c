// Package mask derives the core, protect and edit regions of a product photo
// from a foreground matte.
//
// White (255) always marks membership: core and protect pixels belong to the
// subject, edit pixels may be rewritten by the generative model.
package mask

import (
	"fmt"
	"image"

	"github.com/menta2k/backdrop/pkg/types"
)

// Config holds the thresholds and morphology radii
type Config struct {
	CoreThreshold int `mapstructure:"core_threshold" json:"core_threshold"`
	// ProtectThreshold of 0 derives CoreThreshold - ProtectOffset, floored at MinProtectThreshold.
	ProtectThreshold    int `mapstructure:"protect_threshold" json:"protect_threshold"`
	ProtectOffset       int `mapstructure:"protect_offset" json:"protect_offset"`
	MinProtectThreshold int `mapstructure:"min_protect_threshold" json:"min_protect_threshold"`
	OpenRadius          int `mapstructure:"open_radius" json:"open_radius"`
	ErodeRadius         int `mapstructure:"erode_radius" json:"erode_radius"`
	DilateRadius        int `mapstructure:"dilate_radius" json:"dilate_radius"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		CoreThreshold:       128,
		ProtectOffset:       48,
		MinProtectThreshold: 32,
		OpenRadius:          1,
		ErodeRadius:         0,
		DilateRadius:        8,
	}
}

// Thresholds resolves the effective core and protect thresholds
func (c Config) Thresholds() (core, protect int, err error) {
	core = c.CoreThreshold
	if core < 1 || core > 255 {
		return 0, 0, fmt.Errorf("%w: core threshold %d out of range 1..255", types.ErrConfiguration, core)
	}
	protect = c.ProtectThreshold
	if protect == 0 {
		protect = core - c.ProtectOffset
		if protect < c.MinProtectThreshold {
			protect = c.MinProtectThreshold
		}
		if protect > core {
			protect = core
		}
		if protect < 1 {
			protect = 1
		}
	}
	if protect < 1 || protect > 255 {
		return 0, 0, fmt.Errorf("%w: protect threshold %d out of range 1..255", types.ErrConfiguration, protect)
	}
	if protect > core {
		return 0, 0, fmt.Errorf("%w: protect threshold %d above core threshold %d", types.ErrConfiguration, protect, core)
	}
	return core, protect, nil
}

// Validate checks thresholds and radii
func (c Config) Validate() error {
	if _, _, err := c.Thresholds(); err != nil {
		return err
	}
	if c.OpenRadius < 0 || c.ErodeRadius < 0 || c.DilateRadius < 0 {
		return fmt.Errorf("%w: morphology radii must be non-negative", types.ErrConfiguration)
	}
	return nil
}

// Derive builds the mask triple for source from matte. The matte is resampled
// to the source size when the two disagree.
func Derive(source image.Image, matte *image.Gray, cfg Config) (*types.ProductMask, error) {
	if matte == nil {
		return nil, types.ErrMissingMatte
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	core, protect, _ := cfg.Thresholds()

	m := FromImage(matte)
	if source != nil {
		b := source.Bounds()
		m = Fit(m, b.Dx(), b.Dy())
	}

	coreMask := Open(Threshold(m, uint8(core)), cfg.OpenRadius)
	if cfg.ErodeRadius > 0 {
		coreMask = Erode(coreMask, cfg.ErodeRadius)
	}
	protectMask := Threshold(m, uint8(protect))
	edit := Invert(Dilate(protectMask, cfg.DilateRadius))

	return &types.ProductMask{Core: coreMask, Protect: protectMask, Edit: edit}, nil
}

// ShrinkEdit erodes the edit region by px, moving edits away from the subject
func ShrinkEdit(edit *image.Gray, px int) *image.Gray {
	if px <= 0 {
		return edit
	}
	return Erode(edit, px)
}

// BBoxOf returns the bounding box of pixels >= t
func BBoxOf(m *image.Gray, t uint8) (types.BBox, bool) {
	w, h := m.Rect.Dx(), m.Rect.Dy()
	box := types.BBox{X0: w, Y0: h}
	found := false
	for y := 0; y < h; y++ {
		row := m.Pix[y*m.Stride : y*m.Stride+w]
		for x, v := range row {
			if v < t {
				continue
			}
			found = true
			if x < box.X0 {
				box.X0 = x
			}
			if x+1 > box.X1 {
				box.X1 = x + 1
			}
			if y < box.Y0 {
				box.Y0 = y
			}
			box.Y1 = y + 1
		}
	}
	if !found {
		return types.BBox{}, false
	}
	return box, true
}

// AreaRatio is the subject bounding-box area over the image area. An empty
// plane yields 0.
func AreaRatio(m *image.Gray, t uint8) float64 {
	total := m.Rect.Dx() * m.Rect.Dy()
	if total == 0 {
		return 0
	}
	box, ok := BBoxOf(m, t)
	if !ok {
		return 0
	}
	return float64(box.Area()) / float64(total)
}
