// Package detail restores high-frequency texture from the source photo inside
// the subject region of a rewritten image.
package detail

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/processing"
)

// Config controls the high-pass blend
type Config struct {
	Enabled    bool    `mapstructure:"enabled" json:"enabled"`
	Alpha      float64 `mapstructure:"alpha" json:"alpha"`
	BlurRadius float64 `mapstructure:"blur_radius" json:"blur_radius"`
	Threshold  int     `mapstructure:"threshold" json:"threshold"`
	InnerErode int     `mapstructure:"inner_erode" json:"inner_erode"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Alpha:      0.22,
		BlurRadius: 2.0,
		Threshold:  128,
		InnerErode: 4,
	}
}

// Normalize clamps alpha to [0, 0.6] and the blur radius to [0.2, 10]
func (c Config) Normalize() Config {
	c.Alpha = processing.Clamp(c.Alpha, 0, 0.6)
	c.BlurRadius = processing.Clamp(c.BlurRadius, 0.2, 10)
	c.Threshold = processing.ClampInt(c.Threshold, 1, 255)
	if c.InnerErode < 0 {
		c.InnerErode = 0
	}
	return c
}

// Transfer adds alpha * (source - blur(source)) to out inside the eroded core.
// Pixels outside the eroded core are copied unchanged. With alpha <= 0 the
// result is a pixel-identical copy of out.
func Transfer(source, out image.Image, core *image.Gray, cfg Config) *image.NRGBA {
	dst := processing.ToNRGBA(out)
	if cfg.Alpha <= 0 || core == nil {
		return dst
	}
	w, h := dst.Rect.Dx(), dst.Rect.Dy()

	region := mask.Threshold(mask.Fit(mask.FromImage(core), w, h), uint8(processing.ClampInt(cfg.Threshold, 1, 255)))
	region = mask.Erode(region, cfg.InnerErode)
	if mask.Count(region) == 0 {
		return dst
	}

	base := processing.ToNRGBA(processing.MatchSize(source, w, h))
	blurred := imaging.Blur(base, cfg.BlurRadius)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if region.Pix[y*region.Stride+x] == 0 {
				continue
			}
			i := y*dst.Stride + x*4
			for c := 0; c < 3; c++ {
				residual := float64(base.Pix[i+c]) - float64(blurred.Pix[i+c])
				v := float64(dst.Pix[i+c]) + cfg.Alpha*residual
				dst.Pix[i+c] = clampByte(v)
			}
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
