package pipeline

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/processing"
)

// CompositeConfig controls the legacy paste-back of the original subject
type CompositeConfig struct {
	Feather       float64 `mapstructure:"feather" json:"feather"`
	ShadowBand    float64 `mapstructure:"shadow_band" json:"shadow_band"`
	ShadowBlur    float64 `mapstructure:"shadow_blur" json:"shadow_blur"`
	ShadowOpacity float64 `mapstructure:"shadow_opacity" json:"shadow_opacity"`
	ShadowOffset  int     `mapstructure:"shadow_offset" json:"shadow_offset"`
	// MinSubjectPixels below which no contact shadow is drawn
	MinSubjectPixels int `mapstructure:"min_subject_pixels" json:"min_subject_pixels"`
}

func DefaultCompositeConfig() CompositeConfig {
	return CompositeConfig{
		Feather:          3,
		ShadowBand:       0.10,
		ShadowBlur:       10,
		ShadowOpacity:    0.18,
		ShadowOffset:     2,
		MinSubjectPixels: 50,
	}
}

const shadowLevel = 51 // 0.2 of full alpha

// PasteBack composites fg over bg through a feathered copy of matte, after
// darkening bg with a short contact shadow under the subject. Pixels where the
// feathered matte is opaque are copied from fg unchanged.
func PasteBack(bg, fg image.Image, matte *image.Gray, cfg CompositeConfig) *image.NRGBA {
	out := processing.ToNRGBA(bg)
	w, h := out.Rect.Dx(), out.Rect.Dy()
	front := processing.ToNRGBA(processing.MatchSize(fg, w, h))
	m := mask.Fit(mask.FromImage(matte), w, h)

	if shadow := ContactShadow(m, cfg); shadow != nil {
		for i, s := range shadow.Pix {
			if s == 0 {
				continue
			}
			k := 1 - float64(s)/255
			p := out.Pix[i*4 : i*4+3]
			p[0] = uint8(float64(p[0])*k + 0.5)
			p[1] = uint8(float64(p[1])*k + 0.5)
			p[2] = uint8(float64(p[2])*k + 0.5)
		}
	}

	alpha := m
	if cfg.Feather > 0 {
		alpha = redPlane(imaging.Blur(m, cfg.Feather))
	}

	for i, a := range alpha.Pix {
		if a == 0 {
			continue
		}
		o := out.Pix[i*4 : i*4+4]
		f := front.Pix[i*4 : i*4+4]
		if a == 255 {
			copy(o, f)
			o[3] = 255
			continue
		}
		t := float64(a) / 255
		for c := 0; c < 3; c++ {
			o[c] = uint8(float64(o[c])*(1-t) + float64(f[c])*t + 0.5)
		}
	}
	return out
}

// ContactShadow builds the shadow plane for a subject matte: the lowest band of
// the subject, nudged down and blurred, scaled by the opacity. Returns nil when
// the subject is too small or the shadow is disabled.
func ContactShadow(m *image.Gray, cfg CompositeConfig) *image.Gray {
	if cfg.ShadowOpacity <= 0 {
		return nil
	}
	box, ok := mask.BBoxOf(m, shadowLevel)
	if !ok || mask.Count(mask.Threshold(m, shadowLevel)) < cfg.MinSubjectPixels {
		return nil
	}

	w, h := m.Rect.Dx(), m.Rect.Dy()
	bandH := max(2, int(float64(box.Y1-box.Y0)*cfg.ShadowBand))
	y0 := max(0, box.Y1-1-bandH)

	band := image.NewGray(image.Rect(0, 0, w, h))
	for y := y0; y < box.Y1; y++ {
		ty := y + cfg.ShadowOffset
		if ty < 0 || ty >= h {
			continue
		}
		copy(band.Pix[ty*band.Stride:ty*band.Stride+w], m.Pix[y*m.Stride:y*m.Stride+w])
	}

	shadow := band
	if cfg.ShadowBlur > 0 {
		shadow = redPlane(imaging.Blur(band, cfg.ShadowBlur))
	}
	for i, v := range shadow.Pix {
		shadow.Pix[i] = uint8(float64(v)*cfg.ShadowOpacity + 0.5)
	}
	return shadow
}

func redPlane(img *image.NRGBA) *image.Gray {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			out.Pix[y*out.Stride+x] = row[x*4]
		}
	}
	return out
}
