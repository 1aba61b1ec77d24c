// Package realism gives a rewritten image uniform phone-capture statistics so
// the subject and the synthesized background share one texture.
package realism

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"

	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/processing"
)

// Config holds the fixed parts of the chain
type Config struct {
	Enabled        bool    `mapstructure:"enabled" json:"enabled"`
	JPEGQuality    int     `mapstructure:"jpeg_quality" json:"jpeg_quality"`
	Vignette       float64 `mapstructure:"vignette" json:"vignette"`
	ChromaNoise    float64 `mapstructure:"chroma_noise" json:"chroma_noise"`
	ShadowBoost    float64 `mapstructure:"shadow_boost" json:"shadow_boost"`
	MaxRotateDeg   float64 `mapstructure:"max_rotate_deg" json:"max_rotate_deg"`
	BackgroundBlur bool    `mapstructure:"background_blur" json:"background_blur"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		JPEGQuality:    88,
		Vignette:       0.06,
		ChromaNoise:    0.012,
		ShadowBoost:    0.75,
		MaxRotateDeg:   1.6,
		BackgroundBlur: true,
	}
}

// Params is one concrete realization of the chain
type Params struct {
	Noise          float64 `json:"noise"`
	ChromaNoise    float64 `json:"chroma_noise"`
	ShadowBoost    float64 `json:"shadow_boost"`
	Contrast       float64 `json:"contrast"`
	Saturation     float64 `json:"saturation"`
	Sharpness      float64 `json:"sharpness"`
	Blur           float64 `json:"blur"`
	BackgroundBlur float64 `json:"background_blur"`
	WhiteBalance   float64 `json:"white_balance"`
	Exposure       float64 `json:"exposure"`
	Vignette       float64 `json:"vignette"`
	JPEGQuality    int     `json:"jpeg_quality"`
	RotateDeg      float64 `json:"rotate_deg"`
}

// Neutral returns params that leave an image unchanged
func Neutral() Params {
	return Params{Contrast: 1, Saturation: 1, Sharpness: 1, Exposure: 1}
}

var rotateFill = color.NRGBA{245, 245, 245, 255}

// Apply runs the chain in a fixed order: background blur, rotation, tone,
// softening, white balance with exposure, vignette, noise, JPEG round trip.
// edit may be nil, which disables the background blur.
func Apply(img image.Image, edit *image.Gray, p Params, rng *rand.Rand) (*image.NRGBA, error) {
	out := processing.ToNRGBA(img)
	w, h := out.Rect.Dx(), out.Rect.Dy()

	if p.BackgroundBlur > 0 && edit != nil {
		out = blurBackground(out, mask.Fit(mask.FromImage(edit), w, h), p.BackgroundBlur)
	}

	if math.Abs(p.RotateDeg) > 0.01 {
		out = imaging.CropCenter(imaging.Rotate(out, p.RotateDeg, rotateFill), w, h)
	}

	if p.Contrast > 0 && p.Contrast != 1 {
		out = imaging.AdjustContrast(out, (p.Contrast-1)*100)
	}
	if p.Saturation > 0 && p.Saturation != 1 {
		out = imaging.AdjustSaturation(out, (p.Saturation-1)*100)
	}
	if p.Sharpness > 0 && p.Sharpness < 1 {
		soft := imaging.Blur(out, 1.0)
		out = blend(soft, out, p.Sharpness)
	}
	if p.Blur > 0 {
		out = imaging.Blur(out, p.Blur)
	}

	if p.WhiteBalance != 0 || (p.Exposure > 0 && p.Exposure != 1) {
		exp := p.Exposure
		if exp <= 0 {
			exp = 1
		}
		wb := p.WhiteBalance
		out = imaging.AdjustFunc(out, func(c color.NRGBA) color.NRGBA {
			return color.NRGBA{
				R: clampByte(float64(c.R) * exp * (1 + wb)),
				G: clampByte(float64(c.G) * exp),
				B: clampByte(float64(c.B) * exp * (1 - wb)),
				A: c.A,
			}
		})
	}

	if p.Vignette > 1e-6 {
		vignette(out, p.Vignette)
	}
	if (p.Noise > 0 || p.ChromaNoise > 0) && rng != nil {
		addNoise(out, p, rng)
	}

	if p.JPEGQuality > 0 {
		q := processing.ClampInt(p.JPEGQuality, 60, 96)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
		decoded, err := jpeg.Decode(&buf)
		if err != nil {
			return nil, err
		}
		out = processing.ToNRGBA(decoded)
	}
	return out, nil
}

// blurBackground mixes a blurred copy in where edit is set. The weight ramps
// up over a short feather band and is zero outside the edit region.
func blurBackground(img *image.NRGBA, edit *image.Gray, sigma float64) *image.NRGBA {
	blurred := imaging.Blur(img, sigma)
	feather := imaging.Blur(edit, 2.0)
	out := imaging.Clone(img)
	w, h := out.Rect.Dx(), out.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if edit.Pix[y*edit.Stride+x] == 0 {
				continue
			}
			a := float64(feather.Pix[y*feather.Stride+x*4]) / 255
			i := y*out.Stride + x*4
			for c := 0; c < 3; c++ {
				out.Pix[i+c] = clampByte(float64(out.Pix[i+c])*(1-a) + float64(blurred.Pix[i+c])*a)
			}
		}
	}
	return out
}

// blend returns a + t*(b-a) per channel
func blend(a, b *image.NRGBA, t float64) *image.NRGBA {
	out := image.NewNRGBA(b.Rect)
	for i := range out.Pix {
		if i%4 == 3 {
			out.Pix[i] = b.Pix[i]
			continue
		}
		out.Pix[i] = clampByte(float64(a.Pix[i]) + t*(float64(b.Pix[i])-float64(a.Pix[i])))
	}
	return out
}

func vignette(img *image.NRGBA, strength float64) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cx, cy := float64(w-1)/2, float64(h-1)/2
	for y := 0; y < h; y++ {
		dy := (float64(y) - cy) / math.Max(1, cy)
		for x := 0; x < w; x++ {
			dx := (float64(x) - cx) / math.Max(1, cx)
			rr := math.Min(dx*dx+dy*dy, 1.5)
			v := processing.Clamp(1-strength*math.Pow(rr, 1.15), 0.78, 1)
			i := y*img.Stride + x*4
			for c := 0; c < 3; c++ {
				img.Pix[i+c] = clampByte(float64(img.Pix[i+c]) * v)
			}
		}
	}
}

// addNoise adds gaussian luma and chroma noise, stronger in the shadows
func addNoise(img *image.NRGBA, p Params, rng *rand.Rand) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			r, g, b := float64(img.Pix[i])/255, float64(img.Pix[i+1])/255, float64(img.Pix[i+2])/255
			luma := 0.2126*r + 0.7152*g + 0.0722*b
			weight := 1 + p.ShadowBoost*math.Pow(1-luma, 2.2)
			n := rng.NormFloat64() * p.Noise
			for c := 0; c < 3; c++ {
				v := float64(img.Pix[i+c]) / 255
				v += n * weight
				if p.ChromaNoise > 0 {
					v += rng.NormFloat64() * p.ChromaNoise * weight
				}
				img.Pix[i+c] = clampByte(v * 255)
			}
		}
	}
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
