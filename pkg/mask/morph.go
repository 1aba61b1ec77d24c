package mask

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// FromImage converts any image to a zero-origin gray plane
func FromImage(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(g.Pix[y*g.Stride:y*g.Stride+b.Dx()], src.Pix[i:i+b.Dx()])
		}
		return g
	}
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// Fit resamples m to w x h with nearest neighbour. m is returned as is when it already fits.
func Fit(m *image.Gray, w, h int) *image.Gray {
	if m.Bounds().Dx() == w && m.Bounds().Dy() == h {
		return m
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), m, m.Bounds(), xdraw.Src, nil)
	return out
}

// Threshold marks pixels >= t as 255 and the rest as 0
func Threshold(m *image.Gray, t uint8) *image.Gray {
	return FromImage(imaging.AdjustFunc(m, func(c color.NRGBA) color.NRGBA {
		v := uint8(0)
		if c.R >= t {
			v = 255
		}
		return color.NRGBA{v, v, v, 255}
	}))
}

// Invert flips every pixel
func Invert(m *image.Gray) *image.Gray {
	return FromImage(imaging.Invert(m))
}

// Dilate applies a (2r+1) square max filter. r <= 0 returns a copy.
func Dilate(m *image.Gray, r int) *image.Gray {
	return morph(m, r, effect.Dilate)
}

// Erode applies a (2r+1) square min filter. r <= 0 returns a copy.
func Erode(m *image.Gray, r int) *image.Gray {
	return morph(m, r, effect.Erode)
}

// Open is erosion followed by dilation with the same radius
func Open(m *image.Gray, r int) *image.Gray {
	if r <= 0 {
		return clone(m)
	}
	return Dilate(Erode(m, r), r)
}

// Intersect keeps pixels set in both planes
func Intersect(a, b *image.Gray) *image.Gray {
	out := image.NewGray(a.Rect)
	for i := range a.Pix {
		if a.Pix[i] != 0 && b.Pix[i] != 0 {
			out.Pix[i] = 255
		}
	}
	return out
}

// Count returns the number of non-zero pixels
func Count(m *image.Gray) int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func clone(m *image.Gray) *image.Gray {
	out := image.NewGray(m.Rect)
	copy(out.Pix, m.Pix)
	return out
}

// morph runs the 3x3 filter r times, which equals one (2r+1) square
// window. The filter extends edges, so pixels outside the plane never
// contribute a value of their own.
func morph(m *image.Gray, r int, filter func(image.Image, float64) *image.RGBA) *image.Gray {
	if r <= 0 {
		return clone(m)
	}
	var img image.Image = m
	for i := 0; i < r; i++ {
		img = filter(img, 1)
	}
	return FromImage(img)
}
