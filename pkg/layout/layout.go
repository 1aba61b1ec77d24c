// Package layout places a finished image on a fixed-size post page.
package layout

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Page describes a target canvas
type Page struct {
	Name       string
	Width      int
	Height     int
	Margin     int
	Background color.NRGBA
	// TileFill is the letterbox color inside the margin box
	TileFill color.NRGBA
}

var (
	paper  = color.NRGBA{250, 248, 245, 255}
	letter = color.NRGBA{245, 245, 245, 255}

	Portrait = Page{Name: "portrait", Width: 1080, Height: 1440, Margin: 64, Background: paper, TileFill: letter}
	Square   = Page{Name: "square", Width: 1080, Height: 1080, Margin: 48, Background: paper, TileFill: letter}
	Story    = Page{Name: "story", Width: 1080, Height: 1920, Margin: 64, Background: paper, TileFill: letter}
)

// Pages returns the known page presets
func Pages() []Page {
	return []Page{Portrait, Square, Story}
}

// ByName looks up a preset. An empty name means no layout.
func ByName(name string) (Page, bool, error) {
	if name == "" || name == "none" {
		return Page{}, false, nil
	}
	for _, p := range Pages() {
		if p.Name == name {
			return p, true, nil
		}
	}
	return Page{}, false, fmt.Errorf("unknown page layout %q", name)
}

// Contain scales img to fit inside the page margins without cropping and
// centers it. The subject's proportions are never changed.
func Contain(img image.Image, page Page) (*image.NRGBA, error) {
	boxW, boxH := page.Width-2*page.Margin, page.Height-2*page.Margin
	if boxW <= 0 || boxH <= 0 {
		return nil, fmt.Errorf("page %q has no room inside its margins", page.Name)
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image")
	}
	r := min(float64(boxW)/float64(b.Dx()), float64(boxH)/float64(b.Dy()))
	nw, nh := max(1, int(float64(b.Dx())*r)), max(1, int(float64(b.Dy())*r))
	resized := imaging.Resize(img, nw, nh, imaging.Lanczos)

	tile := imaging.New(boxW, boxH, page.TileFill)
	tile = imaging.Paste(tile, resized, image.Pt((boxW-nw)/2, (boxH-nh)/2))

	canvas := imaging.New(page.Width, page.Height, page.Background)
	return imaging.Paste(canvas, tile, image.Pt(page.Margin, page.Margin)), nil
}
