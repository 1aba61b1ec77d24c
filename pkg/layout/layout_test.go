package layout

import (
	"image"
	"image/color"
	"testing"
)

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{10, 20, 30, 255})
		}
	}
	return img
}

func TestContainPortrait(t *testing.T) {
	page, err := Contain(createTestImage(800, 800), Portrait)
	if err != nil {
		t.Fatalf("Contain failed: %v", err)
	}
	if page.Bounds().Dx() != 1080 || page.Bounds().Dy() != 1440 {
		t.Fatalf("Expected 1080x1440, got %v", page.Bounds())
	}
	if page.NRGBAAt(0, 0) != paper {
		t.Errorf("Expected margin color %v, got %v", paper, page.NRGBAAt(0, 0))
	}
	// a square source fills the box width and is letterboxed vertically
	if page.NRGBAAt(100, 100) != letter {
		t.Errorf("Expected letterbox color at top of tile, got %v", page.NRGBAAt(100, 100))
	}
	if c := page.NRGBAAt(540, 720); c.R != 10 || c.G != 20 || c.B != 30 {
		t.Errorf("Expected image content in the center, got %v", c)
	}
}

func TestByName(t *testing.T) {
	if _, ok, err := ByName(""); ok || err != nil {
		t.Error("Expected empty name to disable layout")
	}
	p, ok, err := ByName("story")
	if err != nil || !ok || p.Height != 1920 {
		t.Errorf("Unexpected story page %+v %v %v", p, ok, err)
	}
	if _, _, err := ByName("banner"); err == nil {
		t.Error("Expected unknown layout error")
	}
}

func TestContainRejectsBadPage(t *testing.T) {
	if _, err := Contain(createTestImage(10, 10), Page{Name: "tiny", Width: 10, Height: 10, Margin: 6}); err == nil {
		t.Error("Expected error for page without room")
	}
}
