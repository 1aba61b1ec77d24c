package mask

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/backdrop/pkg/types"
)

// createSquareMatte returns a w x h matte with a solid square and a soft halo
func createSquareMatte(w, h, x0, y0, x1, y1 int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch {
			case x >= x0 && x < x1 && y >= y0 && y < y1:
				m.SetGray(x, y, color.Gray{Y: 255})
			case x >= x0-3 && x < x1+3 && y >= y0-3 && y < y1+3:
				m.SetGray(x, y, color.Gray{Y: 90})
			}
		}
	}
	return m
}

func TestDeriveSubsetAndDisjoint(t *testing.T) {
	matte := createSquareMatte(64, 48, 16, 12, 48, 36)
	// sprinkle isolated speckles so opening has something to remove
	matte.SetGray(2, 2, color.Gray{Y: 255})
	matte.SetGray(60, 40, color.Gray{Y: 200})

	configs := []Config{
		DefaultConfig(),
		{CoreThreshold: 200, ProtectThreshold: 50, OpenRadius: 2, ErodeRadius: 1, DilateRadius: 0},
		{CoreThreshold: 128, ProtectThreshold: 128, OpenRadius: 0, DilateRadius: 12},
		{CoreThreshold: 10, ProtectOffset: 48, MinProtectThreshold: 32, DilateRadius: 3},
	}

	for i, cfg := range configs {
		pm, err := Derive(nil, matte, cfg)
		if err != nil {
			t.Fatalf("config %d: unexpected error: %v", i, err)
		}
		for p := range pm.Core.Pix {
			if pm.Core.Pix[p] != 0 && pm.Protect.Pix[p] == 0 {
				t.Fatalf("config %d: core pixel %d outside protect", i, p)
			}
			if pm.Edit.Pix[p] != 0 && pm.Protect.Pix[p] != 0 {
				t.Fatalf("config %d: edit and protect overlap at %d", i, p)
			}
		}
	}
}

func TestDeriveRemovesSpeckles(t *testing.T) {
	matte := createSquareMatte(64, 48, 16, 12, 48, 36)
	matte.SetGray(2, 2, color.Gray{Y: 255})

	pm, err := Derive(nil, matte, DefaultConfig())
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if pm.Core.GrayAt(2, 2).Y != 0 {
		t.Error("Expected isolated speckle to be removed from core")
	}
	if pm.Core.GrayAt(32, 24).Y != 255 {
		t.Error("Expected square center to be in core")
	}
	if pm.Edit.GrayAt(16-4, 24).Y != 0 {
		t.Error("Expected dilated protection to cover the halo border")
	}
	if pm.Edit.GrayAt(0, 47).Y != 255 {
		t.Error("Expected far corner to be editable")
	}
}

func TestProtectThresholdDefault(t *testing.T) {
	cases := []struct {
		cfg     Config
		protect int
	}{
		{Config{CoreThreshold: 128, ProtectOffset: 48, MinProtectThreshold: 32}, 80},
		{Config{CoreThreshold: 60, ProtectOffset: 48, MinProtectThreshold: 32}, 32},
		{Config{CoreThreshold: 20, ProtectOffset: 48, MinProtectThreshold: 32}, 20},
		{Config{CoreThreshold: 128, ProtectThreshold: 100}, 100},
	}
	for _, c := range cases {
		_, protect, err := c.cfg.Thresholds()
		if err != nil {
			t.Fatalf("Thresholds(%+v) failed: %v", c.cfg, err)
		}
		if protect != c.protect {
			t.Errorf("Expected protect threshold %d, got %d", c.protect, protect)
		}
	}
}

func TestDeriveRejectsInvertedThresholds(t *testing.T) {
	matte := createSquareMatte(16, 16, 4, 4, 12, 12)
	_, err := Derive(nil, matte, Config{CoreThreshold: 100, ProtectThreshold: 150})
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestDeriveMissingMatte(t *testing.T) {
	_, err := Derive(nil, nil, DefaultConfig())
	if !errors.Is(err, types.ErrMissingMatte) || !types.IsConfiguration(err) {
		t.Errorf("Expected missing matte configuration error, got %v", err)
	}
}

func TestDeriveResamplesMatte(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 80, 60))
	matte := createSquareMatte(40, 30, 10, 10, 30, 20)

	pm, err := Derive(src, matte, DefaultConfig())
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if pm.Bounds().Dx() != 80 || pm.Bounds().Dy() != 60 {
		t.Errorf("Expected 80x60 masks, got %v", pm.Bounds())
	}
}

func TestMorphology(t *testing.T) {
	m := image.NewGray(image.Rect(0, 0, 9, 9))
	m.SetGray(4, 4, color.Gray{Y: 255})

	d := Dilate(m, 1)
	if Count(d) != 9 {
		t.Errorf("Expected 9 pixels after dilation by 1, got %d", Count(d))
	}
	if Count(Erode(d, 1)) != 1 {
		t.Errorf("Expected erosion to undo dilation on an isolated block")
	}
	if Count(Open(m, 1)) != 0 {
		t.Errorf("Expected opening to remove a single pixel")
	}
	if got := Count(Dilate(m, 3)); got != 49 {
		t.Errorf("Expected a 7x7 square after dilation by 3, got %d pixels", got)
	}
}

func TestMorphologyAtBorder(t *testing.T) {
	m := image.NewGray(image.Rect(0, 0, 9, 9))
	m.SetGray(0, 0, color.Gray{Y: 255})
	if got := Count(Dilate(m, 2)); got != 9 {
		t.Errorf("Expected a clipped 3x3 corner block, got %d pixels", got)
	}

	full := Threshold(m, 0)
	if got := Count(Erode(full, 2)); got != 81 {
		t.Errorf("Expected erosion to keep a full plane, got %d pixels", got)
	}
	if got := Count(Invert(full)); got != 0 {
		t.Errorf("Expected inverted full plane to be empty, got %d pixels", got)
	}
}

func TestThresholdBoundary(t *testing.T) {
	m := image.NewGray(image.Rect(0, 0, 3, 1))
	m.Pix[0], m.Pix[1], m.Pix[2] = 127, 128, 200
	out := Threshold(m, 128)
	want := []uint8{0, 255, 255}
	for i, v := range want {
		if out.Pix[i] != v {
			t.Errorf("Pixel %d: expected %d, got %d", i, v, out.Pix[i])
		}
	}
}

func TestShrinkEdit(t *testing.T) {
	edit := Invert(createSquareMatte(32, 32, 8, 8, 24, 24))
	edit = Threshold(edit, 128)
	shrunk := ShrinkEdit(edit, 3)
	if Count(shrunk) >= Count(edit) {
		t.Errorf("Expected shrunk edit region, got %d >= %d", Count(shrunk), Count(edit))
	}
	for i := range shrunk.Pix {
		if shrunk.Pix[i] != 0 && edit.Pix[i] == 0 {
			t.Fatalf("Shrunk edit grew at %d", i)
		}
	}
	if ShrinkEdit(edit, 0) != edit {
		t.Error("Expected zero erosion to return the same plane")
	}
}

func TestAreaRatio(t *testing.T) {
	matte := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 25; y < 75; y++ {
		for x := 25; x < 75; x++ {
			matte.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	if r := AreaRatio(matte, 128); r != 0.25 {
		t.Errorf("Expected ratio 0.25, got %f", r)
	}
	box, ok := BBoxOf(matte, 128)
	if !ok || box != (types.BBox{X0: 25, Y0: 25, X1: 75, Y1: 75}) {
		t.Errorf("Unexpected bbox %+v", box)
	}
	if r := AreaRatio(image.NewGray(image.Rect(0, 0, 10, 10)), 128); r != 0 {
		t.Errorf("Expected empty ratio 0, got %f", r)
	}
}
