package types

import (
	"image"
	"time"
)

// VariantName identifies a generation strength
type VariantName string

const (
	Medium     VariantName = "medium"
	Aggressive VariantName = "aggressive"
)

// EngineKind selects the generation strategy
type EngineKind string

const (
	EngineMask   EngineKind = "v2_mask"
	EngineLegacy EngineKind = "v1_fullimg_pasteback"
)

// StylePreset selects the directive family
type StylePreset string

const (
	PresetUGC    StylePreset = "ugc"
	PresetGlossy StylePreset = "glossy"
)

// Variant is one generation strength with its model parameters
type Variant struct {
	Name     VariantName `json:"name"`
	Strength float64     `json:"strength"`
	Guidance float64     `json:"guidance"`
	Steps    int         `json:"steps"`
	// ExtraEditErode shrinks the edit region further, in pixels.
	ExtraEditErode int `json:"extra_edit_erode"`
	// Gated variants are checked for subject drift before acceptance.
	Gated bool `json:"gated"`
}

// BBox is a pixel bounding box, X1 and Y1 exclusive
type BBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Empty reports whether the box has no area
func (b BBox) Empty() bool {
	return b.X1 <= b.X0 || b.Y1 <= b.Y0
}

// Area returns the box area in pixels
func (b BBox) Area() int {
	if b.Empty() {
		return 0
	}
	return (b.X1 - b.X0) * (b.Y1 - b.Y0)
}

// ProductMask holds the derived region planes. 255 marks membership.
type ProductMask struct {
	Core    *image.Gray
	Protect *image.Gray
	Edit    *image.Gray
}

// Bounds returns the shared bounds of the planes
func (m *ProductMask) Bounds() image.Rectangle {
	return m.Core.Bounds()
}

// Brief is the content description the directive resolver works from
type Brief struct {
	Title       string      `json:"title"`
	Bullets     []string    `json:"bullets"`
	StylePrompt string      `json:"style_prompt"`
	StylePreset StylePreset `json:"style_preset"`
}

// Directive is the resolved text sent to the rewrite model
type Directive struct {
	Prompt   string `json:"prompt"`
	Negative string `json:"negative"`
}

// RewriteRequest is one call to the rewrite model
type RewriteRequest struct {
	Image     image.Image
	Mask      *image.Gray // nil requests a whole-image rewrite
	Directive Directive
	Strength  float64
	Guidance  float64
	Steps     int
}

// Attempt is one rewrite call for one variant
type Attempt struct {
	Index    int           `json:"index"`
	Strength float64       `json:"strength"`
	Ratio    float64       `json:"ratio"`
	Measured bool          `json:"measured"`
	Drift    float64       `json:"drift"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Image    image.Image   `json:"-"`
}

// RunArtifact is the accepted output for one variant
type RunArtifact struct {
	Variant  VariantName `json:"variant"`
	Engine   EngineKind  `json:"engine"`
	State    string      `json:"state"`
	Ref      string      `json:"ref"`
	Accepted int         `json:"accepted_attempt"`
	Fallback bool        `json:"fallback"`
	Ratio    float64     `json:"ratio"`
	Attempts []Attempt   `json:"attempts"`
	Note     string      `json:"note,omitempty"`
	Image    image.Image `json:"-"`
}

// VariantFailure reports a variant that produced no artifact
type VariantFailure struct {
	Variant   VariantName `json:"variant"`
	Error     string      `json:"error"`
	Attempts  []Attempt   `json:"attempts,omitempty"`
	// Abandoned is set when the variant was cut short by a sibling's fatal error
	Abandoned bool `json:"abandoned,omitempty"`
}

// Request is a single source image to rewrite
type Request struct {
	RunID    string
	Index    int
	Source   image.Image
	Matte    *image.Gray // optional; fetched from the matting service when nil
	Variants []VariantName
	Brief    Brief
}

// Result collects every terminal outcome of a request
type Result struct {
	RunID       string           `json:"run_id"`
	Index       int              `json:"index"`
	Engine      EngineKind       `json:"engine"`
	InputRatio  float64          `json:"input_ratio"`
	Artifacts   []RunArtifact    `json:"artifacts"`
	Failures    []VariantFailure `json:"failures,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Artifact returns the artifact for a variant, if any
func (r *Result) Artifact(name VariantName) (RunArtifact, bool) {
	for _, a := range r.Artifacts {
		if a.Variant == name {
			return a, true
		}
	}
	return RunArtifact{}, false
}
