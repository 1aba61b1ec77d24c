// Package analyzer inspects a source image and its derived masks before
// generation: size checks and the subject statistics the ratio gate compares
// against.
package analyzer

import (
	"fmt"
	"image"

	"github.com/menta2k/backdrop/pkg/mask"
	"github.com/menta2k/backdrop/pkg/types"
)

// Config holds the input requirements
type Config struct {
	MinImageSize int `mapstructure:"min_image_size" json:"min_image_size"`
	MaxImageSize int `mapstructure:"max_image_size" json:"max_image_size"`
	// SubjectThreshold is the level a mask pixel must reach to count as subject.
	SubjectThreshold uint8 `mapstructure:"subject_threshold" json:"subject_threshold"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MinImageSize:     64,
		MaxImageSize:     8192,
		SubjectThreshold: 128,
	}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// SubjectInfo describes the subject as seen by the core mask
type SubjectInfo struct {
	ImageInfo
	BBox     types.BBox `json:"bbox"`
	Found    bool       `json:"found"`
	Ratio    float64    `json:"ratio"`
	Coverage float64    `json:"coverage"`
}

// GetImageInfo returns basic information about an image
func GetImageInfo(img image.Image) ImageInfo {
	b := img.Bounds()
	info := ImageInfo{Width: b.Dx(), Height: b.Dy(), Area: b.Dx() * b.Dy()}
	if info.Height > 0 {
		info.AspectRatio = float64(info.Width) / float64(info.Height)
	}
	return info
}

// ValidateImage checks that a source image is usable
func ValidateImage(img image.Image, cfg Config) error {
	if img == nil {
		return fmt.Errorf("%w: no source image", types.ErrConfiguration)
	}
	b := img.Bounds()
	if b.Dx() < cfg.MinImageSize || b.Dy() < cfg.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrConfiguration, b.Dx(), b.Dy(), cfg.MinImageSize)
	}
	if cfg.MaxImageSize > 0 && (b.Dx() > cfg.MaxImageSize || b.Dy() > cfg.MaxImageSize) {
		return fmt.Errorf("%w: image too large: %dx%d (maximum: %d)",
			types.ErrConfiguration, b.Dx(), b.Dy(), cfg.MaxImageSize)
	}
	return nil
}

// InspectSubject measures the subject in a core mask
func InspectSubject(core *image.Gray, cfg Config) SubjectInfo {
	info := SubjectInfo{ImageInfo: GetImageInfo(core)}
	info.BBox, info.Found = mask.BBoxOf(core, cfg.SubjectThreshold)
	if !info.Found || info.Area == 0 {
		return info
	}
	info.Ratio = mask.AreaRatio(core, cfg.SubjectThreshold)
	info.Coverage = float64(mask.Count(mask.Threshold(core, cfg.SubjectThreshold))) / float64(info.Area)
	return info
}
