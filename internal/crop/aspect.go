// Package crop compiles a smoothed crop trajectory into pixel crop rectangles for a
// renderer: it picks the crop size for the requested aspect ratio, converts normalized
// centers into clamped pixel offsets and coalesces still stretches into time ranges.
package crop

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/maauso/reframe-api/internal/motion"
)

// Static errors for crop compilation.
var (
	// ErrUnsupportedAspectRatio is returned when the requested ratio cannot be cut
	// from the source without letter-boxing.
	ErrUnsupportedAspectRatio = errors.New("crop: unsupported aspect ratio")
	// ErrInvalidAspectRatio is returned when an aspect ratio string cannot be parsed.
	ErrInvalidAspectRatio = errors.New("crop: invalid aspect ratio")
	// ErrInvalidSource is returned when the source resolution is not positive.
	ErrInvalidSource = errors.New("crop: invalid source dimensions")
)

// DefaultAspectRatio is the portrait ratio used when none is requested.
var DefaultAspectRatio = AspectRatio{Width: 9, Height: 16}

// AspectRatio is a target width:height ratio.
type AspectRatio struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// ParseAspectRatio parses "W:H" (for example "9:16"). An empty string yields
// DefaultAspectRatio.
func ParseAspectRatio(s string) (AspectRatio, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultAspectRatio, nil
	}

	w, h, ok := strings.Cut(s, ":")
	if !ok {
		return AspectRatio{}, fmt.Errorf("%w: %q", ErrInvalidAspectRatio, s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return AspectRatio{}, fmt.Errorf("%w: %q", ErrInvalidAspectRatio, s)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return AspectRatio{}, fmt.Errorf("%w: %q", ErrInvalidAspectRatio, s)
	}

	ar := AspectRatio{Width: width, Height: height}
	if !ar.IsValid() {
		return AspectRatio{}, fmt.Errorf("%w: %q", ErrInvalidAspectRatio, s)
	}
	return ar, nil
}

// IsValid returns true if both terms are positive.
func (a AspectRatio) IsValid() bool {
	return a.Width > 0 && a.Height > 0
}

// Ratio returns width divided by height.
func (a AspectRatio) Ratio() float64 {
	return float64(a.Width) / float64(a.Height)
}

// String returns the "W:H" form.
func (a AspectRatio) String() string {
	return fmt.Sprintf("%d:%d", a.Width, a.Height)
}

// Dimensions is the crop window size for one source resolution.
type Dimensions struct {
	SourceWidth  int `json:"source_width" yaml:"source_width"`
	SourceHeight int `json:"source_height" yaml:"source_height"`
	CropWidth    int `json:"crop_width" yaml:"crop_width"`
	CropHeight   int `json:"crop_height" yaml:"crop_height"`
}

// Geometry converts the dimensions for the motion planner.
func (d Dimensions) Geometry() motion.Geometry {
	return motion.Geometry{
		SourceWidth:  d.SourceWidth,
		SourceHeight: d.SourceHeight,
		CropWidth:    d.CropWidth,
		CropHeight:   d.CropHeight,
	}
}

// ComputeDimensions picks the largest crop of the requested ratio that keeps the full
// source height. A ratio wider than the source returns ErrUnsupportedAspectRatio: the
// engine reframes by moving a full-height window and never letter-boxes.
func ComputeDimensions(aspect AspectRatio, sourceWidth, sourceHeight int) (Dimensions, error) {
	if !aspect.IsValid() {
		return Dimensions{}, fmt.Errorf("%w: %s", ErrInvalidAspectRatio, aspect)
	}
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return Dimensions{}, fmt.Errorf("%w: %dx%d", ErrInvalidSource, sourceWidth, sourceHeight)
	}

	cropWidth := int(math.Round(float64(sourceHeight) * aspect.Ratio()))
	if cropWidth > sourceWidth || cropWidth < 1 {
		return Dimensions{}, fmt.Errorf("%w: %s does not fit a %dx%d source",
			ErrUnsupportedAspectRatio, aspect, sourceWidth, sourceHeight)
	}

	return Dimensions{
		SourceWidth:  sourceWidth,
		SourceHeight: sourceHeight,
		CropWidth:    cropWidth,
		CropHeight:   sourceHeight,
	}, nil
}
