// Package saliency provides the detection data model and the aggregator that folds raw
// per-frame detections into a prioritized, weighted summary for one sampled timestamp.
package saliency

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRegion is returned when a region violates the detector contract:
// an unknown kind, or a confidence or box value that is not a finite number in [0,1].
var ErrInvalidRegion = errors.New("saliency: invalid region")

// Kind identifies what a detected region contains.
type Kind string

const (
	// KindFace is a detected face.
	KindFace Kind = "face"
	// KindPerson is a detected body or pose.
	KindPerson Kind = "person"
	// KindObject is a generic detected object.
	KindObject Kind = "object"
	// KindMovement is an area of significant motion.
	KindMovement Kind = "movement"
)

// IsValid returns true if the kind is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindFace, KindPerson, KindObject, KindMovement:
		return true
	default:
		return false
	}
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRegion, s)
	}
	return k, nil
}

// priority orders kinds for FrameSaliency.Regions; lower comes first.
func (k Kind) priority() int {
	switch k {
	case KindFace:
		return 0
	case KindPerson:
		return 1
	case KindMovement:
		return 2
	default:
		return 3
	}
}

// baseWeight is the fixed per-kind contribution to the weighted centroid.
func (k Kind) baseWeight() float64 {
	switch k {
	case KindFace:
		return 0.9
	case KindPerson:
		return 0.8
	case KindMovement:
		return 0.4
	default:
		return 0.2
	}
}

// Point is a normalized position in the source frame.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Box is a normalized bounding box relative to the source frame.
type Box struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Center returns the center of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Region is one detected subject in one frame.
type Region struct {
	Kind       Kind    `json:"kind" yaml:"kind"`
	Box        Box     `json:"box" yaml:"box"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	// Required marks subjects that must stay in frame.
	Required bool `json:"required" yaml:"required"`
}

// NewRegion creates a Region with the default framing policy:
// faces and persons are required in frame.
func NewRegion(kind Kind, box Box, confidence float64) Region {
	return Region{
		Kind:       kind,
		Box:        box,
		Confidence: confidence,
		Required:   kind == KindFace || kind == KindPerson,
	}
}

// Validate checks the region against the detector contract.
func (r Region) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRegion, r.Kind)
	}
	if !inUnit(r.Confidence) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidRegion, r.Confidence)
	}
	for _, v := range []float64{r.Box.X, r.Box.Y, r.Box.Width, r.Box.Height} {
		if !inUnit(v) {
			return fmt.Errorf("%w: box %+v outside [0,1]", ErrInvalidRegion, r.Box)
		}
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
