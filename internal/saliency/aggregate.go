package saliency

import (
	"cmp"
	"fmt"
	"slices"
)

// DefaultConfidenceFloor is the minimum confidence a detection needs to be kept.
const DefaultConfidenceFloor = 0.5

// requiredBoost multiplies the weight of regions that must stay in frame.
const requiredBoost = 1.2

// FrameSaliency is the aggregated summary of one sampled timestamp.
type FrameSaliency struct {
	// Timestamp is the sample time in seconds.
	Timestamp float64 `json:"timestamp" yaml:"timestamp"`
	// Regions are ordered face, person, movement, object; ties by confidence descending.
	Regions []Region `json:"regions" yaml:"regions"`
	// Centroid is the weighted center of Regions. It is nil iff Regions is empty.
	Centroid *Point `json:"centroid,omitempty" yaml:"centroid,omitempty"`
}

// HasSubject returns true if at least one region survived aggregation.
func (f FrameSaliency) HasSubject() bool {
	return f.Centroid != nil
}

// MaxConfidence returns the highest region confidence, or 0 when empty.
func (f FrameSaliency) MaxConfidence() float64 {
	best := 0.0
	for _, r := range f.Regions {
		best = max(best, r.Confidence)
	}
	return best
}

// Aggregate folds raw detections for one frame into a FrameSaliency.
//
// Confidences and box centers are clamped to [0,1]; detections below floor are dropped.
// A region whose kind is outside the known set returns ErrInvalidRegion.
// Aggregate is a pure function of its inputs.
func Aggregate(timestamp float64, detections []Region, floor float64) (FrameSaliency, error) {
	out := FrameSaliency{Timestamp: timestamp, Regions: []Region{}}

	for _, d := range detections {
		if !d.Kind.IsValid() {
			return FrameSaliency{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRegion, d.Kind)
		}
		d.Confidence = clamp01(d.Confidence)
		if d.Confidence < floor {
			continue
		}
		out.Regions = append(out.Regions, d)
	}

	if len(out.Regions) == 0 {
		return out, nil
	}

	slices.SortStableFunc(out.Regions, func(a, b Region) int {
		if c := cmp.Compare(a.Kind.priority(), b.Kind.priority()); c != 0 {
			return c
		}
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	var sumX, sumY, sumW float64
	for _, r := range out.Regions {
		w := weight(r)
		c := r.Box.Center()
		sumX += clamp01(c.X) * w
		sumY += clamp01(c.Y) * w
		sumW += w
	}

	if sumW == 0 {
		// Every survivor has zero confidence (floor <= 0); fall back to a plain mean.
		for _, r := range out.Regions {
			c := r.Box.Center()
			sumX += clamp01(c.X)
			sumY += clamp01(c.Y)
		}
		sumW = float64(len(out.Regions))
	}

	out.Centroid = &Point{X: sumX / sumW, Y: sumY / sumW}
	return out, nil
}

func weight(r Region) float64 {
	w := r.Kind.baseWeight() * r.Confidence
	if r.Required {
		w *= requiredBoost
	}
	return w
}

// Aggregator applies a fixed confidence floor to every frame it aggregates.
type Aggregator struct {
	floor float64
}

// NewAggregator creates an Aggregator. A non-positive floor selects DefaultConfidenceFloor.
func NewAggregator(floor float64) *Aggregator {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Aggregator{floor: floor}
}

// Floor returns the configured confidence floor.
func (a *Aggregator) Floor() float64 {
	return a.floor
}

// Aggregate folds detections for one frame using the configured floor.
func (a *Aggregator) Aggregate(timestamp float64, detections []Region) (FrameSaliency, error) {
	return Aggregate(timestamp, detections, a.floor)
}
