// Package motion turns per-frame saliency into a camera path: the planner decides, frame by
// frame, whether the virtual camera holds still or follows the subject, and the smoother
// turns those raw decisions into a rate-limited trajectory.
package motion

import "math"

// Geometry describes the source frame and the fixed crop window in pixels.
type Geometry struct {
	SourceWidth  int
	SourceHeight int
	CropWidth    int
	CropHeight   int
}

// HalfWidth returns half the crop width in normalized source units.
func (g Geometry) HalfWidth() float64 {
	if g.SourceWidth <= 0 {
		return 0
	}
	return float64(g.CropWidth) / float64(2*g.SourceWidth)
}

// HalfHeight returns half the crop height in normalized source units.
func (g Geometry) HalfHeight() float64 {
	if g.SourceHeight <= 0 {
		return 0
	}
	return float64(g.CropHeight) / float64(2*g.SourceHeight)
}

// Clip moves a normalized center so the crop window stays inside the source.
func (g Geometry) Clip(x, y float64) (float64, float64) {
	return clipAxis(x, g.HalfWidth()), clipAxis(y, g.HalfHeight())
}

// pixelDistance returns the distance between two normalized points in source pixels.
func (g Geometry) pixelDistance(x1, y1, x2, y2 float64) float64 {
	dx := (x1 - x2) * float64(g.SourceWidth)
	dy := (y1 - y2) * float64(g.SourceHeight)
	return math.Hypot(dx, dy)
}

// minSide returns the smaller source dimension in pixels.
func (g Geometry) minSide() float64 {
	return float64(min(g.SourceWidth, g.SourceHeight))
}

func clipAxis(v, half float64) float64 {
	if half >= 0.5 {
		return 0.5
	}
	return math.Max(half, math.Min(1-half, v))
}

// Options tunes the planner and the smoother.
type Options struct {
	// SnapToCenterDistance is the drift, as a fraction of the smaller source
	// dimension, the subject must exceed before the camera starts tracking.
	SnapToCenterDistance float64
	// MotionStabilizationThreshold is the radius, as a fraction of the smaller
	// source dimension, required subjects must stay within to settle the camera.
	MotionStabilizationThreshold float64
	// DwellFrames is how many consecutive sampled frames must be still to settle.
	DwellFrames int
	// MaxVelocity caps the crop center speed in normalized units per second.
	MaxVelocity float64
	// WindowRadius is the number of neighbors on each side used for smoothing.
	WindowRadius int
}

// DefaultOptions returns the recommended planner and smoother settings.
func DefaultOptions() Options {
	return Options{
		SnapToCenterDistance:         0.1,
		MotionStabilizationThreshold: 0.05,
		DwellFrames:                  3,
		MaxVelocity:                  0.1,
		WindowRadius:                 3,
	}
}

// withDefaults fills zero values with DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SnapToCenterDistance <= 0 {
		o.SnapToCenterDistance = d.SnapToCenterDistance
	}
	if o.MotionStabilizationThreshold <= 0 {
		o.MotionStabilizationThreshold = d.MotionStabilizationThreshold
	}
	if o.DwellFrames <= 0 {
		o.DwellFrames = d.DwellFrames
	}
	if o.MaxVelocity <= 0 {
		o.MaxVelocity = d.MaxVelocity
	}
	if o.WindowRadius < 0 {
		o.WindowRadius = d.WindowRadius
	}
	return o
}
