package motion

import (
	"math"
	"sort"
)

// Sample is one point of a crop trajectory. Width and Height are normalized to the source
// and stay constant for a fixed aspect ratio request.
type Sample struct {
	Timestamp float64 `json:"timestamp" yaml:"timestamp"`
	CenterX   float64 `json:"center_x" yaml:"center_x"`
	CenterY   float64 `json:"center_y" yaml:"center_y"`
	Width     float64 `json:"width" yaml:"width"`
	Height    float64 `json:"height" yaml:"height"`
}

// Trajectory is the smoothed crop path covering [Start, End] seconds.
type Trajectory struct {
	Samples []Sample `json:"samples" yaml:"samples"`
	Start   float64  `json:"start" yaml:"start"`
	End     float64  `json:"end" yaml:"end"`
}

// At returns the crop window at time t, linearly interpolated between samples.
// Times outside the sampled range hold the nearest sample.
func (tr Trajectory) At(t float64) Sample {
	n := len(tr.Samples)
	if n == 0 {
		return Sample{Timestamp: t}
	}

	i := sort.Search(n, func(i int) bool { return tr.Samples[i].Timestamp > t })
	switch {
	case i == 0:
		s := tr.Samples[0]
		s.Timestamp = t
		return s
	case i == n:
		s := tr.Samples[n-1]
		s.Timestamp = t
		return s
	}

	a, b := tr.Samples[i-1], tr.Samples[i]
	span := b.Timestamp - a.Timestamp
	if span <= 0 {
		a.Timestamp = t
		return a
	}
	f := (t - a.Timestamp) / span
	return Sample{
		Timestamp: t,
		CenterX:   a.CenterX + (b.CenterX-a.CenterX)*f,
		CenterY:   a.CenterY + (b.CenterY-a.CenterY)*f,
		Width:     a.Width + (b.Width-a.Width)*f,
		Height:    a.Height + (b.Height-a.Height)*f,
	}
}

// Smooth converts raw decisions into a trajectory.
//
// Centers are averaged over a centered window of 2*WindowRadius+1 decisions weighted by
// confidence; the window shrinks near the ends. The averaged path is then rate limited so
// no step moves faster than MaxVelocity. Decisions must be ordered by timestamp. The
// trajectory spans [start, end]; a zero end falls back to the last decision's timestamp.
func Smooth(decisions []Decision, geo Geometry, opts Options, start, end float64) Trajectory {
	opts = opts.withDefaults()

	tr := Trajectory{Samples: make([]Sample, 0, len(decisions)), Start: start, End: end}
	if len(decisions) == 0 {
		return tr
	}
	if last := decisions[len(decisions)-1].Timestamp; tr.End < last {
		tr.End = last
	}

	width := 2 * geo.HalfWidth()
	height := 2 * geo.HalfHeight()

	for i := range decisions {
		x, y := windowAverage(decisions, i, opts.WindowRadius)

		if i > 0 {
			prev := tr.Samples[i-1]
			dt := decisions[i].Timestamp - prev.Timestamp
			x, y = limitStep(prev.CenterX, prev.CenterY, x, y, opts.MaxVelocity*math.Max(dt, 0))
		}

		tr.Samples = append(tr.Samples, Sample{
			Timestamp: decisions[i].Timestamp,
			CenterX:   x,
			CenterY:   y,
			Width:     width,
			Height:    height,
		})
	}
	return tr
}

// windowAverage returns the confidence-weighted mean center of the decisions within
// radius of i, using only the neighbors that exist.
func windowAverage(decisions []Decision, i, radius int) (float64, float64) {
	lo := max(0, i-radius)
	hi := min(len(decisions)-1, i+radius)

	var sx, sy, sw float64
	for j := lo; j <= hi; j++ {
		w := decisions[j].Confidence
		sx += decisions[j].CenterX * w
		sy += decisions[j].CenterY * w
		sw += w
	}
	if sw <= 0 {
		sx, sy = 0, 0
		for j := lo; j <= hi; j++ {
			sx += decisions[j].CenterX
			sy += decisions[j].CenterY
		}
		sw = float64(hi - lo + 1)
	}
	return sx / sw, sy / sw
}

// limitStep moves from (px, py) toward (x, y) by at most maxStep.
func limitStep(px, py, x, y, maxStep float64) (float64, float64) {
	dx, dy := x-px, y-py
	dist := math.Hypot(dx, dy)
	if dist <= maxStep || dist == 0 {
		return x, y
	}
	scale := maxStep / dist
	return px + dx*scale, py + dy*scale
}
