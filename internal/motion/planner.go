package motion

import (
	"github.com/maauso/reframe-api/internal/saliency"
)

// State is the camera policy state of the planner.
type State int

const (
	// StateStabilized holds the crop window at a resting center.
	StateStabilized State = iota
	// StateTracking follows the weighted centroid of the frame.
	StateTracking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStabilized:
		return "stabilized"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Fixed confidences reported by the planner.
const (
	stabilizedConfidence = 0.7
	uncertainConfidence  = 0.3
)

// Decision is the planner's raw crop center for one sampled timestamp.
// The center is always clipped so the crop window stays inside the source.
type Decision struct {
	Timestamp  float64 `json:"timestamp" yaml:"timestamp"`
	CenterX    float64 `json:"center_x" yaml:"center_x"`
	CenterY    float64 `json:"center_y" yaml:"center_y"`
	Stabilized bool    `json:"stabilized" yaml:"stabilized"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Planner is the stabilize-or-track state machine for one planning run.
// It is not safe for concurrent use.
type Planner struct {
	geo  Geometry
	opts Options

	state  State
	stable saliency.Point
	last   Decision
	// window holds the subject points of the most recent consecutive tracked frames.
	window [][]saliency.Point
}

// NewPlanner creates a Planner in the Stabilized state, centered in the frame.
func NewPlanner(geo Geometry, opts Options) *Planner {
	center := saliency.Point{X: 0.5, Y: 0.5}
	return &Planner{
		geo:    geo,
		opts:   opts.withDefaults(),
		state:  StateStabilized,
		stable: center,
		last: Decision{
			CenterX:    center.X,
			CenterY:    center.Y,
			Stabilized: true,
			Confidence: stabilizedConfidence,
		},
	}
}

// State returns the current camera state.
func (p *Planner) State() State {
	return p.state
}

// Step consumes the next frame summary and returns its decision.
// Frames must be supplied in timestamp order.
func (p *Planner) Step(f saliency.FrameSaliency) Decision {
	if !f.HasSubject() {
		return p.hold(f.Timestamp)
	}

	cx, cy := p.geo.Clip(f.Centroid.X, f.Centroid.Y)

	switch p.state {
	case StateTracking:
		p.observe(f)
		if point, ok := p.still(); ok {
			p.settle(point)
			return p.emit(f.Timestamp, p.stable.X, p.stable.Y, stabilizedConfidence)
		}
		return p.emit(f.Timestamp, cx, cy, f.MaxConfidence())
	default:
		drift := p.geo.pixelDistance(cx, cy, p.stable.X, p.stable.Y)
		if drift > p.opts.SnapToCenterDistance*p.geo.minSide() {
			p.beginTracking()
			p.observe(f)
			return p.emit(f.Timestamp, cx, cy, f.MaxConfidence())
		}
		return p.emit(f.Timestamp, p.stable.X, p.stable.Y, stabilizedConfidence)
	}
}

// hold repeats the previous decision with reduced confidence when a frame has no subject.
func (p *Planner) hold(ts float64) Decision {
	d := p.last
	d.Timestamp = ts
	d.Confidence = uncertainConfidence
	p.window = p.window[:0]
	p.last = d
	return d
}

func (p *Planner) beginTracking() {
	p.state = StateTracking
	p.window = p.window[:0]
}

func (p *Planner) settle(point saliency.Point) {
	p.state = StateStabilized
	p.stable.X, p.stable.Y = p.geo.Clip(point.X, point.Y)
	p.window = p.window[:0]
}

func (p *Planner) emit(ts, x, y, confidence float64) Decision {
	p.last = Decision{
		Timestamp:  ts,
		CenterX:    x,
		CenterY:    y,
		Stabilized: p.state == StateStabilized,
		Confidence: confidence,
	}
	return p.last
}

// observe records the frame's required subject centers, or its centroid when the frame
// has no required subject, keeping only the last DwellFrames frames.
func (p *Planner) observe(f saliency.FrameSaliency) {
	var points []saliency.Point
	for _, r := range f.Regions {
		if r.Required {
			points = append(points, r.Box.Center())
		}
	}
	if len(points) == 0 {
		points = append(points, *f.Centroid)
	}

	p.window = append(p.window, points)
	if extra := len(p.window) - p.opts.DwellFrames; extra > 0 {
		p.window = append(p.window[:0], p.window[extra:]...)
	}
}

// still reports whether every point in a full dwell window lies within the
// stabilization threshold of the window's common mean.
func (p *Planner) still() (saliency.Point, bool) {
	if len(p.window) < p.opts.DwellFrames {
		return saliency.Point{}, false
	}

	var mean saliency.Point
	n := 0
	for _, frame := range p.window {
		for _, pt := range frame {
			mean.X += pt.X
			mean.Y += pt.Y
			n++
		}
	}
	mean.X /= float64(n)
	mean.Y /= float64(n)

	limit := p.opts.MotionStabilizationThreshold * p.geo.minSide()
	for _, frame := range p.window {
		for _, pt := range frame {
			if p.geo.pixelDistance(pt.X, pt.Y, mean.X, mean.Y) > limit {
				return saliency.Point{}, false
			}
		}
	}
	return mean, true
}

// Plan runs a fresh Planner over frames in order.
func Plan(frames []saliency.FrameSaliency, geo Geometry, opts Options) []Decision {
	p := NewPlanner(geo, opts)
	out := make([]Decision, 0, len(frames))
	for _, f := range frames {
		out = append(out, p.Step(f))
	}
	return out
}
