package reframe

import (
	"time"

	"github.com/maauso/reframe-api/internal/motion"
	"github.com/maauso/reframe-api/internal/saliency"
)

// Engine defaults.
const (
	DefaultSampleInterval = 2.0
	DefaultConcurrency    = 6
	MaxConcurrency        = 32
	DefaultMaxRetries     = 2
	DefaultBackoff        = 500 * time.Millisecond
	DefaultDetectTimeout  = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	// ConfidenceFloor drops detections below this confidence.
	ConfidenceFloor float64
	// Motion tunes the planner and the smoother.
	Motion motion.Options
	// Concurrency bounds the number of detection calls in flight.
	Concurrency int
	// MaxRetries is the number of retries after a failed detection call. Zero disables retries.
	MaxRetries int
	// Backoff is the wait before the first retry; it doubles on each further retry.
	Backoff time.Duration
	// DetectTimeout bounds a single detection call.
	DetectTimeout time.Duration
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		ConfidenceFloor: saliency.DefaultConfidenceFloor,
		Motion:          motion.DefaultOptions(),
		Concurrency:     DefaultConcurrency,
		MaxRetries:      DefaultMaxRetries,
		Backoff:         DefaultBackoff,
		DetectTimeout:   DefaultDetectTimeout,
	}
}

// normalize replaces out-of-range values with defaults.
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.ConfidenceFloor <= 0 || o.ConfidenceFloor > 1 {
		o.ConfidenceFloor = d.ConfidenceFloor
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	o.Concurrency = min(o.Concurrency, MaxConcurrency)
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.DetectTimeout <= 0 {
		o.DetectTimeout = d.DetectTimeout
	}
	return o
}

// apply returns a copy of o with the non-zero tuning fields applied.
func (t Tuning) apply(o Options) Options {
	if t.SnapToCenterDistance > 0 {
		o.Motion.SnapToCenterDistance = t.SnapToCenterDistance
	}
	if t.MotionStabilizationThreshold > 0 {
		o.Motion.MotionStabilizationThreshold = t.MotionStabilizationThreshold
	}
	if t.MaxVelocity > 0 {
		o.Motion.MaxVelocity = t.MaxVelocity
	}
	if t.ConfidenceFloor > 0 {
		o.ConfidenceFloor = t.ConfidenceFloor
	}
	return o
}
