// Package reframe runs the reframing pipeline for one source video: it samples frames,
// detects salient subjects concurrently, and turns the per-frame saliency into a smoothed
// crop trajectory and a compiled list of time-ranged crop rectangles.
//
// The engine never decodes video or performs detection itself. Both are supplied by the
// caller through the Sampler and Detector interfaces.
package reframe

import (
	"context"
	"errors"
	"iter"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/motion"
	"github.com/maauso/reframe-api/internal/saliency"
)

// Static errors for reframing runs.
var (
	// ErrDetectionUnavailable marks a frame whose detection failed after all retries.
	// The frame degrades to empty saliency and the run continues.
	ErrDetectionUnavailable = errors.New("reframe: detection unavailable")
	// ErrEmptySource is returned when sampling yields no frames.
	ErrEmptySource = errors.New("reframe: source produced no frames")
	// ErrSourceRequired is returned when a request has no source.
	ErrSourceRequired = errors.New("reframe: source is required")
)

// SourceInfo describes the probed source video.
type SourceInfo struct {
	Width     int     `json:"width" yaml:"width"`
	Height    int     `json:"height" yaml:"height"`
	Duration  float64 `json:"duration" yaml:"duration"`
	FrameRate float64 `json:"frame_rate" yaml:"frame_rate"`
}

// Frame is one sampled frame.
type Frame struct {
	Index     int
	Timestamp float64
	// Image is the encoded frame (JPEG) passed as-is to the detector.
	Image []byte
}

// Sampler extracts frames from a source video.
type Sampler interface {
	// Probe returns the resolution and duration of the source.
	Probe(ctx context.Context, source string) (SourceInfo, error)

	// Sample yields one frame every interval seconds in [start, end), in timestamp order.
	// The sequence is finite and can only be consumed once.
	Sample(ctx context.Context, source string, interval, start, end float64) iter.Seq2[Frame, error]
}

// Detector finds salient subjects in one encoded frame.
// Implementations may be slow and fail transiently. A failure is retried when it
// is a per-call timeout or carries a Retryable method returning true; any other
// failure degrades the frame at once.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]saliency.Region, error)
}

// Tuning holds per-request overrides of the engine options. Zero fields keep the
// engine's configured value.
type Tuning struct {
	SnapToCenterDistance         float64 `json:"snap_to_center_distance,omitempty" yaml:"snap_to_center_distance,omitempty"`
	MotionStabilizationThreshold float64 `json:"motion_stabilization_threshold,omitempty" yaml:"motion_stabilization_threshold,omitempty"`
	MaxVelocity                  float64 `json:"max_velocity,omitempty" yaml:"max_velocity,omitempty"`
	ConfidenceFloor              float64 `json:"confidence_floor,omitempty" yaml:"confidence_floor,omitempty"`
}

// Progress reports how many frames have finished detection.
type Progress struct {
	Completed int
	Total     int
}

// Request describes one reframing run.
type Request struct {
	Source      string
	AspectRatio crop.AspectRatio
	// SampleInterval is the spacing between sampled frames in seconds. Defaults to 2.
	SampleInterval float64
	// ClipStart and ClipEnd restrict the run to part of the source. A zero ClipEnd means
	// the end of the source.
	ClipStart float64
	ClipEnd   float64
	Tuning    Tuning
	// OnProgress, if set, is called after each frame's detection finishes.
	// Calls are serialized.
	OnProgress func(Progress)
}

// Stats summarizes a run.
type Stats struct {
	FramesSampled     int     `json:"frames_sampled" yaml:"frames_sampled"`
	FramesWithSubject int     `json:"frames_with_subject" yaml:"frames_with_subject"`
	FacesDetected     int     `json:"faces_detected" yaml:"faces_detected"`
	PersonsDetected   int     `json:"persons_detected" yaml:"persons_detected"`
	AverageConfidence float64 `json:"average_confidence" yaml:"average_confidence"`
	StabilizedFrames  int     `json:"stabilized_frames" yaml:"stabilized_frames"`
	DegradedFrames    int     `json:"degraded_frames" yaml:"degraded_frames"`
	Instructions      int     `json:"instructions" yaml:"instructions"`
	ElapsedSeconds    float64 `json:"elapsed_seconds" yaml:"elapsed_seconds"`
}

// Result is the output of a run.
type Result struct {
	Source       SourceInfo               `json:"source" yaml:"source"`
	AspectRatio  string                   `json:"aspect_ratio" yaml:"aspect_ratio"`
	Dimensions   crop.Dimensions          `json:"dimensions" yaml:"dimensions"`
	Saliency     []saliency.FrameSaliency `json:"saliency" yaml:"saliency"`
	Decisions    []motion.Decision        `json:"decisions" yaml:"decisions"`
	Trajectory   motion.Trajectory        `json:"trajectory" yaml:"trajectory"`
	Instructions []crop.Instruction       `json:"instructions" yaml:"instructions"`
	// DegradedFrames lists the timestamps whose detection was unavailable.
	DegradedFrames []float64 `json:"degraded_frames" yaml:"degraded_frames"`
	Stats          Stats     `json:"stats" yaml:"stats"`
}
