package reframe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/motion"
	"github.com/maauso/reframe-api/internal/saliency"
)

// Engine runs reframing requests against a sampler and a detector.
// It is safe for concurrent use; each Run owns its own state.
type Engine struct {
	sampler  Sampler
	detector Detector
	opts     Options
	logger   *slog.Logger
	observer Observer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithOptions sets the engine options.
func WithOptions(opts Options) EngineOption {
	return func(e *Engine) {
		e.opts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver sets the observer notified of detection calls and runs.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine creates an Engine with DefaultOptions unless WithOptions is given.
func NewEngine(sampler Sampler, detector Detector, opts ...EngineOption) *Engine {
	e := &Engine{
		sampler:  sampler,
		detector: detector,
		opts:     DefaultOptions(),
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts = e.opts.normalize()
	return e
}

// Options returns the engine's effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Run executes the full pipeline for req.
//
// Per-frame detection failures degrade that frame to empty saliency. An unsupported
// aspect ratio, an empty source, an invalid region or cancellation fail the run, and no
// partial result is returned.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := e.run(ctx, req)
	elapsed := time.Since(start)
	e.observer.ObserveRun(elapsed, err)
	if err != nil {
		return nil, err
	}
	res.Stats.ElapsedSeconds = elapsed.Seconds()
	return res, nil
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, error) {
	if req.Source == "" {
		return nil, ErrSourceRequired
	}

	aspect := req.AspectRatio
	if aspect == (crop.AspectRatio{}) {
		aspect = crop.DefaultAspectRatio
	}
	interval := req.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	opts := req.Tuning.apply(e.opts).normalize()

	info, err := e.sampler.Probe(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("reframe: probe source: %w", err)
	}

	// Fail before any detection call if the ratio cannot be served.
	dims, err := crop.ComputeDimensions(aspect, info.Width, info.Height)
	if err != nil {
		return nil, err
	}

	clipStart, clipEnd := clipRange(req, info)
	if clipEnd <= clipStart {
		return nil, fmt.Errorf("%w: empty clip range [%.2f, %.2f)", ErrEmptySource, clipStart, clipEnd)
	}

	logger := e.logger.With(slog.String("source", req.Source))
	logger.Info("reframing started",
		slog.String("aspect_ratio", aspect.String()),
		slog.Int("source_width", info.Width),
		slog.Int("source_height", info.Height),
		slog.Float64("interval", interval),
	)

	frames, err := e.collect(ctx, req.Source, interval, clipStart, clipEnd)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrEmptySource
	}

	detections, err := e.detectAll(ctx, frames, opts, progressReporter(req.OnProgress, len(frames)))
	if err != nil {
		return nil, err
	}

	// Results are index-addressed; the ordered stages need timestamp order.
	order := make([]int, len(frames))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(frames[a].Timestamp, frames[b].Timestamp)
	})

	agg := saliency.NewAggregator(opts.ConfidenceFloor)
	summaries := make([]saliency.FrameSaliency, 0, len(frames))
	degraded := []float64{}
	for _, i := range order {
		f, d := frames[i], detections[i]
		if errors.Is(d.err, ErrDetectionUnavailable) {
			degraded = append(degraded, f.Timestamp)
		}
		fs, err := agg.Aggregate(f.Timestamp, d.regions)
		if err != nil {
			return nil, fmt.Errorf("reframe: aggregate frame %d: %w", f.Index, err)
		}
		summaries = append(summaries, fs)
	}

	geo := dims.Geometry()
	decisions := motion.Plan(summaries, geo, opts.Motion)
	trajectory := motion.Smooth(decisions, geo, opts.Motion, clipStart, clipEnd)
	instructions := crop.CompileDimensions(trajectory, dims)

	res := &Result{
		Source:         info,
		AspectRatio:    aspect.String(),
		Dimensions:     dims,
		Saliency:       summaries,
		Decisions:      decisions,
		Trajectory:     trajectory,
		Instructions:   instructions,
		DegradedFrames: degraded,
	}
	res.Stats = computeStats(res)

	logger.Info("reframing finished",
		slog.Int("frames", res.Stats.FramesSampled),
		slog.Int("frames_with_subject", res.Stats.FramesWithSubject),
		slog.Int("degraded_frames", res.Stats.DegradedFrames),
		slog.Int("instructions", res.Stats.Instructions),
	)
	return res, nil
}

// collect drains the sampler. Detection starts only after sampling so that the
// pool knows the frame count up front.
func (e *Engine) collect(ctx context.Context, source string, interval, start, end float64) ([]Frame, error) {
	var frames []Frame
	for f, err := range e.sampler.Sample(ctx, source, interval, start, end) {
		if err != nil {
			return nil, fmt.Errorf("reframe: sample frames: %w", err)
		}
		frames = append(frames, f)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reframe: sample frames: %w", err)
	}
	return frames, nil
}

// clipRange resolves the requested clip against the source duration.
func clipRange(req Request, info SourceInfo) (float64, float64) {
	start := math.Max(req.ClipStart, 0)
	end := info.Duration
	if req.ClipEnd > 0 && (end <= 0 || req.ClipEnd < end) {
		end = req.ClipEnd
	}
	return start, end
}

// progressReporter returns a callback that counts finished frames and forwards the
// count to fn one call at a time.
func progressReporter(fn func(Progress), total int) func() {
	if fn == nil {
		return func() {}
	}
	var mu sync.Mutex
	completed := 0
	return func() {
		mu.Lock()
		defer mu.Unlock()
		completed++
		fn(Progress{Completed: completed, Total: total})
	}
}

func computeStats(res *Result) Stats {
	s := Stats{
		FramesSampled:  len(res.Saliency),
		DegradedFrames: len(res.DegradedFrames),
		Instructions:   len(res.Instructions),
	}

	var confidenceSum float64
	for _, fs := range res.Saliency {
		if !fs.HasSubject() {
			continue
		}
		s.FramesWithSubject++
		confidenceSum += fs.MaxConfidence()
		for _, r := range fs.Regions {
			switch r.Kind {
			case saliency.KindFace:
				s.FacesDetected++
			case saliency.KindPerson:
				s.PersonsDetected++
			}
		}
	}
	if s.FramesWithSubject > 0 {
		s.AverageConfidence = confidenceSum / float64(s.FramesWithSubject)
	}

	for _, d := range res.Decisions {
		if d.Stabilized {
			s.StabilizedFrames++
		}
	}
	return s
}
