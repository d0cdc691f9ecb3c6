package reframe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/reframe-api/internal/saliency"
)

// detection is the outcome for one frame. A nil err or an err wrapping
// ErrDetectionUnavailable both yield usable (possibly empty) regions.
type detection struct {
	regions []saliency.Region
	err     error
}

// detectAll runs detection for every frame through a bounded pool. Each worker writes
// only its own slot of the returned slice.
//
// Dispatch stops as soon as ctx is cancelled or any frame returns an invalid region.
// Calls already in flight are left to finish or time out on their own.
func (e *Engine) detectAll(ctx context.Context, frames []Frame, opts Options, done func()) ([]detection, error) {
	results := make([]detection, len(frames))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

dispatch:
	for i := range frames {
		select {
		case <-runCtx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if runCtx.Err() != nil {
			<-sem
			break dispatch
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			regions, err := e.detectFrame(runCtx, frames[i], opts)
			results[i] = detection{regions: regions, err: err}
			if errors.Is(err, saliency.ErrInvalidRegion) {
				cancel(err)
			}
			done()
		}(i)
	}

	wg.Wait()

	if err := context.Cause(runCtx); err != nil {
		return nil, err
	}
	return results, nil
}

// detectFrame calls the detector with exponential backoff. Each attempt runs detached
// from cancellation and bounded by the detect timeout, so cancelling the run never cuts
// a request short. Cancellation does abort the wait between attempts.
func (e *Engine) detectFrame(ctx context.Context, f Frame, opts Options) ([]saliency.Region, error) {
	var lastErr error
	backoff := opts.Backoff

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			e.observer.ObserveRetry()
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("reframe: frame %d: %w", f.Index, context.Cause(ctx))
			case <-timer.C:
				backoff *= 2
			}
		}

		regions, err := e.callDetector(ctx, f, opts.DetectTimeout)
		if err == nil {
			return regions, nil
		}
		if errors.Is(err, saliency.ErrInvalidRegion) {
			return nil, fmt.Errorf("reframe: frame %d at %.2fs: %w", f.Index, f.Timestamp, err)
		}

		e.logger.Debug("detection attempt failed",
			slog.Int("frame_index", f.Index),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	e.observer.ObserveDegradedFrame()
	e.logger.Warn("detection unavailable, frame degraded to empty saliency",
		slog.Int("frame_index", f.Index),
		slog.Float64("timestamp", f.Timestamp),
		slog.String("error", lastErr.Error()),
	)
	return nil, fmt.Errorf("%w: frame %d: %w", ErrDetectionUnavailable, f.Index, lastErr)
}

// retryable reports whether a failed detection is worth another attempt.
// Per-call timeouts are, and so is any error carrying a Retryable method
// that returns true.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func (e *Engine) callDetector(ctx context.Context, f Frame, timeout time.Duration) ([]saliency.Region, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	regions, err := e.detector.Detect(callCtx, f.Image)
	e.observer.ObserveDetection(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	// Regions are checked here too, whatever the detector implementation.
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return regions, nil
}
