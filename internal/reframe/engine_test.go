package reframe

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/saliency"
)

// fakeSampler yields fixed frames whose image is the frame index as text.
type fakeSampler struct {
	info      SourceInfo
	order     []float64 // timestamps in yield order; nil means interval-spaced
	sampleErr error

	gotStart, gotEnd float64
}

func (s *fakeSampler) Probe(ctx context.Context, source string) (SourceInfo, error) {
	return s.info, nil
}

func (s *fakeSampler) Sample(ctx context.Context, source string, interval, start, end float64) iter.Seq2[Frame, error] {
	s.gotStart, s.gotEnd = start, end
	timestamps := s.order
	if timestamps == nil {
		for t := start; t < end; t += interval {
			timestamps = append(timestamps, t)
		}
	}
	return func(yield func(Frame, error) bool) {
		for i, t := range timestamps {
			if s.sampleErr != nil && i == 1 {
				yield(Frame{}, s.sampleErr)
				return
			}
			f := Frame{Index: i, Timestamp: t, Image: []byte(strconv.Itoa(i))}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// fakeDetector answers through respond and counts calls per frame index.
type fakeDetector struct {
	mu      sync.Mutex
	calls   map[int]int
	respond func(ctx context.Context, index, call int) ([]saliency.Region, error)
}

func newFakeDetector(respond func(ctx context.Context, index, call int) ([]saliency.Region, error)) *fakeDetector {
	return &fakeDetector{calls: make(map[int]int), respond: respond}
}

func (d *fakeDetector) Detect(ctx context.Context, image []byte) ([]saliency.Region, error) {
	index, err := strconv.Atoi(string(image))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.calls[index]++
	call := d.calls[index]
	d.mu.Unlock()
	return d.respond(ctx, index, call)
}

func (d *fakeDetector) callsFor(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[index]
}

func (d *fakeDetector) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

// transientError is a detection failure worth retrying.
type transientError string

func (e transientError) Error() string   { return string(e) }
func (e transientError) Retryable() bool { return true }

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) Detect(ctx context.Context, image []byte) ([]saliency.Region, error) {
	args := m.Called(ctx, image)
	regions, _ := args.Get(0).([]saliency.Region)
	return regions, args.Error(1)
}

func faceAt(x, y, confidence float64) []saliency.Region {
	return []saliency.Region{
		saliency.NewRegion(saliency.KindFace, saliency.Box{X: x - 0.05, Y: y - 0.05, Width: 0.1, Height: 0.1}, confidence),
	}
}

func hd(duration float64) *fakeSampler {
	return &fakeSampler{info: SourceInfo{Width: 1920, Height: 1080, Duration: duration, FrameRate: 30}}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Backoff = time.Millisecond
	return opts
}

func portrait(source string) Request {
	return Request{Source: source, AspectRatio: crop.AspectRatio{Width: 9, Height: 16}}
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(hd(10), newFakeDetector(nil))

	assert.Equal(t, DefaultOptions(), e.Options())

	e = NewEngine(hd(10), newFakeDetector(nil), WithOptions(Options{Concurrency: 100, MaxRetries: -1}))
	assert.Equal(t, MaxConcurrency, e.Options().Concurrency)
	assert.Equal(t, 0, e.Options().MaxRetries)
	assert.Equal(t, DefaultBackoff, e.Options().Backoff)
}

func TestRun_StaticFace(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return faceAt(0.5, 0.3, 0.9), nil
	})
	e := NewEngine(hd(20), det)

	res, err := e.Run(context.Background(), portrait("clip.mp4"))
	require.NoError(t, err)

	require.Len(t, res.Instructions, 1)
	in := res.Instructions[0]
	assert.Equal(t, 0.0, in.Start)
	assert.Equal(t, 20.0, in.End)
	assert.Equal(t, crop.Rect{X: 656, Y: 0, Width: 608, Height: 1080}, in.Rect)

	assert.Equal(t, 10, res.Stats.FramesSampled)
	assert.Equal(t, 10, res.Stats.FramesWithSubject)
	assert.Equal(t, 10, res.Stats.FacesDetected)
	assert.InDelta(t, 0.9, res.Stats.AverageConfidence, 1e-12)
	assert.Equal(t, 10, res.Stats.StabilizedFrames)
	assert.Equal(t, 1, res.Stats.Instructions)
	assert.Equal(t, "9:16", res.AspectRatio)
	assert.Equal(t, 10, det.total())
}

func TestRun_NoDetections(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return nil, nil
	})
	e := NewEngine(hd(12), det)

	res, err := e.Run(context.Background(), portrait("empty.mp4"))
	require.NoError(t, err)

	for _, d := range res.Decisions {
		assert.True(t, d.Stabilized)
		assert.Equal(t, 0.5, d.CenterX)
		assert.Equal(t, 0.5, d.CenterY)
	}
	require.Len(t, res.Instructions, 1)
	assert.Equal(t, 656, res.Instructions[0].Rect.X)
	assert.Equal(t, 12.0, res.Instructions[0].End)
	assert.Equal(t, 0, res.Stats.FramesWithSubject)
	assert.Empty(t, res.DegradedFrames)
}

func TestRun_MovingSubjectIsVelocityCapped(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return faceAt(0.2+0.6*float64(index)/9, 0.5, 0.9), nil
	})
	e := NewEngine(hd(20), det)

	res, err := e.Run(context.Background(), portrait("walk.mp4"))
	require.NoError(t, err)

	samples := res.Trajectory.Samples
	require.Len(t, samples, 10)
	maxVelocity := e.Options().Motion.MaxVelocity
	for i := 1; i < len(samples); i++ {
		dt := samples[i].Timestamp - samples[i-1].Timestamp
		dx := samples[i].CenterX - samples[i-1].CenterX
		assert.GreaterOrEqual(t, dx, 0.0, "sample %d moved backwards", i)
		assert.LessOrEqual(t, dx, maxVelocity*dt+1e-9, "sample %d too fast", i)
	}
	assert.Greater(t, len(res.Instructions), 1)
}

func TestRun_UnsupportedAspectRatio(t *testing.T) {
	det := new(mockDetector)
	sampler := &fakeSampler{info: SourceInfo{Width: 1440, Height: 1080, Duration: 10}}
	e := NewEngine(sampler, det)

	res, err := e.Run(context.Background(), Request{Source: "4x3.mp4", AspectRatio: crop.AspectRatio{Width: 21, Height: 9}})

	assert.ErrorIs(t, err, crop.ErrUnsupportedAspectRatio)
	assert.Nil(t, res)
	det.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)
}

func TestRun_EmptySource(t *testing.T) {
	sampler := hd(10)
	sampler.order = []float64{}
	e := NewEngine(sampler, new(mockDetector))

	_, err := e.Run(context.Background(), portrait("blank.mp4"))
	assert.ErrorIs(t, err, ErrEmptySource)

	// A clip that starts after the source ends samples nothing.
	_, err = e.Run(context.Background(), Request{Source: "blank.mp4", ClipStart: 30})
	assert.ErrorIs(t, err, ErrEmptySource)
}

func TestRun_SourceRequired(t *testing.T) {
	e := NewEngine(hd(10), new(mockDetector))

	_, err := e.Run(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrSourceRequired)
}

func TestRun_SamplerError(t *testing.T) {
	sampler := hd(10)
	sampler.sampleErr = errors.New("decode failed")
	e := NewEngine(sampler, new(mockDetector))

	_, err := e.Run(context.Background(), portrait("broken.mp4"))
	assert.ErrorContains(t, err, "decode failed")
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		if index == 1 && call <= 2 {
			return nil, transientError("timeout")
		}
		return faceAt(0.5, 0.5, 0.8), nil
	})
	e := NewEngine(hd(6), det, WithOptions(fastOptions()))

	res, err := e.Run(context.Background(), portrait("flaky.mp4"))
	require.NoError(t, err)

	assert.Equal(t, 3, det.callsFor(1))
	assert.Equal(t, 1, det.callsFor(0))
	assert.Empty(t, res.DegradedFrames)
	assert.Equal(t, 3, res.Stats.FramesWithSubject)
}

func TestRun_DegradesAfterRetriesExhausted(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		if index == 2 {
			return nil, transientError("service unavailable")
		}
		return faceAt(0.5, 0.5, 0.8), nil
	})
	e := NewEngine(hd(10), det, WithOptions(fastOptions()))

	res, err := e.Run(context.Background(), portrait("outage.mp4"))
	require.NoError(t, err)

	assert.Equal(t, 1+DefaultMaxRetries, det.callsFor(2))
	assert.Equal(t, []float64{4}, res.DegradedFrames)
	assert.Equal(t, 1, res.Stats.DegradedFrames)
	assert.False(t, res.Saliency[2].HasSubject())

	held := res.Decisions[2]
	assert.Equal(t, res.Decisions[1].CenterX, held.CenterX)
	assert.Equal(t, res.Decisions[1].CenterY, held.CenterY)
	assert.Equal(t, 0.3, held.Confidence)
}

func TestRun_NonRetryableFailureDegradesAtOnce(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		if index == 1 {
			return nil, errors.New("request failed with status 401")
		}
		return faceAt(0.5, 0.5, 0.8), nil
	})
	e := NewEngine(hd(6), det, WithOptions(fastOptions()))

	res, err := e.Run(context.Background(), portrait("unauthorized.mp4"))
	require.NoError(t, err)

	assert.Equal(t, 1, det.callsFor(1))
	assert.Equal(t, []float64{2}, res.DegradedFrames)
}

func TestRun_BackoffDoubles(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, transientError("unavailable")
	})
	opts := fastOptions()
	opts.Backoff = 20 * time.Millisecond
	opts.MaxRetries = 3
	e := NewEngine(hd(2), det, WithOptions(opts))

	res, err := e.Run(context.Background(), portrait("backoff.mp4"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, res.DegradedFrames)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 4)
	var prev time.Duration
	for i := 1; i < len(calls); i++ {
		gap := calls[i].Sub(calls[i-1])
		assert.GreaterOrEqual(t, gap, opts.Backoff<<(i-1), "gap before attempt %d", i+1)
		assert.Greater(t, gap, prev, "gap before attempt %d", i+1)
		prev = gap
	}
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	firstCall := make(chan struct{})
	var once sync.Once
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		once.Do(func() { close(firstCall) })
		return nil, transientError("unavailable")
	})
	opts := fastOptions()
	opts.Backoff = time.Hour
	e := NewEngine(hd(2), det, WithOptions(opts))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, portrait("waiting.mp4"))
		errCh <- err
	}()

	<-firstCall
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation during backoff")
	}
	assert.Equal(t, 1, det.callsFor(0))
}

func TestRun_DetectTimeoutDegrades(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		if index == 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return faceAt(0.5, 0.5, 0.8), nil
	})
	opts := fastOptions()
	opts.DetectTimeout = 20 * time.Millisecond
	opts.MaxRetries = 1
	e := NewEngine(hd(4), det, WithOptions(opts))

	res, err := e.Run(context.Background(), portrait("hanging.mp4"))
	require.NoError(t, err)

	assert.Equal(t, []float64{0}, res.DegradedFrames)
	assert.Equal(t, 2, det.callsFor(0), "timeouts are retried")
	assert.Equal(t, 1, det.callsFor(1))
}

func TestRun_InvalidRegionIsFatal(t *testing.T) {
	tests := []struct {
		name   string
		region saliency.Region
	}{
		{"unknown kind", saliency.Region{Kind: "hand", Box: saliency.Box{Width: 0.1, Height: 0.1}, Confidence: 0.9}},
		{"confidence out of range", saliency.Region{Kind: saliency.KindFace, Box: saliency.Box{Width: 0.1, Height: 0.1}, Confidence: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
				if index == 0 {
					return []saliency.Region{tt.region}, nil
				}
				return nil, nil
			})
			opts := fastOptions()
			opts.Concurrency = 1
			e := NewEngine(hd(20), det, WithOptions(opts))

			res, err := e.Run(context.Background(), portrait("bad.mp4"))

			assert.ErrorIs(t, err, saliency.ErrInvalidRegion)
			assert.Nil(t, res)
			assert.Equal(t, 1, det.callsFor(0), "invalid regions are not retried")
			assert.Less(t, det.total(), 10, "dispatch stops after the failure")
		})
	}
}

func TestRun_CancellationStopsDispatchAndLetsInFlightFinish(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	var inFlightCancelled atomic.Bool

	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		started <- struct{}{}
		<-release
		if ctx.Err() != nil {
			inFlightCancelled.Store(true)
		}
		return nil, nil
	})
	opts := fastOptions()
	opts.Concurrency = 2
	e := NewEngine(hd(20), det, WithOptions(opts))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, portrait("long.mp4"))
		errCh <- err
	}()

	<-started
	<-started
	cancel()
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Equal(t, 2, det.total())
	assert.False(t, inFlightCancelled.Load(), "in-flight calls must not see the cancellation")
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	opts := fastOptions()
	opts.Concurrency = 3
	e := NewEngine(hd(24), det, WithOptions(opts))

	_, err := e.Run(context.Background(), portrait("busy.mp4"))
	require.NoError(t, err)

	assert.Equal(t, 12, det.total())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRun_ResortsByTimestamp(t *testing.T) {
	sampler := hd(6)
	sampler.order = []float64{4, 0, 2}
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return nil, nil
	})
	e := NewEngine(sampler, det)

	res, err := e.Run(context.Background(), portrait("shuffled.mp4"))
	require.NoError(t, err)

	var got []float64
	for _, fs := range res.Saliency {
		got = append(got, fs.Timestamp)
	}
	assert.Equal(t, []float64{0, 2, 4}, got)
}

func TestRun_ReportsProgress(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return nil, nil
	})
	e := NewEngine(hd(10), det)

	var updates []Progress
	req := portrait("progress.mp4")
	req.OnProgress = func(p Progress) { updates = append(updates, p) }

	_, err := e.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, updates, 5)
	assert.Equal(t, Progress{Completed: 5, Total: 5}, updates[4])
}

func TestRun_TuningOverridesFloor(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return faceAt(0.5, 0.5, 0.9), nil
	})
	e := NewEngine(hd(4), det)

	req := portrait("strict.mp4")
	req.Tuning = Tuning{ConfidenceFloor: 0.95}

	res, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.FramesWithSubject)
}

func TestRun_ClipRange(t *testing.T) {
	sampler := hd(60)
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		return nil, nil
	})
	e := NewEngine(sampler, det)

	req := portrait("long.mp4")
	req.ClipStart = 10
	req.ClipEnd = 20

	res, err := e.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 10.0, sampler.gotStart)
	assert.Equal(t, 20.0, sampler.gotEnd)
	assert.Equal(t, 10.0, res.Trajectory.Start)
	assert.Equal(t, 20.0, res.Trajectory.End)
	assert.Equal(t, 5, res.Stats.FramesSampled)
}

type recordingObserver struct {
	mu         sync.Mutex
	detections int
	retries    int
	degraded   int
	runs       []error
}

func (o *recordingObserver) ObserveDetection(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detections++
}

func (o *recordingObserver) ObserveRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) ObserveDegradedFrame() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded++
}

func (o *recordingObserver) ObserveRun(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, err)
}

func TestRun_NotifiesObserver(t *testing.T) {
	det := newFakeDetector(func(ctx context.Context, index, call int) ([]saliency.Region, error) {
		if index == 0 {
			return nil, fmt.Errorf("frame %d: %w", index, transientError("boom"))
		}
		return nil, nil
	})
	obs := &recordingObserver{}
	e := NewEngine(hd(4), det, WithOptions(fastOptions()), WithObserver(obs))

	_, err := e.Run(context.Background(), portrait("observed.mp4"))
	require.NoError(t, err)

	assert.Equal(t, 6, obs.detections, "three attempts for the failing frame plus one per other frame")
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, 1, obs.degraded)
	assert.Equal(t, []error{nil}, obs.runs)
}
