package metrics

import (
	"time"

	"github.com/maauso/reframe-api/internal/reframe"
)

// engineObserver implements reframe.Observer using the Prometheus
// metrics declared in this package.
type engineObserver struct{}

// NewEngineObserver creates an observer that records detection and run
// metrics into the collectors declared in metrics.go.
func NewEngineObserver() reframe.Observer {
	return &engineObserver{}
}

func (o *engineObserver) ObserveDetection(duration time.Duration, err error) {
	DetectionCallsTotal.WithLabelValues(statusLabel(err)).Inc()
	DetectionDuration.Observe(duration.Seconds())
}

func (o *engineObserver) ObserveRetry() {
	DetectionRetriesTotal.Inc()
}

func (o *engineObserver) ObserveDegradedFrame() {
	DegradedFramesTotal.Inc()
}

func (o *engineObserver) ObserveRun(duration time.Duration, err error) {
	RunsTotal.WithLabelValues(statusLabel(err)).Inc()
	RunDuration.Observe(duration.Seconds())
}
