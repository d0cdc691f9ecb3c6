package reframe

import "time"

// Observer receives engine events, typically to record metrics.
type Observer interface {
	ObserveDetection(duration time.Duration, err error)
	ObserveRetry()
	ObserveDegradedFrame()
	ObserveRun(duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDetection(time.Duration, error) {}
func (nopObserver) ObserveRetry()                         {}
func (nopObserver) ObserveDegradedFrame()                 {}
func (nopObserver) ObserveRun(time.Duration, error)       {}
