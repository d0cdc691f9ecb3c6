// Package metrics declares the Prometheus metrics exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reframe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Detection metrics
var (
	DetectionCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_detection_calls_total",
			Help: "Total number of detector calls",
		},
		[]string{"status"}, // "success", "error"
	)

	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reframe_detection_duration_seconds",
			Help:    "Detector call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	DetectionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reframe_detection_retries_total",
			Help: "Total number of detector call retries",
		},
	)

	DegradedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reframe_degraded_frames_total",
			Help: "Frames whose detection was unavailable after all retries",
		},
	)
)

// Pipeline metrics
var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_runs_total",
			Help: "Total number of reframing runs",
		},
		[]string{"status"}, // "success", "error"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reframe_run_duration_seconds",
			Help:    "Reframing run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)
)

// Job metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reframe_jobs_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reframe_jobs_in_progress",
			Help: "Number of jobs currently running",
		},
	)
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
