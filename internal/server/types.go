// Package server provides the HTTP server for the reframe API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/reframe"
)

// CreateJobRequest is the HTTP request body for creating a new reframing job.
// Exactly one of VideoBase64 and SourcePath must be set.
type CreateJobRequest struct {
	// VideoBase64 is the base64-encoded source video, optionally as a data URI.
	VideoBase64 string `json:"video_base64,omitempty" validate:"required_without=SourcePath,excluded_with=SourcePath"`
	// SourcePath is a video path relative to the server's source root.
	SourcePath string `json:"source_path,omitempty" validate:"omitempty,max=1024"`
	// AspectRatio is the output ratio as "W:H". Defaults to 9:16.
	AspectRatio string `json:"aspect_ratio,omitempty" validate:"omitempty,aspect_ratio"`
	// SampleInterval is the sampling interval in seconds. Defaults to 2.
	SampleInterval float64 `json:"sample_interval,omitempty" validate:"omitempty,gt=0,lte=60"`
	// ClipStart and ClipEnd restrict the analysis to a time range in seconds.
	ClipStart float64 `json:"clip_start,omitempty" validate:"gte=0"`
	ClipEnd   float64 `json:"clip_end,omitempty" validate:"omitempty,gtfield=ClipStart"`
	// Tuning overrides the server's engine thresholds.
	Tuning *TuningRequest `json:"tuning,omitempty"`
	// Render encodes the reframed video after analysis.
	Render bool `json:"render"`
	// PushToS3 indicates whether to upload the plan and video to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// TuningRequest carries per-job engine overrides. Zero fields keep the server defaults.
type TuningRequest struct {
	SnapToCenterDistance         float64 `json:"snap_to_center_distance,omitempty" validate:"gte=0,lte=1"`
	MotionStabilizationThreshold float64 `json:"motion_stabilization_threshold,omitempty" validate:"gte=0,lte=1"`
	MaxVelocity                  float64 `json:"max_velocity,omitempty" validate:"gte=0,lte=10"`
	ConfidenceFloor              float64 `json:"confidence_floor,omitempty" validate:"gte=0,lte=1"`
}

func (t *TuningRequest) toTuning() reframe.Tuning {
	if t == nil {
		return reframe.Tuning{}
	}
	return reframe.Tuning{
		SnapToCenterDistance:         t.SnapToCenterDistance,
		MotionStabilizationThreshold: t.MotionStabilizationThreshold,
		MaxVelocity:                  t.MaxVelocity,
		ConfidenceFloor:              t.ConfidenceFloor,
	}
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	FramesDone  int    `json:"frames_done"`
	FramesTotal int    `json:"frames_total"`
	AspectRatio string `json:"aspect_ratio"`
	Error       string `json:"error,omitempty"`

	// Dimensions, Instructions and Stats are set once the analysis finished.
	Dimensions   *crop.Dimensions   `json:"dimensions,omitempty"`
	Instructions []crop.Instruction `json:"instructions,omitempty"`
	Stats        *reframe.Stats     `json:"stats,omitempty"`

	// PlanURL and VideoURL are set when the job pushed its outputs to S3.
	PlanURL  string `json:"plan_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	// HasVideo reports whether GET /jobs/{id}/video can serve a rendered video.
	HasVideo bool `json:"has_video"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobSummary is one entry of ListJobsResponse.
type JobSummary struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	AspectRatio string    `json:"aspect_ratio"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListJobsResponse is the HTTP response for listing jobs.
type ListJobsResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Render reports whether the server can render reframed videos.
	Render bool `json:"render"`
}
