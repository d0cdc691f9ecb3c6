// Package job provides the Job aggregate for managing reframing jobs.
// It includes the Job entity with its state machine, the repository port used
// for persistence and the ReframeService use case that drives the engine.
package job

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/job/id"
	"github.com/maauso/reframe-api/internal/reframe"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the job is waiting to be processed.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates the engine is analyzing the source.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job encountered an error during execution.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was manually cancelled.
	StatusCancelled Status = "CANCELLED"
	// StatusTimedOut indicates the job ran past the configured job timeout.
	StatusTimedOut Status = "TIMED_OUT"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("job: invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled, StatusTimedOut},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusTimedOut:  {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// Job represents a reframing job aggregate.
// It carries the request parameters, the processing state and the compiled plan.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// Progress is the percentage of completion (0-100).
	Progress int
	// FramesDone is the number of sampled frames that finished detection.
	FramesDone int
	// FramesTotal is the number of sampled frames, known once sampling ends.
	FramesTotal int
	// Error contains any error message if the job failed.
	Error string

	// SourcePath is the local path of the video to reframe.
	SourcePath string
	// UploadedSource is true when SourcePath is a temp file owned by the job.
	UploadedSource bool
	// AspectRatio is the requested output ratio.
	AspectRatio crop.AspectRatio
	// SampleInterval is the sampling interval in seconds (0 uses the engine default).
	SampleInterval float64
	// ClipStart and ClipEnd restrict analysis to a time range in seconds.
	ClipStart float64
	ClipEnd   float64
	// Tuning overrides engine thresholds for this job.
	Tuning reframe.Tuning
	// Render asks for the reframed video to be encoded after analysis.
	Render bool
	// PushToS3 indicates whether to upload the plan and video to S3.
	PushToS3 bool

	// Dimensions is the crop size chosen for the source.
	Dimensions crop.Dimensions
	// Instructions is the compiled crop plan.
	Instructions []crop.Instruction
	// Stats summarizes the analysis.
	Stats *reframe.Stats
	// PlanPath is the local path of the plan JSON document.
	PlanPath string
	// PlanURL is the S3 URL of the plan if PushToS3 was true.
	PlanURL string
	// OutputVideoPath is the path to the rendered video.
	OutputVideoPath string
	// VideoURL is the S3 URL of the rendered video if PushToS3 was true.
	VideoURL string

	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID and initial IN_QUEUE status.
func New() *Job {
	return NewWithID(id.Generate())
}

// NewWithID creates a new Job with the specified ID and initial IN_QUEUE status.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:          jobID,
		Status:      StatusInQueue,
		AspectRatio: crop.DefaultAspectRatio,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted:
		j.Progress = 100
		j.CompletedAt = j.UpdatedAt
	case StatusFailed, StatusCancelled, StatusTimedOut:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job from IN_QUEUE to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED state.
func (j *Job) Complete() error {
	return j.TransitionTo(StatusCompleted)
}

// Fail transitions the job to FAILED state with an error message.
// The message is only recorded when the transition is allowed.
func (j *Job) Fail(errMsg string) error {
	if err := j.TransitionTo(StatusFailed); err != nil {
		return err
	}
	j.mu.Lock()
	j.Error = errMsg
	j.mu.Unlock()
	return nil
}

// Cancel transitions the job to CANCELLED state.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// Timeout transitions the job to TIMED_OUT state.
func (j *Job) Timeout() error {
	return j.TransitionTo(StatusTimedOut)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// UpdateProgress records detection progress. Progress stays below 100 until
// the job completes, since compiling and rendering follow detection.
func (j *Job) UpdateProgress(done, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if total <= 0 || done < 0 {
		return
	}
	done = min(done, total)
	j.FramesDone = done
	j.FramesTotal = total
	j.Progress = min(done*100/total, 99)
	j.UpdatedAt = time.Now()
}

// SetPlan stores the analysis outcome.
func (j *Job) SetPlan(res *reframe.Result, planPath, planURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Dimensions = res.Dimensions
	j.Instructions = slices.Clone(res.Instructions)
	stats := res.Stats
	j.Stats = &stats
	j.PlanPath = planPath
	j.PlanURL = planURL
	j.UpdatedAt = time.Now()
}

// SetOutput sets the output video path and optional S3 URL.
func (j *Job) SetOutput(videoPath, videoURL string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputVideoPath = videoPath
	j.VideoURL = videoURL
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled ||
		j.Status == StatusTimedOut
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var stats *reframe.Stats
	if j.Stats != nil {
		s := *j.Stats
		stats = &s
	}

	return &Job{
		ID:              j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		FramesDone:      j.FramesDone,
		FramesTotal:     j.FramesTotal,
		Error:           j.Error,
		SourcePath:      j.SourcePath,
		UploadedSource:  j.UploadedSource,
		AspectRatio:     j.AspectRatio,
		SampleInterval:  j.SampleInterval,
		ClipStart:       j.ClipStart,
		ClipEnd:         j.ClipEnd,
		Tuning:          j.Tuning,
		Render:          j.Render,
		PushToS3:        j.PushToS3,
		Dimensions:      j.Dimensions,
		Instructions:    slices.Clone(j.Instructions),
		Stats:           stats,
		PlanPath:        j.PlanPath,
		PlanURL:         j.PlanURL,
		OutputVideoPath: j.OutputVideoPath,
		VideoURL:        j.VideoURL,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
