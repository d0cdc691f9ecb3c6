package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/job"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *job.ReframeService
	validator          *validator.Validate
	logger             *slog.Logger
	enableAsyncProcess bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, CreateJob only creates the job and returns immediately
// without starting background processing.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.ReframeService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		validator:          newValidator(),
		logger:             logger,
		enableAsyncProcess: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// newValidator returns a validator that also understands the aspect_ratio tag.
func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("aspect_ratio", func(fl validator.FieldLevel) bool {
		_, err := crop.ParseAspectRatio(fl.Field().String())
		return err == nil
	})
	return v
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Render: h.service.CanRender()})
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	// Already validated by the aspect_ratio tag.
	aspect, _ := crop.ParseAspectRatio(req.AspectRatio)

	input := job.ReframeInput{
		VideoBase64:    req.VideoBase64,
		SourcePath:     req.SourcePath,
		AspectRatio:    aspect,
		SampleInterval: req.SampleInterval,
		ClipStart:      req.ClipStart,
		ClipEnd:        req.ClipEnd,
		Tuning:         req.Tuning.toTuning(),
		Render:         req.Render,
		PushToS3:       req.PushToS3,
	}

	createdJob, err := h.service.CreateJob(r.Context(), input)
	if err != nil {
		status, code := createErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to create job",
				slog.String("error", err.Error()),
			)
			writeError(w, status, "failed to create job", code)
			return
		}
		writeError(w, status, err.Error(), code)
		return
	}

	// Processing outlives the request, so it runs on a detached context.
	if h.enableAsyncProcess {
		go func(ctx context.Context, jobID string) {
			if _, err := h.service.ProcessExistingJob(ctx, jobID); err != nil {
				h.logger.Error("background processing failed",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}(context.WithoutCancel(r.Context()), createdJob.ID)
	}

	h.logger.Info("job created",
		slog.String("job_id", createdJob.ID),
		slog.String("aspect_ratio", createdJob.AspectRatio.String()),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     createdJob.ID,
		Status: string(createdJob.Status),
	})
}

// createErrorStatus maps job creation errors to HTTP status codes and error codes.
func createErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, job.ErrSourceRequired):
		return http.StatusBadRequest, "SOURCE_REQUIRED"
	case errors.Is(err, job.ErrInvalidVideo):
		return http.StatusBadRequest, "INVALID_VIDEO"
	case errors.Is(err, job.ErrSourcePathDisabled), errors.Is(err, job.ErrSourceOutsideRoot):
		return http.StatusBadRequest, "INVALID_SOURCE_PATH"
	case errors.Is(err, job.ErrRenderUnavailable):
		return http.StatusBadRequest, "RENDER_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "JOB_CREATION_FAILED"
	}
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobSummary, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, JobSummary{
			ID:          j.ID,
			Status:      string(j.Status),
			Progress:    j.Progress,
			AspectRatio: j.AspectRatio.String(),
			CreatedAt:   j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireJobID(w, r)
	if !ok {
		return
	}

	foundJob, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, jobID, err, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(foundJob))
}

// CancelJob handles DELETE /jobs/{id} requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireJobID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.CancelJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "job already finished", "JOB_FINISHED")
			return
		}
		h.writeJobError(w, jobID, err, "failed to cancel job", "JOB_CANCEL_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(cancelled))
}

// GetPlan handles GET /jobs/{id}/plan requests by streaming the stored plan document.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireJobID(w, r)
	if !ok {
		return
	}

	plan, err := h.service.OpenPlan(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrPlanNotReady) {
			writeError(w, http.StatusConflict, "plan is not ready", "PLAN_NOT_READY")
			return
		}
		h.writeJobError(w, jobID, err, "failed to read plan", "PLAN_FETCH_FAILED")
		return
	}
	h.stream(w, jobID, plan, "application/json")
}

// GetVideo handles GET /jobs/{id}/video requests by streaming the rendered video.
func (h *Handlers) GetVideo(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireJobID(w, r)
	if !ok {
		return
	}

	video, err := h.service.OpenVideo(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrVideoNotReady) {
			writeError(w, http.StatusConflict, "video is not ready", "VIDEO_NOT_READY")
			return
		}
		h.writeJobError(w, jobID, err, "failed to read video", "VIDEO_FETCH_FAILED")
		return
	}
	h.stream(w, jobID, video, "video/mp4")
}

func (h *Handlers) stream(w http.ResponseWriter, jobID string, rc io.ReadCloser, contentType string) {
	defer func() { _ = rc.Close() }()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream job output",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// writeJobError writes 404 for unknown jobs and a logged 500 otherwise.
func (h *Handlers) writeJobError(w http.ResponseWriter, jobID string, err error, message, code string) {
	if errors.Is(err, job.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	h.logger.Error(message,
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, message, code)
}

func requireJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return "", false
	}
	return jobID, true
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:          j.ID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		FramesDone:  j.FramesDone,
		FramesTotal: j.FramesTotal,
		AspectRatio: j.AspectRatio.String(),
		Error:       j.Error,
		PlanURL:     j.PlanURL,
		VideoURL:    j.VideoURL,
		HasVideo:    j.Status == job.StatusCompleted && j.OutputVideoPath != "",
		CreatedAt:   j.CreatedAt,
	}
	if j.PlanPath != "" {
		dims := j.Dimensions
		resp.Dimensions = &dims
		resp.Instructions = j.Instructions
		resp.Stats = j.Stats
	}
	if !j.StartedAt.IsZero() {
		started := j.StartedAt
		resp.StartedAt = &started
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
