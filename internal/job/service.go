package job

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/metrics"
	"github.com/maauso/reframe-api/internal/reframe"
	"github.com/maauso/reframe-api/internal/storage"
)

// Static errors for the reframe service.
var (
	// ErrSourceRequired is returned when a job names neither an upload nor a source path.
	ErrSourceRequired = errors.New("job: video_base64 or source_path is required")
	// ErrInvalidVideo is returned when the uploaded video is not valid base64.
	ErrInvalidVideo = errors.New("job: invalid base64 video")
	// ErrSourcePathDisabled is returned for source paths when no source root is configured.
	ErrSourcePathDisabled = errors.New("job: source paths are disabled")
	// ErrSourceOutsideRoot is returned for source paths that escape the source root.
	ErrSourceOutsideRoot = errors.New("job: source path is outside the source root")
	// ErrRenderUnavailable is returned when rendering is requested without a renderer.
	ErrRenderUnavailable = errors.New("job: rendering is not available")
	// ErrPlanNotReady is returned when a job has no stored plan yet.
	ErrPlanNotReady = errors.New("job: plan is not ready")
	// ErrVideoNotReady is returned when a job has no rendered video.
	ErrVideoNotReady = errors.New("job: video is not ready")
)

// Engine runs one reframing analysis. *reframe.Engine implements it.
type Engine interface {
	Run(ctx context.Context, req reframe.Request) (*reframe.Result, error)
}

// Renderer applies a compiled crop plan to a video. *media.FFmpegProcessor implements it.
type Renderer interface {
	RenderCrop(ctx context.Context, src, dst string, instructions []crop.Instruction) error
}

// ReframeInput contains the parameters of a reframing request.
type ReframeInput struct {
	// VideoBase64 is the base64-encoded source video. Mutually exclusive with SourcePath.
	VideoBase64 string
	// SourcePath is a video path relative to the configured source root.
	SourcePath string
	// AspectRatio is the requested output ratio. The zero value means 9:16.
	AspectRatio crop.AspectRatio
	// SampleInterval is the sampling interval in seconds. Zero uses the engine default.
	SampleInterval float64
	// ClipStart and ClipEnd restrict the analysis to a time range.
	ClipStart float64
	ClipEnd   float64
	// Tuning overrides engine thresholds for this job.
	Tuning reframe.Tuning
	// Render encodes the reframed video after analysis.
	Render bool
	// PushToS3 uploads the plan, and the video when rendered, to S3.
	PushToS3 bool
}

// ReframeService orchestrates reframing jobs.
// It persists job state, runs the engine, stores the compiled plan and optionally
// renders and uploads the reframed video.
type ReframeService struct {
	repo       Repository
	engine     Engine
	storage    storage.Storage
	renderer   Renderer
	logger     *slog.Logger
	sourceRoot string
	jobTimeout time.Duration
	interval   float64

	// mu serializes read-modify-write cycles on jobs and guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ServiceOption configures a ReframeService.
type ServiceOption func(*ReframeService)

// WithRenderer enables rendering of reframed videos.
func WithRenderer(r Renderer) ServiceOption {
	return func(s *ReframeService) {
		s.renderer = r
	}
}

// WithSourceRoot allows jobs to reference videos under root instead of uploading them.
func WithSourceRoot(root string) ServiceOption {
	return func(s *ReframeService) {
		s.sourceRoot = root
	}
}

// WithJobTimeout bounds the processing time of a single job. Zero disables the bound.
func WithJobTimeout(d time.Duration) ServiceOption {
	return func(s *ReframeService) {
		if d >= 0 {
			s.jobTimeout = d
		}
	}
}

// WithDefaultSampleInterval sets the sampling interval used by jobs that do not set one.
func WithDefaultSampleInterval(seconds float64) ServiceOption {
	return func(s *ReframeService) {
		if seconds > 0 {
			s.interval = seconds
		}
	}
}

// NewReframeService creates a new ReframeService.
func NewReframeService(repo Repository, engine Engine, store storage.Storage, logger *slog.Logger, opts ...ServiceOption) *ReframeService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ReframeService{
		repo:    repo,
		engine:  engine,
		storage: store,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanRender reports whether the service was configured with a renderer.
func (s *ReframeService) CanRender() bool {
	return s.renderer != nil
}

// CreateJob validates the input, stores the source and persists a new job in
// IN_QUEUE status, ready for processing.
func (s *ReframeService) CreateJob(ctx context.Context, input ReframeInput) (*Job, error) {
	if input.Render && s.renderer == nil {
		return nil, ErrRenderUnavailable
	}

	job := New()
	if input.AspectRatio.IsValid() {
		job.AspectRatio = input.AspectRatio
	}
	job.SampleInterval = input.SampleInterval
	if job.SampleInterval <= 0 {
		job.SampleInterval = s.interval
	}
	job.ClipStart = input.ClipStart
	job.ClipEnd = input.ClipEnd
	job.Tuning = input.Tuning
	job.Render = input.Render
	job.PushToS3 = input.PushToS3

	switch {
	case input.VideoBase64 != "":
		path, err := s.saveUpload(ctx, job.ID, input.VideoBase64)
		if err != nil {
			return nil, err
		}
		job.SourcePath = path
		job.UploadedSource = true
	case input.SourcePath != "":
		path, err := s.resolveSourcePath(input.SourcePath)
		if err != nil {
			return nil, err
		}
		job.SourcePath = path
	default:
		return nil, ErrSourceRequired
	}

	s.logger.Info("creating new job",
		slog.String("job_id", job.ID),
		slog.String("aspect_ratio", job.AspectRatio.String()),
		slog.Float64("sample_interval", job.SampleInterval),
		slog.Bool("render", job.Render),
		slog.Bool("push_to_s3", job.PushToS3),
	)

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		if job.UploadedSource {
			_ = s.storage.CleanupTemp(context.WithoutCancel(ctx), []string{job.SourcePath})
		}
		return nil, err
	}

	return job, nil
}

// saveUpload decodes a base64 video, optionally prefixed with a data URI header,
// into a temp file.
func (s *ReframeService) saveUpload(ctx context.Context, jobID, encoded string) (string, error) {
	if _, data, ok := strings.Cut(encoded, ";base64,"); ok {
		encoded = data
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidVideo, err)
	}
	if len(raw) == 0 {
		return "", ErrInvalidVideo
	}

	path, err := s.storage.SaveTemp(ctx, "source-"+jobID+".mp4", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("save source video: %w", err)
	}
	return path, nil
}

// resolveSourcePath maps a client path onto the source root.
func (s *ReframeService) resolveSourcePath(p string) (string, error) {
	if s.sourceRoot == "" {
		return "", ErrSourcePathDisabled
	}
	full := filepath.Join(s.sourceRoot, filepath.Clean("/"+p))
	rel, err := filepath.Rel(s.sourceRoot, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrSourceOutsideRoot, p)
	}
	return full, nil
}

// GetJob retrieves a job by ID.
func (s *ReframeService) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns all jobs, newest first.
func (s *ReframeService) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// OpenPlan opens the stored plan document of a job.
// The caller is responsible for closing the returned ReadCloser.
func (s *ReframeService) OpenPlan(ctx context.Context, id string) (io.ReadCloser, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.PlanPath == "" {
		return nil, ErrPlanNotReady
	}
	return s.storage.LoadTemp(ctx, job.PlanPath)
}

// OpenVideo opens the rendered video of a completed job.
// The caller is responsible for closing the returned ReadCloser.
func (s *ReframeService) OpenVideo(ctx context.Context, id string) (io.ReadCloser, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted || job.OutputVideoPath == "" {
		return nil, ErrVideoNotReady
	}
	return s.storage.LoadTemp(ctx, job.OutputVideoPath)
}

// CancelJob moves a queued or running job to CANCELLED and stops its processing.
// Returns ErrInvalidTransition if the job already finished.
func (s *ReframeService) CancelJob(ctx context.Context, id string) (*Job, error) {
	var cancel context.CancelFunc
	job, err := s.update(ctx, id, func(j *Job) error {
		if err := j.Cancel(); err != nil {
			return err
		}
		cancel = s.running[id]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancel != nil {
		cancel()
	} else if job.UploadedSource {
		// Queued jobs never reach processing, which owns the cleanup otherwise.
		if err := s.storage.CleanupTemp(context.WithoutCancel(ctx), []string{job.SourcePath}); err != nil {
			s.logger.Warn("failed to remove uploaded source",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("job cancelled",
		slog.String("job_id", id),
		slog.Bool("was_running", cancel != nil),
	)
	return job, nil
}

// ProcessExistingJob runs a queued job to completion and returns its final state.
// The returned error is the processing error, if any; the job itself records the
// outcome as FAILED, CANCELLED or TIMED_OUT.
func (s *ReframeService) ProcessExistingJob(ctx context.Context, jobID string) (*Job, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.jobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The cancel func is registered in the same critical section that marks the
	// job running, so CancelJob sees either a queued job or a cancellable one.
	registered := false
	job, err := s.update(ctx, jobID, func(j *Job) error {
		if err := j.Start(); err != nil {
			return err
		}
		s.running[jobID] = cancel
		registered = true
		return nil
	})
	if err != nil {
		if registered {
			s.mu.Lock()
			delete(s.running, jobID)
			s.mu.Unlock()
		}
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
	}()

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	logger := s.logger.With(slog.String("job_id", jobID))
	logger.Info("processing job",
		slog.String("source", job.SourcePath),
		slog.String("aspect_ratio", job.AspectRatio.String()),
	)
	start := time.Now()

	// Job state must be written even after runCtx is cancelled.
	storeCtx := context.WithoutCancel(ctx)
	if job.UploadedSource {
		defer func() {
			if err := s.storage.CleanupTemp(storeCtx, []string{job.SourcePath}); err != nil {
				logger.Warn("failed to remove uploaded source", slog.String("error", err.Error()))
			}
		}()
	}

	runErr := s.process(runCtx, storeCtx, job, logger)
	if runErr == nil {
		final, err := s.update(storeCtx, jobID, (*Job).Complete)
		if err == nil {
			logger.Info("job completed",
				slog.Duration("duration", time.Since(start)),
				slog.Int("instructions", len(final.Instructions)),
			)
			return final, nil
		}
		// Cancelled between the end of processing and completion.
		runErr = fmt.Errorf("complete job: %w", err)
	}

	final, err := s.update(storeCtx, jobID, func(j *Job) error {
		switch {
		case j.IsTerminal():
			return nil
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return j.Timeout()
		case errors.Is(runErr, context.Canceled):
			return j.Cancel()
		default:
			return j.Fail(runErr.Error())
		}
	})
	if err != nil {
		logger.Error("failed to record job outcome", slog.String("error", err.Error()))
		return nil, errors.Join(runErr, err)
	}

	logger.Warn("job did not complete",
		slog.String("status", string(final.Status)),
		slog.Duration("duration", time.Since(start)),
		slog.String("error", runErr.Error()),
	)
	return final, runErr
}

// process runs the engine and stores its outputs on the job.
func (s *ReframeService) process(ctx, storeCtx context.Context, job *Job, logger *slog.Logger) error {
	res, err := s.engine.Run(ctx, reframe.Request{
		Source:         job.SourcePath,
		AspectRatio:    job.AspectRatio,
		SampleInterval: job.SampleInterval,
		ClipStart:      job.ClipStart,
		ClipEnd:        job.ClipEnd,
		Tuning:         job.Tuning,
		OnProgress: func(p reframe.Progress) {
			_, _ = s.update(storeCtx, job.ID, func(j *Job) error {
				if !j.IsTerminal() {
					j.UpdateProgress(p.Completed, p.Total)
				}
				return nil
			})
		},
	})
	if err != nil {
		return fmt.Errorf("reframe: %w", err)
	}
	if len(res.DegradedFrames) > 0 {
		logger.Warn("detection degraded on some frames",
			slog.Int("degraded_frames", len(res.DegradedFrames)),
		)
	}

	planPath, planURL, err := s.persistPlan(ctx, job, res)
	if err != nil {
		return err
	}
	if _, err := s.update(storeCtx, job.ID, func(j *Job) error {
		j.SetPlan(res, planPath, planURL)
		return nil
	}); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}

	if !job.Render {
		return nil
	}
	videoPath, videoURL, err := s.render(ctx, job, res.Instructions, logger)
	if err != nil {
		return err
	}
	if _, err := s.update(storeCtx, job.ID, func(j *Job) error {
		j.SetOutput(videoPath, videoURL)
		return nil
	}); err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	return nil
}

// planDocument is the JSON document stored for every completed analysis.
type planDocument struct {
	JobID string `json:"job_id"`
	*reframe.Result
}

// persistPlan writes the plan JSON to temp storage and uploads it when requested.
func (s *ReframeService) persistPlan(ctx context.Context, job *Job, res *reframe.Result) (string, string, error) {
	data, err := json.MarshalIndent(planDocument{JobID: job.ID, Result: res}, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode plan: %w", err)
	}

	path, err := s.storage.SaveTemp(ctx, "plan-"+job.ID+".json", bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("save plan: %w", err)
	}
	if !job.PushToS3 {
		return path, "", nil
	}

	url, err := s.storage.UploadToS3(ctx, "plans/"+job.ID+".json", bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("upload plan: %w", err)
	}
	return path, url, nil
}

// render encodes the reframed video and uploads it when requested.
func (s *ReframeService) render(ctx context.Context, job *Job, instructions []crop.Instruction, logger *slog.Logger) (string, string, error) {
	if s.renderer == nil {
		return "", "", ErrRenderUnavailable
	}

	// Reserve a temp path; ffmpeg overwrites it.
	dst, err := s.storage.SaveTemp(ctx, "reframed-"+job.ID+".mp4", bytes.NewReader(nil))
	if err != nil {
		return "", "", fmt.Errorf("reserve output: %w", err)
	}

	logger.Info("rendering reframed video", slog.Int("instructions", len(instructions)))
	if err := s.renderer.RenderCrop(ctx, job.SourcePath, dst, instructions); err != nil {
		_ = s.storage.CleanupTemp(context.WithoutCancel(ctx), []string{dst})
		return "", "", fmt.Errorf("render: %w", err)
	}
	if !job.PushToS3 {
		return dst, "", nil
	}

	f, err := s.storage.LoadTemp(ctx, dst)
	if err != nil {
		return "", "", fmt.Errorf("open rendered video: %w", err)
	}
	defer func() { _ = f.Close() }()

	url, err := s.storage.UploadToS3(ctx, "videos/"+job.ID+".mp4", f)
	if err != nil {
		return "", "", fmt.Errorf("upload video: %w", err)
	}
	return dst, url, nil
}

// update loads a job, applies fn and saves the result under the service lock.
// Nothing is saved when fn fails. Transitions into a terminal status are counted.
func (s *ReframeService) update(ctx context.Context, jobID string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	wasTerminal := job.IsTerminal()
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	if !wasTerminal && job.IsTerminal() {
		metrics.JobsTotal.WithLabelValues(strings.ToLower(string(job.Status))).Inc()
	}
	return job, nil
}
