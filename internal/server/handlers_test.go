package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/job"
	"github.com/maauso/reframe-api/internal/reframe"
	"github.com/maauso/reframe-api/internal/storage"
)

// stubEngine implements job.Engine with a canned result.
type stubEngine struct {
	err error
}

func (e *stubEngine) Run(_ context.Context, req reframe.Request) (*reframe.Result, error) {
	if e.err != nil {
		return nil, e.err
	}
	if req.OnProgress != nil {
		req.OnProgress(reframe.Progress{Completed: 1, Total: 1})
	}
	return &reframe.Result{
		AspectRatio: req.AspectRatio.String(),
		Dimensions:  crop.Dimensions{SourceWidth: 1920, SourceHeight: 1080, CropWidth: 608, CropHeight: 1080},
		Instructions: []crop.Instruction{
			{Start: 0, End: 10, Rect: crop.Rect{X: 656, Width: 608, Height: 1080}},
		},
		Stats: reframe.Stats{FramesSampled: 5, FramesWithSubject: 5, FacesDetected: 5, Instructions: 1},
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, opts ...job.ServiceOption) *job.ReframeService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return job.NewReframeService(job.NewMemoryRepository(), &stubEngine{}, store, testLogger(), opts...)
}

func newTestHandlers(t *testing.T, opts ...job.ServiceOption) (*Handlers, *job.ReframeService) {
	t.Helper()
	svc := newTestService(t, opts...)
	// Jobs are processed explicitly so tests control timing.
	return NewHandlers(svc, testLogger(), WithAsyncProcessing(false)), svc
}

func videoBase64() string {
	return base64.StdEncoding.EncodeToString([]byte("fake mp4"))
}

func postJob(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	bodyJSON, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(bodyJSON))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func withID(r *http.Request, id string) *http.Request {
	r.SetPathValue("id", id)
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Render)
}

func TestCreateJob_Success(t *testing.T) {
	h, svc := newTestHandlers(t)

	rec := postJob(t, h.CreateJob, CreateJobRequest{
		VideoBase64:    videoBase64(),
		AspectRatio:    "1:1",
		SampleInterval: 1,
		ClipStart:      5,
		ClipEnd:        15,
		Tuning:         &TuningRequest{MaxVelocity: 0.2},
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "IN_QUEUE", resp.Status)

	created, err := svc.GetJob(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "1:1", created.AspectRatio.String())
	assert.Equal(t, 1.0, created.SampleInterval)
	assert.Equal(t, 15.0, created.ClipEnd)
	assert.Equal(t, 0.2, created.Tuning.MaxVelocity)
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("invalid json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	h.CreateJob(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", decodeError(t, rec).Code)
}

func TestCreateJob_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body CreateJobRequest
	}{
		{"missing source", CreateJobRequest{}},
		{"both sources", CreateJobRequest{VideoBase64: videoBase64(), SourcePath: "a.mp4"}},
		{"malformed aspect ratio", CreateJobRequest{VideoBase64: videoBase64(), AspectRatio: "wide"}},
		{"zero aspect ratio", CreateJobRequest{VideoBase64: videoBase64(), AspectRatio: "0:16"}},
		{"negative interval", CreateJobRequest{VideoBase64: videoBase64(), SampleInterval: -1}},
		{"interval too large", CreateJobRequest{VideoBase64: videoBase64(), SampleInterval: 120}},
		{"negative clip start", CreateJobRequest{VideoBase64: videoBase64(), ClipStart: -2}},
		{"clip end before start", CreateJobRequest{VideoBase64: videoBase64(), ClipStart: 10, ClipEnd: 5}},
		{"confidence floor above one", CreateJobRequest{VideoBase64: videoBase64(), Tuning: &TuningRequest{ConfidenceFloor: 1.5}}},
		{"negative max velocity", CreateJobRequest{VideoBase64: videoBase64(), Tuning: &TuningRequest{MaxVelocity: -0.1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandlers(t)

			rec := postJob(t, h.CreateJob, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)

			jobs, err := svc.ListJobs(context.Background())
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestCreateJob_ServiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     CreateJobRequest
		wantCode string
	}{
		{"invalid base64", CreateJobRequest{VideoBase64: "%%%"}, "INVALID_VIDEO"},
		{"source paths disabled", CreateJobRequest{SourcePath: "talk.mp4"}, "INVALID_SOURCE_PATH"},
		{"render unavailable", CreateJobRequest{VideoBase64: videoBase64(), Render: true}, "RENDER_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandlers(t)

			rec := postJob(t, h.CreateJob, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestCreateJob_SourcePath(t *testing.T) {
	h, svc := newTestHandlers(t, job.WithSourceRoot(t.TempDir()))

	rec := postJob(t, h.CreateJob, CreateJobRequest{SourcePath: "talks/keynote.mp4"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	created, err := svc.GetJob(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(created.SourcePath, "keynote.mp4"))
}

func createJob(t *testing.T, svc *job.ReframeService) *job.Job {
	t.Helper()
	created, err := svc.CreateJob(context.Background(), job.ReframeInput{VideoBase64: videoBase64()})
	require.NoError(t, err)
	return created
}

func TestGetJob_Queued(t *testing.T) {
	h, svc := newTestHandlers(t)
	created := createJob(t, svc)

	req := withID(httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID, nil), created.ID)
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, created.ID, resp.ID)
	assert.Equal(t, "IN_QUEUE", resp.Status)
	assert.Equal(t, "9:16", resp.AspectRatio)
	assert.Nil(t, resp.Dimensions)
	assert.Empty(t, resp.Instructions)
	assert.Nil(t, resp.StartedAt)
	assert.False(t, resp.HasVideo)
}

func TestGetJob_Completed(t *testing.T) {
	h, svc := newTestHandlers(t)
	created := createJob(t, svc)
	_, err := svc.ProcessExistingJob(context.Background(), created.ID)
	require.NoError(t, err)

	req := withID(httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID, nil), created.ID)
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, 100, resp.Progress)
	assert.Equal(t, 1, resp.FramesTotal)
	require.NotNil(t, resp.Dimensions)
	assert.Equal(t, 608, resp.Dimensions.CropWidth)
	require.Len(t, resp.Instructions, 1)
	assert.Equal(t, 656, resp.Instructions[0].Rect.X)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 5, resp.Stats.FacesDetected)
	assert.NotNil(t, resp.StartedAt)
	assert.NotNil(t, resp.CompletedAt)
	assert.False(t, resp.HasVideo)
}

func TestGetJob_Failed(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	svc := job.NewReframeService(job.NewMemoryRepository(), &stubEngine{err: reframe.ErrEmptySource}, store, testLogger())
	h := NewHandlers(svc, testLogger(), WithAsyncProcessing(false))

	created := createJob(t, svc)
	_, err = svc.ProcessExistingJob(context.Background(), created.ID)
	require.ErrorIs(t, err, reframe.ErrEmptySource)

	req := withID(httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID, nil), created.ID)
	rec := httptest.NewRecorder()
	h.GetJob(rec, req)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "FAILED", resp.Status)
	assert.Contains(t, resp.Error, reframe.ErrEmptySource.Error())
}

func TestGetJob_NotFound(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := withID(httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil), "nonexistent")
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, rec).Code)
}

func TestGetJob_MissingID(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/", nil)
	rec := httptest.NewRecorder()

	h.GetJob(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_JOB_ID", decodeError(t, rec).Code)
}

func TestListJobs(t *testing.T) {
	h, svc := newTestHandlers(t)
	first := createJob(t, svc)
	time.Sleep(2 * time.Millisecond)
	second := createJob(t, svc)

	rec := httptest.NewRecorder()
	h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ListJobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, second.ID, resp.Jobs[0].ID)
	assert.Equal(t, first.ID, resp.Jobs[1].ID)
	assert.Equal(t, "IN_QUEUE", resp.Jobs[0].Status)
}

func TestListJobs_Empty(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestCancelJob(t *testing.T) {
	h, svc := newTestHandlers(t)
	created := createJob(t, svc)

	rec := httptest.NewRecorder()
	h.CancelJob(rec, withID(httptest.NewRequest(http.MethodDelete, "/jobs/"+created.ID, nil), created.ID))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "CANCELLED", resp.Status)
	assert.NotNil(t, resp.CompletedAt)

	rec = httptest.NewRecorder()
	h.CancelJob(rec, withID(httptest.NewRequest(http.MethodDelete, "/jobs/"+created.ID, nil), created.ID))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_FINISHED", decodeError(t, rec).Code)

	rec = httptest.NewRecorder()
	h.CancelJob(rec, withID(httptest.NewRequest(http.MethodDelete, "/jobs/missing", nil), "missing"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPlan(t *testing.T) {
	h, svc := newTestHandlers(t)
	created := createJob(t, svc)

	rec := httptest.NewRecorder()
	h.GetPlan(rec, withID(httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID+"/plan", nil), created.ID))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PLAN_NOT_READY", decodeError(t, rec).Code)

	_, err := svc.ProcessExistingJob(context.Background(), created.ID)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.GetPlan(rec, withID(httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID+"/plan", nil), created.ID))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var plan struct {
		JobID        string             `json:"job_id"`
		Instructions []crop.Instruction `json:"instructions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plan))
	assert.Equal(t, created.ID, plan.JobID)
	assert.Len(t, plan.Instructions, 1)
}

func TestGetVideo_NotReady(t *testing.T) {
	h, svc := newTestHandlers(t)
	created := createJob(t, svc)
	_, err := svc.ProcessExistingJob(context.Background(), created.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.GetVideo(rec, withID(httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID+"/video", nil), created.ID))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "VIDEO_NOT_READY", decodeError(t, rec).Code)
}

func TestRouter_Integration(t *testing.T) {
	h, svc := newTestHandlers(t)
	router := NewRouter(h, testLogger(), DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	bodyJSON, err := json.Marshal(CreateJobRequest{VideoBase64: videoBase64()})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(bodyJSON))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var createResp CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&createResp))

	_, err = svc.ProcessExistingJob(context.Background(), createResp.ID)
	require.NoError(t, err)

	for _, path := range []string{"/jobs", "/jobs/" + createResp.ID, "/jobs/" + createResp.ID + "/plan"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	req = httptest.NewRequest(http.MethodDelete, "/jobs/"+createResp.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `reframe_http_requests_total{method="POST",path="/jobs",status="202"}`)
	assert.Contains(t, body, `path="/jobs/{id}"`)
	assert.Contains(t, body, "reframe_jobs_total")
}

func TestRouter_AsyncProcessing(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(NewHandlers(svc, testLogger()), testLogger(), DefaultConfig())

	bodyJSON, err := json.Marshal(CreateJobRequest{VideoBase64: videoBase64()})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(bodyJSON))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var createResp CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&createResp))

	require.Eventually(t, func() bool {
		j, err := svc.GetJob(context.Background(), createResp.ID)
		return err == nil && j.Status == job.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRouteLabel(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	assert.Equal(t, "unmatched", routeLabel(req))

	req.Pattern = "GET /jobs/{id}"
	assert.Equal(t, "/jobs/{id}", routeLabel(req))

	req.Pattern = "/static/"
	assert.Equal(t, "/static/", routeLabel(req))
}

func TestCORSMiddleware(t *testing.T) {
	h, _ := newTestHandlers(t)

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://example.com"}
	router := NewRouter(h, testLogger(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoggingMiddleware(t *testing.T) {
	h, svc := newTestHandlers(t)
	j := createJob(t, svc)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	router := NewRouter(h, logger, DefaultConfig())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String(), "health checks log at debug level")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, "/jobs/"+j.ID, entry["path"])
	assert.Equal(t, "/jobs/{id}", entry["route"])
	assert.EqualValues(t, http.StatusOK, entry["status"])
	assert.EqualValues(t, rec.Body.Len(), entry["bytes"])
}

func TestRecoveryMiddleware(t *testing.T) {
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(testLogger())(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}
