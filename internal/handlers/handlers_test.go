package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"runboard/internal/engine"
	"runboard/internal/models"
	"runboard/internal/registry"
	"runboard/internal/stream"
)

type stubService struct {
	tasks     []registry.Task
	triggerFn func(ctx context.Context, task string, input []byte) (*engine.RunAggregate, error)
	getFn     func(ctx context.Context, task string, runID uuid.UUID) (*engine.RunAggregate, error)
	cancelFn  func(ctx context.Context, task string, runID uuid.UUID) (*engine.RunAggregate, error)
	retryFn   func(ctx context.Context, task string, runID uuid.UUID) (*engine.RunAggregate, error)
}

func (s *stubService) Tasks() []registry.Task { return s.tasks }

func (s *stubService) Trigger(ctx context.Context, task string, input []byte) (*engine.RunAggregate, error) {
	return s.triggerFn(ctx, task, input)
}

func (s *stubService) Get(ctx context.Context, task string, runID uuid.UUID) (*engine.RunAggregate, error) {
	return s.getFn(ctx, task, runID)
}

func (s *stubService) Cancel(ctx context.Context, task string, runID uuid.UUID) (*engine.RunAggregate, error) {
	return s.cancelFn(ctx, task, runID)
}

func (s *stubService) Retry(ctx context.Context, task string, runID uuid.UUID) (*engine.RunAggregate, error) {
	return s.retryFn(ctx, task, runID)
}

func testAggregate(task string, status models.RunStatus) *engine.RunAggregate {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	completed := now.Add(600 * time.Millisecond)
	return &engine.RunAggregate{
		Run: models.Run{
			ID:          uuid.New(),
			TaskHandler: task,
			Input:       datatypes.JSON(`{"x":1}`),
			InputHash:   strings.Repeat("ab", 32),
			Status:      status,
			CreatedAt:   now,
			StartedAt:   &now,
			CompletedAt: &completed,
		},
		Attempt: 1,
	}
}

func newTestAPI(t *testing.T, svc RunService) *API {
	t.Helper()
	api, err := New(svc, nil, zerolog.Nop(), Config{
		StreamOptions: stream.Options{CloseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	return api
}

func serve(t *testing.T, api *API, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := api.Routes()
	require.NoError(t, err)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunView {
	t.Helper()
	var payload struct {
		Run RunView `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Run
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Code, payload.Error
}

func TestListTasks(t *testing.T) {
	svc := &stubService{tasks: []registry.Task{{
		Handler:    "send-report",
		Name:       "Send report",
		RetryLimit: 1,
		Timeout:    5 * time.Second,
		Steps:      []registry.StepTemplate{{Name: "fetch", AvgDurationMS: 100}},
	}}}
	rec := serve(t, newTestAPI(t, svc), http.MethodGet, "/v1/tasks", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Tasks []TaskView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Tasks, 1)
	assert.Equal(t, "send-report", payload.Tasks[0].Handler)
	assert.Equal(t, int64(5000), payload.Tasks[0].TimeoutMS)
}

func TestTriggerRun(t *testing.T) {
	var gotTask string
	var gotInput []byte
	svc := &stubService{
		triggerFn: func(_ context.Context, task string, input []byte) (*engine.RunAggregate, error) {
			gotTask, gotInput = task, input
			return testAggregate(task, models.RunStatusCompleted), nil
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs", `{"input": {"x": 1}}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "send-report", gotTask)
	assert.JSONEq(t, `{"x":1}`, string(gotInput))

	run := decodeRun(t, rec)
	assert.Equal(t, "send-report", run.Task)
	assert.Equal(t, "COMPLETED", run.Status)
	assert.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.DurationMS)
	assert.Equal(t, int64(600), *run.DurationMS)
}

func TestTriggerRunUnknownTask(t *testing.T) {
	svc := &stubService{
		triggerFn: func(_ context.Context, task string, _ []byte) (*engine.RunAggregate, error) {
			return nil, engine.NotFoundf("task %q is not registered", task)
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/nope/runs", `{"input": {}}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	code, msg := decodeErrorBody(t, rec)
	assert.Equal(t, "not_found", code)
	assert.Contains(t, msg, "not registered")
}

func TestTriggerRunInvalidInput(t *testing.T) {
	svc := &stubService{
		triggerFn: func(_ context.Context, _ string, _ []byte) (*engine.RunAggregate, error) {
			return nil, engine.Validationf("input payload is not valid JSON")
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs", `{"input": "oops"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeErrorBody(t, rec)
	assert.Equal(t, "validation", code)
}

func TestTriggerRunRejectsUnknownFields(t *testing.T) {
	svc := &stubService{}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs", `{"payload": {}}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	agg := testAggregate("send-report", models.RunStatusCompleted)
	svc := &stubService{
		getFn: func(_ context.Context, _ string, runID uuid.UUID) (*engine.RunAggregate, error) {
			require.Equal(t, agg.Run.ID, runID)
			return agg, nil
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodGet,
		"/v1/tasks/send-report/runs/"+agg.Run.ID.String(), "")

	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeRun(t, rec)
	assert.Equal(t, agg.Run.ID, run.ID)
}

func TestGetRunBadID(t *testing.T) {
	rec := serve(t, newTestAPI(t, &stubService{}), http.MethodGet,
		"/v1/tasks/send-report/runs/not-a-uuid", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	svc := &stubService{
		getFn: func(_ context.Context, _ string, runID uuid.UUID) (*engine.RunAggregate, error) {
			return nil, engine.NotFoundf("run %s not found", runID)
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodGet,
		"/v1/tasks/send-report/runs/"+uuid.NewString(), "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeErrorBody(t, rec)
	assert.Equal(t, "not_found", code)
}

func TestCancelRun(t *testing.T) {
	svc := &stubService{
		cancelFn: func(_ context.Context, task string, _ uuid.UUID) (*engine.RunAggregate, error) {
			return testAggregate(task, models.RunStatusCancelled), nil
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs/"+uuid.NewString()+"/cancel", "")

	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeRun(t, rec)
	assert.Equal(t, "CANCELLED", run.Status)
}

func TestCancelRunAlreadyTerminal(t *testing.T) {
	svc := &stubService{
		cancelFn: func(_ context.Context, _ string, _ uuid.UUID) (*engine.RunAggregate, error) {
			return nil, engine.InvalidStatef("run is already COMPLETED")
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs/"+uuid.NewString()+"/cancel", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, msg := decodeErrorBody(t, rec)
	assert.Equal(t, "invalid_state", code)
	assert.Contains(t, msg, "COMPLETED")
}

func TestRetryRun(t *testing.T) {
	svc := &stubService{
		retryFn: func(_ context.Context, task string, _ uuid.UUID) (*engine.RunAggregate, error) {
			agg := testAggregate(task, models.RunStatusCompleted)
			agg.Attempt = 2
			original := uuid.New()
			agg.OriginalRunID = &original
			return agg, nil
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs/"+uuid.NewString()+"/retry", "")

	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeRun(t, rec)
	assert.Equal(t, 2, run.Attempt)
	assert.NotNil(t, run.OriginalRunID)
}

func TestRetryRunLimitExceeded(t *testing.T) {
	svc := &stubService{
		retryFn: func(_ context.Context, _ string, _ uuid.UUID) (*engine.RunAggregate, error) {
			return nil, engine.LimitExceededf("retry limit of 2 reached")
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodPost,
		"/v1/tasks/send-report/runs/"+uuid.NewString()+"/retry", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeErrorBody(t, rec)
	assert.Equal(t, "limit_exceeded", code)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	svc := &stubService{
		getFn: func(_ context.Context, _ string, _ uuid.UUID) (*engine.RunAggregate, error) {
			return nil, engine.Internal(assert.AnError)
		},
	}
	rec := serve(t, newTestAPI(t, svc), http.MethodGet,
		"/v1/tasks/send-report/runs/"+uuid.NewString(), "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	_, msg := decodeErrorBody(t, rec)
	assert.Equal(t, "internal error", msg)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestStreamRun(t *testing.T) {
	runID := uuid.New()
	createdAt := time.Now().UTC().Add(-time.Hour)
	completed := createdAt.Add(600 * time.Millisecond)

	api := newTestAPI(t, &stubService{})
	api.snapshots = func(_ context.Context, task string, id uuid.UUID) (*stream.Snapshot, error) {
		require.Equal(t, "send-report", task)
		require.Equal(t, runID, id)
		return &stream.Snapshot{
			RunID:       runID,
			TaskHandler: task,
			Status:      models.RunStatusCompleted,
			CreatedAt:   createdAt,
			StartedAt:   &createdAt,
			CompletedAt: &completed,
			Logs: []stream.LogRecord{
				{Level: models.LogLevelInfo, Message: "run started", Metadata: json.RawMessage(`{}`), Timestamp: createdAt},
				{Level: models.LogLevelInfo, Message: "run completed", Metadata: json.RawMessage(`{}`), Timestamp: completed},
			},
		}, nil
	}

	rec := serve(t, api, http.MethodGet,
		"/v1/tasks/send-report/runs/"+runID.String()+"/stream", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	logIdx := strings.Index(body, "event: log\n")
	statusIdx := strings.Index(body, "event: status\n")
	require.GreaterOrEqual(t, logIdx, 0)
	require.Greater(t, statusIdx, logIdx)
	assert.Contains(t, body, `"message":"run started"`)
	assert.Contains(t, body, `"status":"COMPLETED"`)
	assert.Equal(t, 2, strings.Count(body, "event: log\n"))
}

func TestStreamRunNotFound(t *testing.T) {
	api := newTestAPI(t, &stubService{})
	api.snapshots = func(_ context.Context, _ string, id uuid.UUID) (*stream.Snapshot, error) {
		return nil, engine.NotFoundf("run %s not found", id)
	}

	rec := serve(t, api, http.MethodGet,
		"/v1/tasks/send-report/runs/"+uuid.NewString()+"/stream", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeErrorBody(t, rec)
	assert.Equal(t, "not_found", code)
}

func TestHealthz(t *testing.T) {
	rec := serve(t, newTestAPI(t, &stubService{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
