package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepulse/internal/artifact"
	apierrors "tradepulse/internal/errors"
	"tradepulse/internal/exporter"
	"tradepulse/internal/pipeline"
	"tradepulse/internal/services"
	"tradepulse/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router  chi.Router
	service *services.AnalysisService
	archive *artifact.Archive
}

// newTestEnv wires a full analysis stack over a temp archive
func newTestEnv(t *testing.T, maxRunning int, execs pipeline.ExecutorSet) *testEnv {
	t.Helper()
	logger := discardLogger()
	archive := artifact.NewArchive(t.TempDir(), logger)
	store := artifact.NewStore(archive, logger)
	registry := task.NewRegistry(maxRunning, logger)
	scheduler := pipeline.NewScheduler(pipeline.Config{Workers: 4, StepTimeout: 5 * time.Second}, logger)
	if execs == nil {
		execs = services.BuildExecutors()
	}
	svc := services.NewAnalysisService(registry, scheduler, store, archive, nil, execs, logger)

	errs := apierrors.NewErrorHandler(logger, false)
	router := chi.NewRouter()
	router.Mount("/api/analysis", NewAnalysisHandler(svc, errs, logger).Routes())
	router.Mount("/api/history", NewHistoryHandler(svc, exporter.NewCSVExporter(archive, logger), errs, logger).Routes())

	return &testEnv{router: router, service: svc, archive: archive}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) startTask(t *testing.T, body interface{}) AnalysisResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/analysis", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp AnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) waitCompleted(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := e.service.Status(id)
		require.NoError(t, err)
		if info.Progress.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never finished")
}

func TestStartAnalysisAccepted(t *testing.T) {
	env := newTestEnv(t, 16, nil)

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "600519.SH", resp.Symbol)
	assert.Equal(t, "/api/analysis/"+resp.TaskID+"/status", resp.Links["status"])
}

func TestStartAnalysisValidation(t *testing.T) {
	env := newTestEnv(t, 16, nil)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing ticker", map[string]interface{}{}},
		{"bad date", map[string]interface{}{"ticker": "600519", "trade_date": "28-08-2026"}},
		{"unknown analyst", map[string]interface{}{"ticker": "600519", "analysts": []string{"astrologer"}}},
		{"bad depth", map[string]interface{}{"ticker": "600519", "research_depth": 9}},
		{"bad ticker", map[string]interface{}{"ticker": "applestock"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/analysis", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "/errors/validation")
		})
	}
}

func TestStatusAndReportLifecycle(t *testing.T) {
	env := newTestEnv(t, 16, nil)

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})
	env.waitCompleted(t, resp.TaskID)

	rec := env.do(t, http.MethodGet, "/api/analysis/"+resp.TaskID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info task.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, pipeline.TaskStatusCompleted, info.Progress.Status)
	assert.Equal(t, 100.0, info.Progress.Percent)

	rec = env.do(t, http.MethodGet, "/api/analysis/"+resp.TaskID+"/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Sections, 12)

	rec = env.do(t, http.MethodGet, "/api/analysis/"+resp.TaskID+"/report/"+pipeline.StepRiskManager, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var section artifact.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &section))
	assert.Contains(t, section.Content, "600519.SH")
}

func TestStatusUnknownTask(t *testing.T) {
	env := newTestEnv(t, 16, nil)

	rec := env.do(t, http.MethodGet, "/api/analysis/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/errors/analysis/not-found")
}

// blockingExecutors gates one step on a channel so tasks can be caught
// mid-flight
func blockingExecutors(step string, release <-chan struct{}) pipeline.ExecutorSet {
	execs := services.BuildExecutors()
	inner := execs[step]
	execs[step] = pipeline.ExecutorFunc(func(ctx context.Context, tk pipeline.Task, inputs map[string]string) (string, error) {
		select {
		case <-release:
			return inner.Execute(ctx, tk, inputs)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	return execs
}

func TestReportBeforeFinishConflicts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, 16, blockingExecutors(pipeline.StepConsolidation, release))

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})

	rec := env.do(t, http.MethodGet, "/api/analysis/"+resp.TaskID+"/report", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "TASK_NOT_FINISHED")
}

func TestSectionNotReadyConflicts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, 16, blockingExecutors(pipeline.StepMarketAnalyst, release))

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})

	rec := env.do(t, http.MethodGet, "/api/analysis/"+resp.TaskID+"/report/"+pipeline.StepMarketAnalyst, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ARTIFACT_NOT_READY")
}

func TestCancelAnalysis(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, 16, blockingExecutors(pipeline.StepMarketAnalyst, release))

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})

	rec := env.do(t, http.MethodPost, "/api/analysis/"+resp.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.waitCompleted(t, resp.TaskID)
	info, err := env.service.Status(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskStatusCancelled, info.Progress.Status)
}

func TestCapacityExceeded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, 1, blockingExecutors(pipeline.StepMarketAnalyst, release))

	env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})

	rec := env.do(t, http.MethodPost, "/api/analysis", map[string]interface{}{"ticker": "000001", "trade_date": "2026-08-28"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "CAPACITY_EXCEEDED")
}

func TestListWithStatusFilter(t *testing.T) {
	env := newTestEnv(t, 16, nil)

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})
	env.waitCompleted(t, resp.TaskID)

	rec := env.do(t, http.MethodGet, "/api/analysis?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, resp.TaskID, list.Tasks[0].ID)
	assert.Equal(t, 1, list.Stats.Total)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, 16, nil)

	resp := env.startTask(t, map[string]interface{}{"ticker": "600519", "trade_date": "2026-08-28"})
	env.waitCompleted(t, resp.TaskID)
	env.service.Wait()

	rec := env.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Runs, 1)
	assert.Equal(t, "600519.SH", history.Runs[0].Ticker)

	rec = env.do(t, http.MethodGet, "/api/history/600519.SH/2026-08-28", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run artifact.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Len(t, run.Reports, 12)
	require.NotNil(t, run.Summary)

	rec = env.do(t, http.MethodGet, "/api/history/999999.SH/2026-08-28", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ARCHIVE_NOT_FOUND")

	rec = env.do(t, http.MethodGet, "/api/history/export.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "600519.SH,2026-08-28")
}
