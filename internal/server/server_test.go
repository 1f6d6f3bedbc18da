package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/detect"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/logging"
	"github.com/fyrsmithlabs/costwatchd/internal/pipeline"
	"github.com/fyrsmithlabs/costwatchd/internal/waste"
)

func TestNew(t *testing.T) {
	runner := &fakeRunner{}
	store := ledger.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	scorer := waste.NewScorer(waste.DefaultRuleSet())

	t.Run("creates server with valid dependencies", func(t *testing.T) {
		srv, err := New(runner, store, scorer, logging.NewNop(), testConfig())
		require.NoError(t, err)
		assert.NotNil(t, srv)
		assert.NotNil(t, srv.echo)
	})

	t.Run("accepts nil logger", func(t *testing.T) {
		srv, err := New(runner, store, scorer, nil, testConfig())
		require.NoError(t, err)
		assert.NotNil(t, srv.logger)
	})

	t.Run("returns error when runner is nil", func(t *testing.T) {
		_, err := New(nil, store, scorer, logging.NewNop(), testConfig())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "runner cannot be nil")
	})

	t.Run("returns error when store is nil", func(t *testing.T) {
		_, err := New(runner, nil, scorer, logging.NewNop(), testConfig())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ledger store cannot be nil")
	})

	t.Run("returns error when scorer is nil", func(t *testing.T) {
		_, err := New(runner, store, nil, logging.NewNop(), testConfig())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "scorer cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleScan(t *testing.T) {
	t.Run("returns the run report", func(t *testing.T) {
		runner := &fakeRunner{report: pipeline.RunReport{
			RunID:     "0c9d2f6e-55a1-4c8e-9f1b-3d7a2e4b6c80",
			Day:       "2025-06-01",
			Succeeded: 2,
			Detection: detect.CycleStats{PairsScanned: 40, Emitted: 3},
		}}
		srv, _ := setupTestServer(t, runner)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, runner.calls)

		var report pipeline.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, runner.report.RunID, report.RunID)
		assert.Equal(t, 2, report.Succeeded)
		assert.Equal(t, int64(40), report.Detection.PairsScanned)
	})

	t.Run("returns conflict while a cycle is running", func(t *testing.T) {
		runner := &fakeRunner{err: pipeline.ErrRunInFlight}
		srv, _ := setupTestServer(t, runner)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "already running")
	})

	t.Run("returns internal error when detection fails", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("clickhouse: connection refused")}
		srv, _ := setupTestServer(t, runner)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "scan failed")
	})
}

func TestHandleResults(t *testing.T) {
	t.Run("lists all results", func(t *testing.T) {
		srv, store := setupTestServer(t, &fakeRunner{})
		seedResult(t, store, "a-1", costmodel.StatusSuccess)
		seedResult(t, store, "a-2", costmodel.StatusPartial)
		seedResult(t, store, "a-3", costmodel.StatusFailed)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/results", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ResultsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Count)
		assert.Len(t, resp.Results, 3)
	})

	t.Run("filters by status", func(t *testing.T) {
		srv, store := setupTestServer(t, &fakeRunner{})
		seedResult(t, store, "a-1", costmodel.StatusSuccess)
		seedResult(t, store, "a-2", costmodel.StatusFailed)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/results?status=failed", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ResultsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "a-2", resp.Results[0].AnomalyID)
		assert.Equal(t, costmodel.StatusFailed, resp.Results[0].Status)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/results?status=bogus", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "unknown status")
	})
}

func TestHandleResultByID(t *testing.T) {
	t.Run("returns result with checkpoint", func(t *testing.T) {
		srv, store := setupTestServer(t, &fakeRunner{})
		seedResult(t, store, "a-1", costmodel.StatusPartial)
		err := store.PutCheckpoint(context.Background(), ledger.Checkpoint{
			AnomalyID:  "a-1",
			Stage:      "pr_opened",
			BranchName: "costwatch/a-1",
			PRURL:      "https://github.com/acme/infra/pull/7",
			PRNumber:   7,
			UpdatedAt:  time.Now().UTC(),
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/results/a-1", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var detail ResultDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, "a-1", detail.Result.AnomalyID)
		require.NotNil(t, detail.Checkpoint)
		assert.Equal(t, "pr_opened", detail.Checkpoint.Stage)
		assert.Equal(t, 7, detail.Checkpoint.PRNumber)
	})

	t.Run("omits checkpoint when none recorded", func(t *testing.T) {
		srv, store := setupTestServer(t, &fakeRunner{})
		seedResult(t, store, "a-9", costmodel.StatusSuccess)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/results/a-9", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var detail ResultDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, "a-9", detail.Result.AnomalyID)
		assert.Nil(t, detail.Checkpoint)
	})

	t.Run("returns not found for unknown anomaly", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/results/missing", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleScore(t *testing.T) {
	t.Run("scores an idle running instance", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		snap := costmodel.ResourceSnapshot{
			ResourceID:     "i-0abc123",
			ResourceType:   "m5.large",
			State:          costmodel.StateRunning,
			CPUUtilization: 2.0,
			MonthlyCost:    140.0,
		}
		body, err := json.Marshal(snap)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/score", bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ScoreResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "i-0abc123", resp.ResourceID)
		// idle-running (80) stacks with low-utilization (50), clamped.
		assert.Equal(t, waste.MaxScore, resp.Score)
		assert.Equal(t, waste.SeverityCritical, resp.Severity)
	})

	t.Run("scores a healthy instance as none", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		snap := costmodel.ResourceSnapshot{
			ResourceID:     "i-0healthy",
			ResourceType:   "m5.large",
			State:          costmodel.StateRunning,
			CPUUtilization: 85.0,
		}
		body, err := json.Marshal(snap)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/score", bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ScoreResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Score)
		assert.Equal(t, waste.SeverityNone, resp.Severity)
	})

	t.Run("rejects missing resource_id", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/score", bytes.NewReader([]byte(`{"state":"running"}`)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "resource_id field is required")
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/score", bytes.NewReader([]byte("not json")))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		srv.echo.ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeRunner{})

		srv.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()

		assert.NotPanics(t, func() {
			srv.echo.ServeHTTP(rec, req)
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestServerLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 0 // random available port

	store := ledger.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(&fakeRunner{}, store, waste.NewScorer(waste.DefaultRuleSet()), logging.NewNop(), cfg)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Shutdown(ctx)
	assert.NoError(t, err)

	select {
	case err := <-errChan:
		assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

// fakeRunner satisfies Runner and records calls.
type fakeRunner struct {
	report pipeline.RunReport
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context) (pipeline.RunReport, error) {
	f.calls++
	if f.err != nil {
		return pipeline.RunReport{}, f.err
	}
	return f.report, nil
}

// setupTestServer creates a server over the given runner, a fresh in-memory
// ledger, and the default rule set.
func setupTestServer(t *testing.T, runner *fakeRunner) (*Server, *ledger.Memory) {
	t.Helper()

	store := ledger.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(runner, store, waste.NewScorer(waste.DefaultRuleSet()), logging.NewNop(), testConfig())
	require.NoError(t, err)

	return srv, store
}

func seedResult(t *testing.T, store ledger.Store, id string, status costmodel.ActionStatus) {
	t.Helper()

	err := store.PutResult(context.Background(), costmodel.ActionResult{
		AnomalyID:   id,
		Status:      status,
		Notified:    status == costmodel.StatusSuccess,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "localhost",
		Port:            8080,
		ReadTimeout:     config.Duration(30 * time.Second),
		WriteTimeout:    config.Duration(30 * time.Second),
		ShutdownTimeout: config.Duration(10 * time.Second),
	}
}
