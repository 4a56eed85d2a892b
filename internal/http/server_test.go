package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
)

type fakeSource struct {
	status coordinator.Status
	tasks  []coordinator.Task
	err    error
}

func (f *fakeSource) Status() coordinator.Status { return f.status }

func (f *fakeSource) Tasks() []coordinator.Task { return f.tasks }

func (f *fakeSource) Task(taskID string) (coordinator.Task, error) {
	if f.err != nil {
		return coordinator.Task{}, f.err
	}
	for _, t := range f.tasks {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return coordinator.Task{}, fmt.Errorf("%w: %s", coordinator.ErrNotFound, taskID)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status: coordinator.Status{Enabled: true, Mode: "hybrid", Running: 1, Queued: 1},
		tasks: []coordinator.Task{
			{TaskID: "build_20260208_150000_builder_aaaaaaaa", Status: coordinator.StatusRunning, Priority: 5},
			{TaskID: "debug_20260208_150001_janitor_bbbbbbbb", Status: coordinator.StatusPending, Priority: 3},
			{TaskID: "review_20260208_150002_oracle_cccccccc", Status: coordinator.StatusCompleted, Priority: 5},
		},
	}
}

func setupTestServer(t *testing.T) (*Server, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	server, err := NewServer(src, prometheus.NewRegistry(), zap.NewNop(), &Config{Host: "localhost", Port: 0, Version: "test"})
	require.NoError(t, err)
	return server, src
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "localhost", Port: 9191}
		server, err := NewServer(newFakeSource(), nil, zap.NewNop(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newFakeSource(), nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newFakeSource(), nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when source is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status source cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleStatus(t *testing.T) {
	t.Run("reports coordinator state", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := get(t, server, "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "test", resp.Version)
		assert.True(t, resp.Coordinator.Enabled)
		assert.Equal(t, 1, resp.Coordinator.Running)
		assert.Equal(t, 1, resp.Counts["pending"])
		assert.Equal(t, 1, resp.Counts["completed"])
		assert.Equal(t, 0, resp.Counts["contaminated"])
	})

	t.Run("degraded after fallback", func(t *testing.T) {
		server, src := setupTestServer(t)
		src.status.Enabled = false
		src.status.Fallback = &coordinator.FallbackRecord{ID: "fb-1", Reason: "contamination_detected"}

		rec := get(t, server, "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		require.NotNil(t, resp.Coordinator.Fallback)
		assert.Equal(t, "fb-1", resp.Coordinator.Fallback.ID)
	})
}

func TestHandleTasks(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"running", "?status=running", 1},
		{"case insensitive", "?status=PENDING", 1},
		{"no match", "?status=failed", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, server, "/api/v1/tasks"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp TasksResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Total)
			assert.Len(t, resp.Tasks, tt.want)
		})
	}
}

func TestHandleTask(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := get(t, server, "/api/v1/tasks/debug_20260208_150001_janitor_bbbbbbbb")
		require.Equal(t, http.StatusOK, rec.Code)

		var task coordinator.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
		assert.Equal(t, coordinator.StatusPending, task.Status)
		assert.Equal(t, 3, task.Priority)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := get(t, server, "/api/v1/tasks/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lookup failure is 500", func(t *testing.T) {
		server, src := setupTestServer(t)
		src.err = errors.New("disk on fire")
		rec := get(t, server, "/api/v1/tasks/anything")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "disk on fire")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	src := newFakeSource()
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "phasegate_coordinator_running_tasks"})
	reg.MustRegister(gauge)
	gauge.Set(2)

	server, err := NewServer(src, reg, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phasegate_coordinator_running_tasks 2")
}

func TestCountByStatus(t *testing.T) {
	counts := CountByStatus(newFakeSource().tasks)
	assert.Equal(t, map[string]int{
		"pending":      1,
		"running":      1,
		"completed":    1,
		"failed":       0,
		"contaminated": 0,
		"timeout":      0,
	}, counts)

	assert.Len(t, CountByStatus(nil), 6)
}

func TestServerLifecycle(t *testing.T) {
	server, _ := setupTestServer(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := get(t, server, "/health")
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server, _ := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := get(t, server, "/panic")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
