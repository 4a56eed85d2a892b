// Package http provides the read-only status API of the coordinator daemon.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
)

// StatusSource is the coordinator view served by the API.
type StatusSource interface {
	Status() coordinator.Status
	Tasks() []coordinator.Task
	Task(taskID string) (coordinator.Task, error)
}

// Server provides HTTP endpoints for the coordinator daemon.
type Server struct {
	echo     *echo.Echo
	source   StatusSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	config   *Config
	version  string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Version is reported by GET /api/v1/status.
	Version string
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry on /metrics.
func NewServer(source StatusSource, gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("status source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		source:   source,
		gatherer: gatherer,
		logger:   logger,
		config:   cfg,
		version:  cfg.Version,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/tasks", s.handleTasks)
	v1.GET("/tasks/:id", s.handleTask)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus reports the coordinator state. After a fallback the daemon is
// still serving but reports "degraded".
func (s *Server) handleStatus(c echo.Context) error {
	st := s.source.Status()
	resp := StatusResponse{
		Status:      "ok",
		Version:     s.version,
		Coordinator: st,
		Counts:      CountByStatus(s.source.Tasks()),
	}
	if st.Fallback != nil {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

// handleTasks lists tasks, optionally filtered by ?status=.
func (s *Server) handleTasks(c echo.Context) error {
	filter := strings.ToLower(strings.TrimSpace(c.QueryParam("status")))
	tasks := s.source.Tasks()

	out := make([]coordinator.Task, 0, len(tasks))
	for _, t := range tasks {
		if filter == "" || string(t.Status) == filter {
			out = append(out, t)
		}
	}
	return c.JSON(http.StatusOK, TasksResponse{Tasks: out, Total: len(out)})
}

// handleTask returns one task.
func (s *Server) handleTask(c echo.Context) error {
	task, err := s.source.Task(c.Param("id"))
	if errors.Is(err, coordinator.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		s.logger.Warn("task lookup failed", zap.String("task_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "task lookup failed")
	}
	return c.JSON(http.StatusOK, task)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
