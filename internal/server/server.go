// Package server provides the admin HTTP API for costwatchd: health and
// metrics endpoints, a manual scan trigger, remediation result lookups, and
// ad-hoc waste scoring for a single resource snapshot.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/logging"
	"github.com/fyrsmithlabs/costwatchd/internal/pipeline"
	"github.com/fyrsmithlabs/costwatchd/internal/waste"
)

// Runner triggers one detection cycle. Satisfied by *pipeline.Runner.
type Runner interface {
	Run(ctx context.Context) (pipeline.RunReport, error)
}

// Server provides the admin HTTP endpoints for costwatchd.
type Server struct {
	echo   *echo.Echo
	runner Runner
	ledger ledger.Store
	scorer *waste.Scorer
	logger *logging.Logger
	cfg    config.ServerConfig
}

// New creates the admin server. runner, store, and scorer are required; a
// nil logger falls back to a no-op.
func New(runner Runner, store ledger.Store, scorer *waste.Scorer, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	if scorer == nil {
		return nil, fmt.Errorf("scorer cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout.Duration()
	e.Server.WriteTimeout = cfg.WriteTimeout.Duration()

	s := &Server{
		echo:   e,
		runner: runner,
		ledger: store,
		scorer: scorer,
		logger: logger,
		cfg:    cfg,
	}

	// requestLogger is innermost so the metrics middleware observes the
	// status it commits for handler errors.
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger.Underlying()).Middleware())
	e.Use(s.requestLogger)

	s.registerRoutes()

	return s, nil
}

// requestLogger stamps the request ID into the request context so handler
// logs correlate, and logs one line per request after the handler returns.
// Handler errors are committed here so the logged status reflects what was
// actually sent.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()

		ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)

		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/scan", s.handleScan)
	v1.GET("/results", s.handleResults)
	v1.GET("/results/:anomaly_id", s.handleResultByID)
	v1.POST("/score", s.handleScore)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting admin server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down admin server")
	return s.echo.Shutdown(ctx)
}
