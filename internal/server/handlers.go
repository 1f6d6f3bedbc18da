package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/pipeline"
	"github.com/fyrsmithlabs/costwatchd/internal/waste"
)

// handleScan runs one detection cycle synchronously and returns its report.
// The write deadline is cleared first because a cycle can outlive the
// server's WriteTimeout and the report must still reach the caller. The
// request context is passed through, so a disconnecting client aborts the
// cycle.
func (s *Server) handleScan(c echo.Context) error {
	if err := http.NewResponseController(c.Response()).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Warn(c.Request().Context(), "clearing write deadline failed", zap.Error(err))
	}

	report, err := s.runner.Run(c.Request().Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInFlight) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("scan failed: %v", err))
	}

	return c.JSON(http.StatusOK, report)
}

// handleResults lists terminal remediation results, optionally filtered by
// ?status=success|partial|failed.
func (s *Server) handleResults(c echo.Context) error {
	status := costmodel.ActionStatus(c.QueryParam("status"))
	switch status {
	case "", costmodel.StatusSuccess, costmodel.StatusPartial, costmodel.StatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}

	results, err := s.ledger.ListResults(c.Request().Context(), status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("listing results: %v", err))
	}

	return c.JSON(http.StatusOK, ResultsResponse{Count: len(results), Results: results})
}

// handleResultByID returns the result for one anomaly, with the orchestration
// checkpoint attached when one was recorded.
func (s *Server) handleResultByID(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("anomaly_id")

	result, err := s.ledger.GetResult(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no result for anomaly %s", id))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("fetching result: %v", err))
	}

	detail := ResultDetail{Result: result}
	if cp, err := s.ledger.GetCheckpoint(ctx, id); err == nil {
		detail.Checkpoint = &cp
	}

	return c.JSON(http.StatusOK, detail)
}

// handleScore scores a single resource snapshot against the live rule set.
func (s *Server) handleScore(c echo.Context) error {
	var snap costmodel.ResourceSnapshot
	if err := c.Bind(&snap); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid score request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if snap.ResourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_id field is required")
	}

	score := s.scorer.Score(snap)

	return c.JSON(http.StatusOK, ScoreResponse{
		ResourceID: snap.ResourceID,
		Score:      score,
		Severity:   waste.SeverityFor(score),
	})
}
