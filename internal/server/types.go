package server

import (
	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/waste"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ResultsResponse is the response body for GET /api/v1/results.
type ResultsResponse struct {
	Count   int                      `json:"count"`
	Results []costmodel.ActionResult `json:"results"`
}

// ResultDetail is the response body for GET /api/v1/results/:anomaly_id.
// Checkpoint is present when orchestration recorded stage progress for the
// anomaly.
type ResultDetail struct {
	Result     costmodel.ActionResult `json:"result"`
	Checkpoint *ledger.Checkpoint     `json:"checkpoint,omitempty"`
}

// ScoreResponse is the response body for POST /api/v1/score.
type ScoreResponse struct {
	ResourceID string         `json:"resource_id"`
	Score      int            `json:"score"`
	Severity   waste.Severity `json:"severity"`
}
