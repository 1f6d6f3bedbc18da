// Package ledger is the durable record store for the remediation pipeline:
// which anomalies have been seen, what happened to them, and how far an
// interrupted orchestration got.
//
// Registration is atomic first-writer-wins on the anomaly's content-addressed
// ID, which is what makes detection cycles idempotent: re-detecting the same
// condition on the same day converges on one pipeline run instead of many.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Checkpoint records orchestration progress for one anomaly so a rerun can
// resume from the last completed stage instead of redoing side effects.
type Checkpoint struct {
	AnomalyID string `json:"anomaly_id"`

	// Stage is the last stage that completed successfully.
	Stage string `json:"stage"`

	BranchName string    `json:"branch_name,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the pipeline's record store.
//
// All methods are safe for concurrent use. Implementations: Memory for
// single-node and tests, NATS (JetStream KV) for durable deployments.
type Store interface {
	// Register records the anomaly iff its ID is unseen. Returns true when
	// this call created the record (the caller owns the pipeline run for
	// it), false when the ID was already registered.
	Register(ctx context.Context, a costmodel.Anomaly) (bool, error)

	// GetAnomaly fetches a registered anomaly by ID.
	GetAnomaly(ctx context.Context, id string) (costmodel.Anomaly, error)

	// PutResult stores the terminal result for an anomaly, overwriting any
	// previous one (a resumed run replaces its failed predecessor).
	PutResult(ctx context.Context, r costmodel.ActionResult) error

	// GetResult fetches the latest result for an anomaly.
	GetResult(ctx context.Context, anomalyID string) (costmodel.ActionResult, error)

	// ListResults returns all results, optionally filtered by status
	// (empty status means all), ordered by anomaly ID.
	ListResults(ctx context.Context, status costmodel.ActionStatus) ([]costmodel.ActionResult, error)

	// PutCheckpoint stores orchestration progress for an anomaly.
	PutCheckpoint(ctx context.Context, cp Checkpoint) error

	// GetCheckpoint fetches orchestration progress for an anomaly.
	GetCheckpoint(ctx context.Context, anomalyID string) (Checkpoint, error)

	// Close releases underlying resources.
	Close() error
}
