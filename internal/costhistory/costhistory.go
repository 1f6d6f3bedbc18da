// Package costhistory stores and queries the cost time series backing
// anomaly detection.
//
// Two tables live here: daily cost observations per (service, account) pair,
// and resource utilization snapshots. The Detector reads trailing windows and
// current snapshots; ingestion appends new observations. Nothing in this
// package interprets the data.
package costhistory

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// ServicePair identifies one detection unit: a billed service within an
// account.
type ServicePair struct {
	Service string `json:"service"`
	Account string `json:"account"`
}

// String renders the pair for logs and error messages.
func (p ServicePair) String() string {
	return p.Service + "/" + p.Account
}

// DailyCost is one calendar day's summed cost for a pair.
type DailyCost struct {
	Day   time.Time `json:"day"`
	Total float64   `json:"total"`
}

// Store is the query and append surface over the cost time series.
//
// Implementations must return DailyTotals in ascending day order and must
// treat writes as append-only: observations are immutable once stored.
type Store interface {
	// DistinctPairs lists every (service, account) pair with observations
	// at or after since.
	DistinctPairs(ctx context.Context, since time.Time) ([]ServicePair, error)

	// DailyTotals returns per-day cost sums for the pair over [from, to),
	// ascending by day. Days without observations are absent.
	DailyTotals(ctx context.Context, pair ServicePair, from, to time.Time) ([]DailyCost, error)

	// LatestSnapshots returns the most recent utilization snapshot per
	// resource for the pair. Resources not observed recently are omitted.
	LatestSnapshots(ctx context.Context, pair ServicePair) ([]costmodel.ResourceSnapshot, error)

	// WriteCostPoints appends cost observations.
	WriteCostPoints(ctx context.Context, points []costmodel.CostPoint) error

	// WriteSnapshots appends resource snapshots observed at the given time.
	WriteSnapshots(ctx context.Context, observedAt time.Time, snaps []costmodel.ResourceSnapshot) error
}
