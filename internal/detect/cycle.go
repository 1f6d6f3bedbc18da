package detect

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/costwatchd/internal/costhistory"
)

// CycleContext carries one detection cycle's identity and scope. Detection
// holds no ambient state: everything a cycle needs rides here.
type CycleContext struct {
	// RunID identifies this cycle in logs, events, and traces.
	RunID string

	// Day is the UTC calendar day under detection (midnight-truncated).
	Day time.Time

	// Window is the trailing history window in days.
	Window int

	// Pairs limits the scan to these (service, account) pairs. Empty means
	// every pair the history store has seen within the window.
	Pairs []costhistory.ServicePair

	pairsScanned atomic.Int64
	pairsFailed  atomic.Int64
	emitted      atomic.Int64
	suppressed   atomic.Int64
	resumed      atomic.Int64
}

// NewCycle creates a cycle for the given day. The day is truncated to its UTC
// midnight so anomaly identities key on the calendar day.
func NewCycle(day time.Time, window int) *CycleContext {
	utc := day.UTC()
	return &CycleContext{
		RunID:  uuid.New().String(),
		Day:    time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC),
		Window: window,
	}
}

// CycleStats summarizes what a cycle did.
type CycleStats struct {
	PairsScanned int64 `json:"pairs_scanned"`
	PairsFailed  int64 `json:"pairs_failed"`

	// Emitted counts anomalies handed to the pipeline, including resumed
	// ones.
	Emitted int64 `json:"emitted"`

	// Suppressed counts re-detections dropped because a run is in flight or
	// already succeeded.
	Suppressed int64 `json:"suppressed"`

	// Resumed counts re-emissions after a prior failed or partial run.
	Resumed int64 `json:"resumed"`
}

// Stats snapshots the cycle counters.
func (c *CycleContext) Stats() CycleStats {
	return CycleStats{
		PairsScanned: c.pairsScanned.Load(),
		PairsFailed:  c.pairsFailed.Load(),
		Emitted:      c.emitted.Load(),
		Suppressed:   c.suppressed.Load(),
		Resumed:      c.resumed.Load(),
	}
}
