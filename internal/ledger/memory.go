package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// Memory is an in-memory Store for single-node deployments and tests. State
// does not survive a restart; dedup then falls back to the content-addressed
// IDs alone (same-day re-detection still converges, prior days may repeat).
type Memory struct {
	mu          sync.RWMutex
	anomalies   map[string]costmodel.Anomaly
	results     map[string]costmodel.ActionResult
	checkpoints map[string]Checkpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		anomalies:   make(map[string]costmodel.Anomaly),
		results:     make(map[string]costmodel.ActionResult),
		checkpoints: make(map[string]Checkpoint),
	}
}

// Register records the anomaly iff its ID is unseen.
func (m *Memory) Register(_ context.Context, a costmodel.Anomaly) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.anomalies[a.ID]; ok {
		return false, nil
	}
	m.anomalies[a.ID] = a
	return true, nil
}

// GetAnomaly fetches a registered anomaly by ID.
func (m *Memory) GetAnomaly(_ context.Context, id string) (costmodel.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.anomalies[id]
	if !ok {
		return costmodel.Anomaly{}, ErrNotFound
	}
	return a, nil
}

// PutResult stores the terminal result for an anomaly.
func (m *Memory) PutResult(_ context.Context, r costmodel.ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[r.AnomalyID] = r
	return nil
}

// GetResult fetches the latest result for an anomaly.
func (m *Memory) GetResult(_ context.Context, anomalyID string) (costmodel.ActionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[anomalyID]
	if !ok {
		return costmodel.ActionResult{}, ErrNotFound
	}
	return r, nil
}

// ListResults returns results filtered by status, ordered by anomaly ID.
func (m *Memory) ListResults(_ context.Context, status costmodel.ActionStatus) ([]costmodel.ActionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]costmodel.ActionResult, 0, len(m.results))
	for _, r := range m.results {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnomalyID < out[j].AnomalyID })
	return out, nil
}

// PutCheckpoint stores orchestration progress for an anomaly.
func (m *Memory) PutCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[cp.AnomalyID] = cp
	return nil
}

// GetCheckpoint fetches orchestration progress for an anomaly.
func (m *Memory) GetCheckpoint(_ context.Context, anomalyID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[anomalyID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
