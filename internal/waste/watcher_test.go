package waste

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRules(t, path, `
rules:
  - name: idle
    points: 80
    state: running
    cpu_below: 5
`)

	rs, err := LoadFile(path)
	require.NoError(t, err)
	scorer := NewScorer(rs)

	w, err := NewWatcher(path, scorer, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	snap := costmodel.ResourceSnapshot{
		State:          costmodel.StateRunning,
		CPUUtilization: 2,
		ResourceType:   "m5.large",
	}
	require.Equal(t, 80, scorer.Score(snap))

	writeRules(t, path, `
rules:
  - name: idle
    points: 10
    state: running
    cpu_below: 5
`)

	require.Eventually(t, func() bool {
		return scorer.Score(snap) == 10
	}, 3*time.Second, 25*time.Millisecond, "scorer should pick up the rewritten rules")
}

func TestWatcher_MalformedFileKeepsPreviousRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRules(t, path, `
rules:
  - name: idle
    points: 80
    state: running
    cpu_below: 5
`)

	rs, err := LoadFile(path)
	require.NoError(t, err)
	scorer := NewScorer(rs)

	w, err := NewWatcher(path, scorer, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeRules(t, path, "rules: [broken")

	snap := costmodel.ResourceSnapshot{
		State:          costmodel.StateRunning,
		CPUUtilization: 2,
	}

	// Give the watcher time to see (and reject) the bad file.
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, 80, scorer.Score(snap))
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRules(t, path, "rules:\n  - name: idle\n    points: 80\n    cpu_below: 5\n")

	w, err := NewWatcher(path, NewScorer(DefaultRuleSet()), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
