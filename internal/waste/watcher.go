package waste

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of filesystem events an editor emits
// when saving a file.
const reloadDebounce = 100 * time.Millisecond

// Watcher hot-reloads a rules file into a Scorer. A malformed file keeps the
// previous rule set; the error is logged and scoring continues uninterrupted.
type Watcher struct {
	path    string
	scorer  *Scorer
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewWatcher creates a watcher that swaps the scorer's rule set whenever the
// file at path changes.
func NewWatcher(path string, scorer *Scorer, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		scorer:  scorer,
		logger:  logger.Named("waste.watcher"),
		watcher: fw,
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine. The parent directory is
// watched rather than the file itself so that editors which replace the file
// by rename do not break the watch.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching rules directory: %w", err)
	}

	go w.processEvents(ctx)

	w.logger.Info("watching rules file", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		// Already stopped
		return
	default:
		close(w.stop)
		_ = w.watcher.Close() // Best-effort cleanup, ignore error
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors emit several events per save.
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

// reload parses the rules file and swaps it in. Failures keep the previous
// set.
func (w *Watcher) reload() {
	rs, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("rules reload failed, keeping previous set", zap.Error(err))
		return
	}

	w.scorer.Swap(rs)
	w.logger.Info("rules reloaded", zap.Int("rules", len(rs.Rules)))
}
