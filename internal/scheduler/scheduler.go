// Package scheduler runs the daemon's periodic jobs: the detection cycle and
// the cost ingestion cycle. Each job ticks on its own interval in its own
// goroutine; a panicking run is recovered and logged so one bad cycle never
// takes the scheduler down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a named periodic task. Run receives a context that is canceled when
// the scheduler stops; long runs should honor it promptly or Stop will block.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context)
}

// Scheduler owns the background job goroutines.
//
// All public methods are safe for concurrent use. Start/Stop guard the
// running state with a mutex; jobs cannot be added after Start.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates a stopped scheduler with no jobs.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger.Named("scheduler")}
}

// AddJob registers a job. Jobs are fixed once the scheduler starts.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive, got %s", job.Name, job.Interval)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run function cannot be nil", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot add job %q: scheduler is running", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one goroutine per job. Calling Start on a running scheduler
// returns an error without launching anything.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if len(s.jobs) == 0 {
		return fmt.Errorf("scheduler has no jobs")
	}

	// Fresh channel and context per start so the scheduler is restartable.
	s.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, s.stopCh, job)
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop signals every job goroutine, cancels in-flight runs, and waits for
// them to exit. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// runJob is the per-job tick loop.
func (s *Scheduler) runJob(ctx context.Context, stopCh <-chan struct{}, job Job) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("job", job.Name))
	logger.Debug("job loop started", zap.Duration("interval", job.Interval))
	defer logger.Debug("job loop stopped")

	if job.RunOnStart {
		s.safeRun(ctx, job, logger)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun(ctx, job, logger)
		case <-stopCh:
			return
		}
	}
}

// safeRun executes one job run with panic recovery so a single bad run does
// not kill the job loop.
func (s *Scheduler) safeRun(ctx context.Context, job Job, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job run panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	job.Run(ctx)
	logger.Debug("job run finished", zap.Duration("elapsed", time.Since(start)))
}
