// Package pipeline drives one detection-and-remediation cycle end to end:
// detector output fans out to per-anomaly Retriever → Synthesizer →
// Orchestrator workers under an in-flight cap. Every anomaly that enters a
// cycle leaves exactly one terminal ActionResult in the ledger, even when a
// worker panics or the cycle deadline cancels it before it starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/detect"
	"github.com/fyrsmithlabs/costwatchd/internal/events"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/costwatchd/internal/pipeline"

// ErrRunInFlight is returned when Run is called while another cycle is still
// executing. Cycles never overlap; the caller retries on the next tick.
var ErrRunInFlight = errors.New("a detection cycle is already running")

// FailedStage values the runner records in addition to the orchestrator's.
const (
	FailSynthesis = "synthesis"
	FailPipeline  = "pipeline"
	FailDryRun    = "dry_run"
)

// Detector produces a cycle's anomalies.
type Detector interface {
	RunCycle(ctx context.Context, cycle *detect.CycleContext) ([]costmodel.Anomaly, error)
}

// Retriever fetches reference chunks for an anomaly. It degrades to an empty
// slice instead of failing.
type Retriever interface {
	Retrieve(ctx context.Context, anomaly costmodel.Anomaly, topK int) []costmodel.KnowledgeChunk
}

// Synthesizer turns an anomaly plus retrieved context into a validated
// remediation recommendation.
type Synthesizer interface {
	Synthesize(ctx context.Context, anomaly costmodel.Anomaly, chunks []costmodel.KnowledgeChunk) (costmodel.Recommendation, error)
}

// Orchestrator lands a recommendation on the repository host and returns the
// terminal result. It records its own result in the ledger.
type Orchestrator interface {
	Execute(ctx context.Context, anomaly costmodel.Anomaly, rec costmodel.Recommendation) costmodel.ActionResult
}

// Config bounds a cycle.
type Config struct {
	// MaxInflight caps concurrent per-anomaly pipelines.
	MaxInflight int
	// CycleTimeout bounds the whole cycle including detection.
	CycleTimeout time.Duration
	// TopK is the number of knowledge chunks retrieved per anomaly.
	TopK int
	// DryRun stops each anomaly after synthesis: the recommendation is
	// logged and recorded, but no branch, PR, or notification happens.
	DryRun bool
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 4
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 30 * time.Minute
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
}

// ConfigFrom maps the loaded file configuration onto runner settings.
func ConfigFrom(pc config.PipelineConfig) Config {
	return Config{
		MaxInflight:  pc.MaxInflight,
		CycleTimeout: pc.CycleTimeout.Duration(),
		TopK:         pc.TopK,
		DryRun:       pc.DryRun,
	}
}

// RunReport summarizes one cycle for the admin API and the CLI.
type RunReport struct {
	RunID           string            `json:"run_id"`
	Day             string            `json:"day"`
	Started         time.Time         `json:"started"`
	DurationSeconds float64           `json:"duration_seconds"`
	Detection       detect.CycleStats `json:"detection"`
	Succeeded       int               `json:"succeeded"`
	Partial         int               `json:"partial"`
	Failed          int               `json:"failed"`
}

// Runner owns cycle execution. Construct once and share; Run refuses to
// overlap itself.
type Runner struct {
	detector  Detector
	retriever Retriever
	synth     Synthesizer
	orch      Orchestrator
	ledger    ledger.Store
	events    events.Publisher
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter

	running atomic.Bool

	runs     metric.Int64Counter
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// New wires a runner. The publisher may be nil, in which case events are
// dropped. The orchestrator may be nil only in dry-run mode, where anomalies
// terminate after synthesis and Execute is never reached.
func New(d Detector, r Retriever, s Synthesizer, o Orchestrator, led ledger.Store, pub events.Publisher, cfg Config, logger *zap.Logger) (*Runner, error) {
	if d == nil {
		return nil, errors.New("detector is required")
	}
	if r == nil {
		return nil, errors.New("retriever is required")
	}
	if s == nil {
		return nil, errors.New("synthesizer is required")
	}
	if o == nil && !cfg.DryRun {
		return nil, errors.New("orchestrator is required unless dry-run is enabled")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if pub == nil {
		pub = events.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	runner := &Runner{
		detector:  d,
		retriever: r,
		synth:     s,
		orch:      o,
		ledger:    led,
		events:    pub,
		cfg:       cfg,
		logger:    logger.Named("pipeline"),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	runner.initMetrics()
	return runner, nil
}

func (r *Runner) initMetrics() {
	var err error

	r.runs, err = r.meter.Int64Counter("costwatchd.pipeline.runs_total",
		metric.WithDescription("Detection cycles by result"))
	if err != nil {
		r.logger.Warn("failed to create runs counter", zap.Error(err))
	}

	r.outcomes, err = r.meter.Int64Counter("costwatchd.pipeline.outcomes_total",
		metric.WithDescription("Terminal anomaly outcomes by status"))
	if err != nil {
		r.logger.Warn("failed to create outcomes counter", zap.Error(err))
	}

	r.duration, err = r.meter.Float64Histogram("costwatchd.pipeline.run_duration_seconds",
		metric.WithDescription("Wall time of a full detection cycle"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800))
	if err != nil {
		r.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// Run executes one full cycle: detect, then remediate each anomaly on a
// bounded worker pool. It returns ErrRunInFlight when a cycle is already
// executing and a detection error when the cycle could not even scan;
// per-anomaly failures are folded into the report, not the error.
func (r *Runner) Run(ctx context.Context) (RunReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInFlight
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	cycle := detect.NewCycle(time.Now(), 0)
	ctx = logging.WithRunID(ctx, cycle.RunID)
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", cycle.RunID)))
	defer span.End()

	started := time.Now()
	report := RunReport{
		RunID:   cycle.RunID,
		Day:     costmodel.DayKey(cycle.Day),
		Started: started.UTC(),
	}

	r.logger.Info("detection cycle starting",
		zap.String("run_id", cycle.RunID),
		zap.String("day", report.Day))
	r.events.PublishRun(events.RunStarted, events.RunEvent{RunID: cycle.RunID})

	anomalies, err := r.detector.RunCycle(ctx, cycle)
	if err != nil {
		span.RecordError(err)
		r.countRun(ctx, "failed")
		r.events.PublishRun(events.RunFailed, events.RunEvent{
			RunID: cycle.RunID,
			Error: err.Error(),
		})
		report.Detection = cycle.Stats()
		report.DurationSeconds = time.Since(started).Seconds()
		return report, fmt.Errorf("detection cycle %s: %w", cycle.RunID, err)
	}

	var succeeded, partial, failed atomic.Int64
	count := func(status costmodel.ActionStatus) {
		switch status {
		case costmodel.StatusSuccess:
			succeeded.Add(1)
		case costmodel.StatusPartial:
			partial.Add(1)
		default:
			failed.Add(1)
		}
		if r.outcomes != nil {
			r.outcomes.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", string(status))))
		}
	}

	sem := make(chan struct{}, r.cfg.MaxInflight)
	var wg sync.WaitGroup
	for _, anomaly := range anomalies {
		if ctx.Err() != nil {
			count(r.abandon(ctx, cycle.RunID, anomaly, ctx.Err()).Status)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			count(r.abandon(ctx, cycle.RunID, anomaly, ctx.Err()).Status)
			continue
		}

		wg.Add(1)
		go func(a costmodel.Anomaly) {
			defer wg.Done()
			defer func() { <-sem }()
			count(r.remediate(ctx, cycle.RunID, a).Status)
		}(anomaly)
	}
	wg.Wait()

	report.Detection = cycle.Stats()
	report.Succeeded = int(succeeded.Load())
	report.Partial = int(partial.Load())
	report.Failed = int(failed.Load())
	report.DurationSeconds = time.Since(started).Seconds()

	r.countRun(ctx, "ok")
	if r.duration != nil {
		r.duration.Record(ctx, report.DurationSeconds)
	}
	r.events.PublishRun(events.RunCompleted, events.RunEvent{
		RunID:     cycle.RunID,
		Pairs:     int(report.Detection.PairsScanned),
		Anomalies: len(anomalies),
		Succeeded: report.Succeeded,
		Partial:   report.Partial,
		Failed:    report.Failed,
	})
	r.logger.Info("detection cycle complete",
		zap.String("run_id", cycle.RunID),
		zap.Int64("pairs_scanned", report.Detection.PairsScanned),
		zap.Int64("emitted", report.Detection.Emitted),
		zap.Int64("suppressed", report.Detection.Suppressed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("partial", report.Partial),
		zap.Int("failed", report.Failed),
		zap.Float64("duration_seconds", report.DurationSeconds))
	return report, nil
}

// remediate runs one anomaly's Retriever → Synthesizer → Orchestrator chain.
// A panic is recovered into a failed result so the anomaly still terminates.
func (r *Runner) remediate(ctx context.Context, runID string, anomaly costmodel.Anomaly) (res costmodel.ActionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline worker panicked",
				zap.String("run_id", runID),
				zap.String("anomaly_id", anomaly.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			res = r.writeFailure(ctx, runID, anomaly, FailPipeline, fmt.Errorf("panic: %v", rec))
		}
	}()

	ctx = logging.WithAnomalyID(ctx, anomaly.ID)
	ctx, span := r.tracer.Start(ctx, "pipeline.remediate", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("anomaly.id", anomaly.ID),
		attribute.String("anomaly.issue_type", string(anomaly.IssueType))))
	defer span.End()

	r.events.PublishAnomaly(events.AnomalyDetected, r.anomalyEvent(runID, anomaly))

	chunks := r.retriever.Retrieve(ctx, anomaly, r.cfg.TopK)

	rec, err := r.synth.Synthesize(ctx, anomaly, chunks)
	if err != nil {
		span.RecordError(err)
		return r.writeFailure(ctx, runID, anomaly, FailSynthesis, err)
	}
	r.events.PublishAnomaly(events.AnomalySynthesized, r.anomalyEvent(runID, anomaly))

	if r.cfg.DryRun {
		r.logger.Info("dry run: skipping remediation",
			zap.String("run_id", runID),
			zap.String("anomaly_id", anomaly.ID),
			zap.String("root_cause", rec.RootCause),
			zap.Float64("estimated_savings", rec.EstimatedSavings),
			zap.String("risk_level", string(rec.RiskLevel)))
		return r.writeFailure(ctx, runID, anomaly, FailDryRun,
			errors.New("dry run: remediation skipped"))
	}

	res = r.orch.Execute(ctx, anomaly, rec)
	ev := r.anomalyEvent(runID, anomaly)
	ev.PRURL = res.PRURL
	if res.Status == costmodel.StatusFailed {
		ev.Stage = res.FailedStage
		ev.Error = res.Error
		r.events.PublishAnomaly(events.AnomalyFailed, ev)
	} else {
		r.events.PublishAnomaly(events.AnomalyRemediated, ev)
	}
	return res
}

// abandon records a failed result for an anomaly whose worker never started
// because the cycle deadline hit first.
func (r *Runner) abandon(ctx context.Context, runID string, anomaly costmodel.Anomaly, cause error) costmodel.ActionResult {
	return r.writeFailure(ctx, runID, anomaly, FailPipeline,
		fmt.Errorf("cycle canceled before remediation: %w", cause))
}

// writeFailure records a terminal failed result directly. The write survives
// cycle cancellation; a canceled run must still leave its record.
func (r *Runner) writeFailure(ctx context.Context, runID string, anomaly costmodel.Anomaly, stage string, cause error) costmodel.ActionResult {
	res := costmodel.ActionResult{
		AnomalyID:   anomaly.ID,
		Status:      costmodel.StatusFailed,
		FailedStage: stage,
		Error:       cause.Error(),
		CompletedAt: time.Now().UTC(),
	}
	if err := r.ledger.PutResult(context.WithoutCancel(ctx), res); err != nil {
		r.logger.Warn("failed to record terminal result",
			zap.String("anomaly_id", anomaly.ID),
			zap.Error(err))
	}

	r.logger.Warn("anomaly pipeline failed",
		zap.String("run_id", runID),
		zap.String("anomaly_id", anomaly.ID),
		zap.String("stage", stage),
		zap.Error(cause))

	ev := r.anomalyEvent(runID, anomaly)
	ev.Stage = stage
	ev.Error = cause.Error()
	r.events.PublishAnomaly(events.AnomalyFailed, ev)
	return res
}

func (r *Runner) anomalyEvent(runID string, anomaly costmodel.Anomaly) events.AnomalyEvent {
	return events.AnomalyEvent{
		AnomalyID:  anomaly.ID,
		RunID:      runID,
		Service:    anomaly.Service,
		ResourceID: anomaly.ResourceID,
		IssueType:  string(anomaly.IssueType),
	}
}

func (r *Runner) countRun(ctx context.Context, result string) {
	if r.runs == nil {
		return
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
