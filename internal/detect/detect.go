// Package detect finds cost anomalies: day-over-day spend spikes and wasteful
// resource configurations.
//
// Detection is cycle-based. Each cycle scans every (service, account) pair
// the history store has seen recently, applies the two-sigma spike test and
// the waste scoring rules, and registers candidates in the ledger. The
// ledger's first-writer-wins registration is what keeps repeated cycles from
// flooding downstream stages with duplicates.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costhistory"
	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/waste"
)

const instrumentationName = "github.com/fyrsmithlabs/costwatchd/internal/detect"

// Config tunes detection.
type Config struct {
	// WindowDays is the trailing history window; pairs with fewer observed
	// days are skipped for spike detection (default: 30).
	WindowDays int

	// SigmaFactor is the spike threshold multiplier: flag when today exceeds
	// mean + SigmaFactor*stddev (default: 2.0).
	SigmaFactor float64

	// WasteThreshold flags resources whose waste score strictly exceeds it
	// (default: 70).
	WasteThreshold int

	// Workers bounds concurrent pair scans (default: 4).
	Workers int
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.WindowDays <= 0 {
		c.WindowDays = 30
	}
	if c.SigmaFactor <= 0 {
		c.SigmaFactor = 2.0
	}
	if c.WasteThreshold <= 0 {
		c.WasteThreshold = 70
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Detector runs detection cycles against the cost history.
type Detector struct {
	history costhistory.Store
	ledger  ledger.Store
	scorer  *waste.Scorer
	cfg     Config
	logger  *zap.Logger

	// Telemetry
	tracer            trace.Tracer
	meter             metric.Meter
	anomaliesCounter  metric.Int64Counter
	pairsFailedCount  metric.Int64Counter
	suppressedCounter metric.Int64Counter
}

// New creates a detector.
func New(history costhistory.Store, ledgerStore ledger.Store, scorer *waste.Scorer, cfg Config, logger *zap.Logger) (*Detector, error) {
	if history == nil {
		return nil, errors.New("history store is required")
	}
	if ledgerStore == nil {
		return nil, errors.New("ledger store is required")
	}
	if scorer == nil {
		scorer = waste.NewScorer(waste.DefaultRuleSet())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	d := &Detector{
		history: history,
		ledger:  ledgerStore,
		scorer:  scorer,
		cfg:     cfg,
		logger:  logger.Named("detect"),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	d.initMetrics()

	return d, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (d *Detector) initMetrics() {
	var err error

	d.anomaliesCounter, err = d.meter.Int64Counter(
		"costwatchd.detect.anomalies_total",
		metric.WithDescription("Anomalies emitted to the pipeline"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		d.logger.Warn("failed to create anomalies counter", zap.Error(err))
	}

	d.pairsFailedCount, err = d.meter.Int64Counter(
		"costwatchd.detect.pairs_failed",
		metric.WithDescription("Pairs skipped because their history queries failed"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		d.logger.Warn("failed to create pairs failed counter", zap.Error(err))
	}

	d.suppressedCounter, err = d.meter.Int64Counter(
		"costwatchd.detect.suppressed_total",
		metric.WithDescription("Re-detections suppressed by the ledger"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		d.logger.Warn("failed to create suppressed counter", zap.Error(err))
	}
}

// RunCycle executes one detection cycle and returns the anomalies admitted to
// the pipeline, ordered by service then resource.
//
// A failing pair degrades the cycle; a failing store aborts it with
// DetectionError{KindStoreUnreachable} so the next scheduled cycle retries
// from scratch.
func (d *Detector) RunCycle(ctx context.Context, cycle *CycleContext) ([]costmodel.Anomaly, error) {
	ctx, span := d.tracer.Start(ctx, "detect.run_cycle", trace.WithAttributes(
		attribute.String("run_id", cycle.RunID),
		attribute.String("day", costmodel.DayKey(cycle.Day)),
	))
	defer span.End()

	if cycle.Window <= 0 {
		cycle.Window = d.cfg.WindowDays
	}

	pairs := cycle.Pairs
	if len(pairs) == 0 {
		since := cycle.Day.AddDate(0, 0, -cycle.Window)
		var err error
		pairs, err = d.history.DistinctPairs(ctx, since)
		if err != nil {
			derr := &DetectionError{Kind: KindStoreUnreachable, Err: err}
			span.RecordError(derr)
			span.SetStatus(codes.Error, "history store unreachable")
			return nil, derr
		}
		cycle.Pairs = pairs
	}

	d.logger.Info("detection cycle started",
		zap.String("run_id", cycle.RunID),
		zap.String("day", costmodel.DayKey(cycle.Day)),
		zap.Int("pairs", len(pairs)),
	)

	var (
		mu        sync.Mutex
		anomalies []costmodel.Anomaly
		wg        sync.WaitGroup
		sem       = make(chan struct{}, d.cfg.Workers)
	)

	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(pair costhistory.ServicePair) {
			defer wg.Done()
			defer func() { <-sem }()

			candidates, err := d.scanPair(ctx, cycle, pair)
			cycle.pairsScanned.Add(1)
			if err != nil {
				cycle.pairsFailed.Add(1)
				d.pairsFailedCount.Add(ctx, 1)
				d.logger.Warn("pair scan failed, skipping",
					zap.String("run_id", cycle.RunID),
					zap.String("pair", pair.String()),
					zap.Error(err),
				)
				return
			}

			admitted := d.admitAll(ctx, cycle, candidates)
			if len(admitted) == 0 {
				return
			}
			mu.Lock()
			anomalies = append(anomalies, admitted...)
			mu.Unlock()
		}(pair)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cycle cancelled")
		return nil, err
	}

	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].Service != anomalies[j].Service {
			return anomalies[i].Service < anomalies[j].Service
		}
		if anomalies[i].ResourceID != anomalies[j].ResourceID {
			return anomalies[i].ResourceID < anomalies[j].ResourceID
		}
		return anomalies[i].IssueType < anomalies[j].IssueType
	})

	stats := cycle.Stats()
	span.SetAttributes(
		attribute.Int64("pairs_scanned", stats.PairsScanned),
		attribute.Int64("pairs_failed", stats.PairsFailed),
		attribute.Int64("emitted", stats.Emitted),
		attribute.Int64("suppressed", stats.Suppressed),
	)
	d.logger.Info("detection cycle complete",
		zap.String("run_id", cycle.RunID),
		zap.Int64("pairs_scanned", stats.PairsScanned),
		zap.Int64("pairs_failed", stats.PairsFailed),
		zap.Int64("emitted", stats.Emitted),
		zap.Int64("suppressed", stats.Suppressed),
		zap.Int64("resumed", stats.Resumed),
	)

	return anomalies, nil
}

// scanPair evaluates one pair. Any store error fails the whole pair; partial
// findings from a failed pair are discarded rather than half-reported.
func (d *Detector) scanPair(ctx context.Context, cycle *CycleContext, pair costhistory.ServicePair) ([]costmodel.Anomaly, error) {
	ctx, span := d.tracer.Start(ctx, "detect.scan_pair", trace.WithAttributes(
		attribute.String("service", pair.Service),
		attribute.String("account", pair.Account),
	))
	defer span.End()

	from := cycle.Day.AddDate(0, 0, -cycle.Window)
	to := cycle.Day.AddDate(0, 0, 1)
	totals, err := d.history.DailyTotals(ctx, pair, from, to)
	if err != nil {
		return nil, &DetectionError{Kind: KindPairUnreachable, Err: fmt.Errorf("daily totals for %s: %w", pair, err)}
	}

	var candidates []costmodel.Anomaly
	if a, ok := d.checkSpike(cycle, pair, totals); ok {
		candidates = append(candidates, a)
	}

	snaps, err := d.history.LatestSnapshots(ctx, pair)
	if err != nil {
		return nil, &DetectionError{Kind: KindPairUnreachable, Err: fmt.Errorf("snapshots for %s: %w", pair, err)}
	}
	candidates = append(candidates, d.checkWaste(cycle, pair, snaps)...)

	return candidates, nil
}

// checkSpike applies the two-sigma test to the pair's daily totals. The
// current day is excluded from the baseline; a flat series (stddev 0) never
// spikes.
func (d *Detector) checkSpike(cycle *CycleContext, pair costhistory.ServicePair, totals []costhistory.DailyCost) (costmodel.Anomaly, bool) {
	dayKey := costmodel.DayKey(cycle.Day)

	var (
		trailing  []float64
		today     float64
		haveToday bool
	)
	for _, t := range totals {
		if costmodel.DayKey(t.Day) == dayKey {
			today = t.Total
			haveToday = true
			continue
		}
		if t.Day.After(cycle.Day) {
			continue
		}
		trailing = append(trailing, t.Total)
	}

	if !haveToday || len(trailing) < cycle.Window {
		return costmodel.Anomaly{}, false
	}

	mean, stddev := meanStdDev(trailing)
	threshold := mean + d.cfg.SigmaFactor*stddev
	if stddev <= 0 || today <= threshold {
		return costmodel.Anomaly{}, false
	}

	// Cost spikes are service-level: the service name doubles as the
	// resource id in the anomaly identity.
	a := costmodel.NewAnomaly(pair.Service, pair.Account, pair.Service, costmodel.IssueCostSpike, cycle.Day)
	a.DetectedAt = time.Now().UTC()
	a.Metrics["today"] = today
	a.Metrics["mean"] = mean
	a.Metrics["stddev"] = stddev
	a.Metrics["threshold"] = threshold
	a.Metrics["days_analyzed"] = float64(len(trailing))
	a.EstimatedCostImpact = today - mean
	return a, true
}

// checkWaste scores the pair's current resources and flags those above the
// waste threshold.
func (d *Detector) checkWaste(cycle *CycleContext, pair costhistory.ServicePair, snaps []costmodel.ResourceSnapshot) []costmodel.Anomaly {
	var out []costmodel.Anomaly
	for _, s := range snaps {
		score := d.scorer.Score(s)
		if score <= d.cfg.WasteThreshold {
			continue
		}

		a := costmodel.NewAnomaly(pair.Service, pair.Account, s.ResourceID, costmodel.IssueWastePattern, cycle.Day)
		a.DetectedAt = time.Now().UTC()
		a.ResourceType = s.ResourceType
		a.Metrics["waste_score"] = float64(score)
		a.Metrics["cpu_utilization"] = s.CPUUtilization
		a.Metrics["monthly_cost"] = s.MonthlyCost
		a.EstimatedCostImpact = s.MonthlyCost
		out = append(out, a)
	}
	return out
}

// admitAll runs candidates through ledger registration and returns the ones
// the pipeline should process.
func (d *Detector) admitAll(ctx context.Context, cycle *CycleContext, candidates []costmodel.Anomaly) []costmodel.Anomaly {
	var admitted []costmodel.Anomaly
	for _, a := range candidates {
		emit, resumed, err := d.admit(ctx, a)
		if err != nil {
			d.logger.Warn("ledger registration failed, dropping anomaly for this cycle",
				zap.String("run_id", cycle.RunID),
				zap.String("anomaly_id", a.ID),
				zap.Error(err),
			)
			continue
		}
		if !emit {
			cycle.suppressed.Add(1)
			d.suppressedCounter.Add(ctx, 1)
			continue
		}
		if resumed {
			cycle.resumed.Add(1)
		}
		cycle.emitted.Add(1)
		d.anomaliesCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("issue_type", string(a.IssueType)),
		))
		admitted = append(admitted, a)
	}
	return admitted
}

// admit decides whether a candidate enters the pipeline. First registration
// wins; an already-registered ID is re-emitted only when its latest result is
// failed or partial (the orchestrator resumes it), and suppressed while a run
// is in flight or after success.
func (d *Detector) admit(ctx context.Context, a costmodel.Anomaly) (emit, resumed bool, err error) {
	created, err := d.ledger.Register(ctx, a)
	if err != nil {
		return false, false, err
	}
	if created {
		return true, false, nil
	}

	result, err := d.ledger.GetResult(ctx, a.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		// Registered with no terminal result: a run is in flight.
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	switch result.Status {
	case costmodel.StatusFailed, costmodel.StatusPartial:
		return true, true, nil
	default:
		return false, false, nil
	}
}
