package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// defaultLookbackDays bounds the initial backfill on an empty store. The
// detector wants thirty days of history before spike math engages; a few
// spare days absorb ingestion gaps.
const defaultLookbackDays = 35

// CostSource produces billing observations for a half-open day window.
type CostSource interface {
	FetchCostPoints(ctx context.Context, from, to time.Time) ([]costmodel.CostPoint, error)
}

// InventorySource produces the current utilization snapshot sweep.
type InventorySource interface {
	FetchSnapshots(ctx context.Context) ([]costmodel.ResourceSnapshot, error)
}

// Sink is the write side of the cost history store plus the high-water read
// that keeps cost ingestion idempotent.
type Sink interface {
	LatestCostDay(ctx context.Context) (time.Time, error)
	WriteCostPoints(ctx context.Context, points []costmodel.CostPoint) error
	WriteSnapshots(ctx context.Context, observedAt time.Time, snaps []costmodel.ResourceSnapshot) error
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLookbackDays bounds the initial cost backfill when the store is empty.
func WithLookbackDays(days int) Option {
	return func(i *Ingestor) {
		if days > 0 {
			i.lookback = days
		}
	}
}

// Ingestor drives one ingestion cycle: completed billing days since the
// high-water mark, then a fresh inventory sweep. Either source may be nil,
// in which case its half of the cycle is skipped.
type Ingestor struct {
	costs     CostSource
	inventory InventorySource
	sink      Sink
	lookback  int
	logger    *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewIngestor wires an ingestion cycle. The sink and at least one source are
// required.
func NewIngestor(costs CostSource, inventory InventorySource, sink Sink, logger *zap.Logger, opts ...Option) (*Ingestor, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if costs == nil && inventory == nil {
		return nil, fmt.Errorf("at least one source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ing := &Ingestor{
		costs:     costs,
		inventory: inventory,
		sink:      sink,
		lookback:  defaultLookbackDays,
		logger:    logger.Named("ingest"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing, nil
}

// Run executes one ingestion cycle. Cost points cover completed UTC days
// only; today's partial data is never written, so every stored day is
// final. Snapshots are written every run; the store's latest-wins read makes
// repeats harmless.
func (i *Ingestor) Run(ctx context.Context) error {
	if i.costs != nil {
		if err := i.ingestCosts(ctx); err != nil {
			return err
		}
	}
	if i.inventory != nil {
		if err := i.ingestSnapshots(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) ingestCosts(ctx context.Context) error {
	today := midnightUTC(i.now())

	latest, err := i.sink.LatestCostDay(ctx)
	if err != nil {
		return fmt.Errorf("reading ingestion high-water mark: %w", err)
	}

	var from time.Time
	if latest.IsZero() {
		from = today.AddDate(0, 0, -i.lookback)
	} else {
		from = midnightUTC(latest).AddDate(0, 0, 1)
	}

	if !from.Before(today) {
		i.logger.Debug("cost history is current, nothing to ingest")
		return nil
	}

	points, err := i.costs.FetchCostPoints(ctx, from, today)
	if err != nil {
		return fmt.Errorf("fetching cost points: %w", err)
	}
	if err := i.sink.WriteCostPoints(ctx, points); err != nil {
		return fmt.Errorf("writing cost points: %w", err)
	}

	i.logger.Info("ingested cost points",
		zap.String("from", from.Format("2006-01-02")),
		zap.String("to", today.Format("2006-01-02")),
		zap.Int("points", len(points)))
	return nil
}

func (i *Ingestor) ingestSnapshots(ctx context.Context) error {
	snaps, err := i.inventory.FetchSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("fetching snapshots: %w", err)
	}

	observedAt := i.now().UTC()
	if err := i.sink.WriteSnapshots(ctx, observedAt, snaps); err != nil {
		return fmt.Errorf("writing snapshots: %w", err)
	}

	i.logger.Info("ingested resource snapshots", zap.Int("snapshots", len(snaps)))
	return nil
}

func midnightUTC(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
