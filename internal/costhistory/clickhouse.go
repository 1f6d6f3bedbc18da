package costhistory

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// snapshotHorizon bounds how far back LatestSnapshots looks. Resources that
// stopped reporting fall out of detection instead of being scored on stale
// utilization.
const snapshotHorizon = 48 * time.Hour

// Config holds ClickHouse connection settings.
type Config struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	Debug       bool
}

// Client implements Store on ClickHouse. Cost observations land in
// cost_points, utilization snapshots in resource_snapshots; both are
// append-only MergeTree tables.
type Client struct {
	conn   clickhouse.Conn
	logger *zap.Logger
}

// NewClient connects to ClickHouse. The connection is validated lazily; call
// Ping to check reachability.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Debug:       cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to clickhouse: %w", err)
	}

	return &Client{
		conn:   conn,
		logger: logger.Named("costhistory"),
	}, nil
}

// Ping checks database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureSchema creates the backing tables if they do not exist. Safe to call
// on every startup.
func (c *Client) EnsureSchema(ctx context.Context) error {
	const costPoints = `
		CREATE TABLE IF NOT EXISTS cost_points (
			timestamp DateTime,
			service   LowCardinality(String),
			account   LowCardinality(String),
			region    LowCardinality(String),
			cost      Float64,
			usage     Float64
		) ENGINE = MergeTree()
		ORDER BY (service, account, timestamp)
		TTL timestamp + INTERVAL 400 DAY
	`
	if err := c.conn.Exec(ctx, costPoints); err != nil {
		return fmt.Errorf("creating cost_points: %w", err)
	}

	const snapshots = `
		CREATE TABLE IF NOT EXISTS resource_snapshots (
			observed_at     DateTime,
			resource_id     String,
			resource_type   LowCardinality(String),
			region          LowCardinality(String),
			account         LowCardinality(String),
			service         LowCardinality(String),
			state           LowCardinality(String),
			cpu_utilization Float64,
			monthly_cost    Float64
		) ENGINE = MergeTree()
		ORDER BY (service, account, resource_id, observed_at)
		TTL observed_at + INTERVAL 90 DAY
	`
	if err := c.conn.Exec(ctx, snapshots); err != nil {
		return fmt.Errorf("creating resource_snapshots: %w", err)
	}

	return nil
}

// DistinctPairs lists (service, account) pairs observed at or after since.
func (c *Client) DistinctPairs(ctx context.Context, since time.Time) ([]ServicePair, error) {
	const query = `
		SELECT DISTINCT service, account
		FROM cost_points
		WHERE timestamp >= ?
		ORDER BY service, account
	`
	rows, err := c.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("querying distinct pairs: %w", err)
	}
	defer rows.Close()

	var pairs []ServicePair
	for rows.Next() {
		var p ServicePair
		if err := rows.Scan(&p.Service, &p.Account); err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading pairs: %w", err)
	}
	return pairs, nil
}

// DailyTotals sums the pair's cost per calendar day over [from, to),
// ascending.
func (c *Client) DailyTotals(ctx context.Context, pair ServicePair, from, to time.Time) ([]DailyCost, error) {
	const query = `
		SELECT toStartOfDay(timestamp) AS day, sum(cost) AS total
		FROM cost_points
		WHERE service = ? AND account = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY day
		ORDER BY day ASC
	`
	rows, err := c.conn.Query(ctx, query, pair.Service, pair.Account, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying daily totals for %s: %w", pair, err)
	}
	defer rows.Close()

	var totals []DailyCost
	for rows.Next() {
		var d DailyCost
		if err := rows.Scan(&d.Day, &d.Total); err != nil {
			return nil, fmt.Errorf("scanning daily total: %w", err)
		}
		totals = append(totals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading daily totals: %w", err)
	}
	return totals, nil
}

// LatestSnapshots returns the freshest snapshot per resource for the pair,
// limited to resources observed within the snapshot horizon.
func (c *Client) LatestSnapshots(ctx context.Context, pair ServicePair) ([]costmodel.ResourceSnapshot, error) {
	const query = `
		SELECT
			resource_id,
			argMax(resource_type, observed_at) AS resource_type,
			argMax(region, observed_at)        AS region,
			argMax(state, observed_at)         AS state,
			argMax(cpu_utilization, observed_at) AS cpu_utilization,
			argMax(monthly_cost, observed_at)  AS monthly_cost
		FROM resource_snapshots
		WHERE service = ? AND account = ? AND observed_at >= ?
		GROUP BY resource_id
		ORDER BY resource_id
	`
	since := time.Now().Add(-snapshotHorizon)
	rows, err := c.conn.Query(ctx, query, pair.Service, pair.Account, since)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots for %s: %w", pair, err)
	}
	defer rows.Close()

	var snaps []costmodel.ResourceSnapshot
	for rows.Next() {
		var (
			s     costmodel.ResourceSnapshot
			state string
		)
		if err := rows.Scan(&s.ResourceID, &s.ResourceType, &s.Region, &state, &s.CPUUtilization, &s.MonthlyCost); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		s.Service = pair.Service
		s.Account = pair.Account
		s.State = costmodel.ParseResourceState(state)
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}
	return snaps, nil
}

// LatestCostDay returns the most recent cost observation timestamp, or the
// zero time when no observations exist. Ingestion uses it as a high-water
// mark so re-running never double-writes a day into the append-only table.
func (c *Client) LatestCostDay(ctx context.Context) (time.Time, error) {
	const query = `SELECT count() AS n, max(timestamp) AS latest FROM cost_points`

	var (
		n      uint64
		latest time.Time
	)
	if err := c.conn.QueryRow(ctx, query).Scan(&n, &latest); err != nil {
		return time.Time{}, fmt.Errorf("querying latest cost day: %w", err)
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return latest, nil
}

// WriteCostPoints appends cost observations in one batch.
func (c *Client) WriteCostPoints(ctx context.Context, points []costmodel.CostPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO cost_points (timestamp, service, account, region, cost, usage)
	`)
	if err != nil {
		return fmt.Errorf("preparing cost batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(p.Timestamp, p.Service, p.Account, p.Region, p.Cost, p.Usage); err != nil {
			return fmt.Errorf("appending cost point: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending cost batch: %w", err)
	}

	c.logger.Debug("wrote cost points", zap.Int("count", len(points)))
	return nil
}

// WriteSnapshots appends resource snapshots observed at the given time.
func (c *Client) WriteSnapshots(ctx context.Context, observedAt time.Time, snaps []costmodel.ResourceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO resource_snapshots (
			observed_at, resource_id, resource_type, region, account, service,
			state, cpu_utilization, monthly_cost
		)
	`)
	if err != nil {
		return fmt.Errorf("preparing snapshot batch: %w", err)
	}

	for _, s := range snaps {
		if err := batch.Append(
			observedAt, s.ResourceID, s.ResourceType, s.Region, s.Account,
			s.Service, string(s.State), s.CPUUtilization, s.MonthlyCost,
		); err != nil {
			return fmt.Errorf("appending snapshot: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending snapshot batch: %w", err)
	}

	c.logger.Debug("wrote resource snapshots", zap.Int("count", len(snaps)))
	return nil
}
