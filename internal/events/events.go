// Package events publishes run and anomaly lifecycle events to NATS so
// external consumers (dashboards, ticketing bridges) can follow the daemon
// without polling the admin API. Publishing is best-effort: a failed publish
// is logged and dropped, never surfaced to the pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

// Subject layout:
//
//	costwatch.runs.{run_id}.{started|completed|failed}
//	costwatch.anomalies.{anomaly_id}.{detected|synthesized|remediated|failed}
const (
	runSubjectPrefix     = "costwatch.runs"
	anomalySubjectPrefix = "costwatch.anomalies"
)

// Run lifecycle event kinds.
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Per-anomaly stage event kinds.
const (
	AnomalyDetected    = "detected"
	AnomalySynthesized = "synthesized"
	AnomalyRemediated  = "remediated"
	AnomalyFailed      = "failed"
)

// RunEvent is the JSON payload carried on costwatch.runs.* subjects.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Pairs     int       `json:"pairs,omitempty"`
	Anomalies int       `json:"anomalies,omitempty"`
	Succeeded int       `json:"succeeded,omitempty"`
	Partial   int       `json:"partial,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// AnomalyEvent is the JSON payload carried on costwatch.anomalies.* subjects.
type AnomalyEvent struct {
	AnomalyID  string    `json:"anomaly_id"`
	RunID      string    `json:"run_id,omitempty"`
	Service    string    `json:"service,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	IssueType  string    `json:"issue_type,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use; the pipeline publishes from every in-flight anomaly.
type Publisher interface {
	PublishRun(kind string, ev RunEvent)
	PublishAnomaly(kind string, ev AnomalyEvent)
	Close() error
}

// Nop discards all events. Used when NATS is not configured.
type Nop struct{}

// NewNop returns a publisher that drops everything.
func NewNop() *Nop { return &Nop{} }

func (*Nop) PublishRun(string, RunEvent)         {}
func (*Nop) PublishAnomaly(string, AnomalyEvent) {}
func (*Nop) Close() error                        { return nil }

// NATS publishes events over core NATS. Messages are not persisted; a
// consumer that is offline misses them, which is acceptable for a stream
// that only mirrors state already recorded in the ledger.
type NATS struct {
	nc       *nats.Conn
	logger   *zap.Logger
	ownsConn bool
}

// NewNATS dials the configured server and owns the resulting connection.
func NewNATS(cfg config.NATSConfig, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	pub := NewNATSWithConn(nc, logger)
	pub.ownsConn = true
	return pub, nil
}

// NewNATSWithConn wraps an existing connection (typically shared with the
// JetStream ledger). Close flushes but leaves the connection open.
func NewNATSWithConn(nc *nats.Conn, logger *zap.Logger) *NATS {
	return &NATS{
		nc:     nc,
		logger: logger.Named("events"),
	}
}

// PublishRun emits a run lifecycle event.
func (p *NATS) PublishRun(kind string, ev RunEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	subject := fmt.Sprintf("%s.%s.%s", runSubjectPrefix, ev.RunID, kind)
	p.publish(subject, ev)
}

// PublishAnomaly emits a per-anomaly stage event.
func (p *NATS) PublishAnomaly(kind string, ev AnomalyEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	subject := fmt.Sprintf("%s.%s.%s", anomalySubjectPrefix, ev.AnomalyID, kind)
	p.publish(subject, ev)
}

func (p *NATS) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("dropping event, marshal failed",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("dropping event, publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close flushes buffered publishes and, when the publisher owns the
// connection, closes it.
func (p *NATS) Close() error {
	err := p.nc.FlushTimeout(2 * time.Second)
	if p.ownsConn {
		p.nc.Close()
	}
	return err
}
