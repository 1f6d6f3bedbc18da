package synth

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

const instrumentationName = "github.com/fyrsmithlabs/costwatchd/internal/synth"

// defaultConfidence fills in a confidence the model omitted or returned out
// of range.
const defaultConfidence = 0.5

// noContextConfidenceCap bounds confidence when synthesis ran without any
// reference documentation. Missing context lowers confidence, it does not
// fail the synthesis.
const noContextConfidenceCap = 0.5

// Synthesizer turns a detected anomaly plus retrieved knowledge into a
// validated remediation recommendation.
type Synthesizer struct {
	client Client
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// New creates a synthesizer backed by the given completion client.
func New(client Client, logger *zap.Logger) (*Synthesizer, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Synthesizer{
		client: client,
		logger: logger.Named("synth"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Synthesizer) initMetrics() {
	var err error

	s.duration, err = s.meter.Float64Histogram(
		"costwatchd.synth.duration_seconds",
		metric.WithDescription("Time to synthesize a recommendation, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0),
	)
	if err != nil {
		s.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	s.errors, err = s.meter.Int64Counter(
		"costwatchd.synth.errors_total",
		metric.WithDescription("Failed syntheses by reason"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		s.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// Synthesize produces a recommendation for the anomaly. Chunks may be empty;
// synthesis proceeds with lowered confidence. Failures carry a
// *SynthesisError so callers can distinguish backend outages from model
// misbehavior.
func (s *Synthesizer) Synthesize(ctx context.Context, anomaly costmodel.Anomaly, chunks []costmodel.KnowledgeChunk) (costmodel.Recommendation, error) {
	ctx, span := s.tracer.Start(ctx, "synth.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("anomaly.id", anomaly.ID),
		attribute.String("anomaly.issue_type", string(anomaly.IssueType)),
		attribute.Int("chunks", len(chunks)),
	)

	start := time.Now()
	req := buildRequest(anomaly, chunks)

	raw, err := s.client.Complete(ctx, req)
	if err != nil {
		return costmodel.Recommendation{}, s.fail(ctx, span, anomaly, backendErr(err))
	}

	resp, risk, err := parseRecommendation(raw)
	if err != nil {
		return costmodel.Recommendation{}, s.fail(ctx, span, anomaly, err)
	}

	confidence := resp.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = defaultConfidence
	}
	if len(chunks) == 0 && confidence > noContextConfidenceCap {
		confidence = noContextConfidenceCap
	}

	rec := costmodel.Recommendation{
		AnomalyID:        anomaly.ID,
		RootCause:        resp.RootCause,
		Actions:          resp.Actions,
		GeneratedCode:    resp.TerraformCode,
		EstimatedSavings: resp.EstimatedSavingsUSD,
		RiskLevel:        risk,
		RollbackPlan:     resp.RollbackPlan,
		Confidence:       confidence,
	}

	elapsed := time.Since(start)
	if s.duration != nil {
		s.duration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("issue_type", string(anomaly.IssueType))))
	}
	s.logger.Info("synthesized recommendation",
		zap.String("anomaly_id", anomaly.ID),
		zap.String("risk_level", string(risk)),
		zap.Float64("estimated_savings_usd", rec.EstimatedSavings),
		zap.Float64("confidence", confidence),
		zap.Duration("duration", elapsed))

	return rec, nil
}

// fail records a synthesis failure and returns err unchanged.
func (s *Synthesizer) fail(ctx context.Context, span trace.Span, anomaly costmodel.Anomaly, err error) error {
	reason := "unknown"
	var synthErr *SynthesisError
	if errors.As(err, &synthErr) {
		reason = synthErr.Reason
	}

	s.logger.Warn("synthesis failed",
		zap.String("anomaly_id", anomaly.ID),
		zap.String("reason", reason),
		zap.Error(err))
	span.RecordError(err)
	if s.errors != nil {
		s.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return err
}
