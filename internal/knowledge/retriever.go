// Package knowledge retrieves optimization guidance for anomalies.
//
// Retrieval is strictly best-effort: the synthesizer produces usable
// recommendations without reference context, so a broken or empty knowledge
// store degrades quality, never availability. Retrieve does not return
// errors.
package knowledge

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/knowledge/store"
)

const instrumentationName = "github.com/fyrsmithlabs/costwatchd/internal/knowledge"

// DefaultTopK is the number of chunks retrieved when the caller does not
// specify one.
const DefaultTopK = 5

// Retriever performs semantic search over the knowledge store.
type Retriever struct {
	store  store.Store
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	degradedCounter metric.Int64Counter
}

// NewRetriever creates a retriever backed by the given store.
func NewRetriever(s store.Store, logger *zap.Logger) (*Retriever, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Retriever{
		store:  s,
		logger: logger.Named("knowledge"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r, nil
}

func (r *Retriever) initMetrics() {
	var err error

	r.degradedCounter, err = r.meter.Int64Counter(
		"costwatchd.knowledge.degraded_total",
		metric.WithDescription("Retrievals that returned no context because the knowledge store errored"),
		metric.WithUnit("{retrieval}"),
	)
	if err != nil {
		r.logger.Warn("failed to create degraded counter", zap.Error(err))
	}
}

// Retrieve returns up to topK knowledge chunks relevant to the anomaly,
// ordered by descending relevance. topK <= 0 selects DefaultTopK.
//
// Search is filtered to chunks tagged with the anomaly's service or
// "General"; an empty filtered set falls back to an unfiltered search. A
// store error degrades to an empty result, it is never surfaced to the
// caller.
func (r *Retriever) Retrieve(ctx context.Context, anomaly costmodel.Anomaly, topK int) []costmodel.KnowledgeChunk {
	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, span := r.tracer.Start(ctx, "knowledge.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("anomaly.id", anomaly.ID),
		attribute.String("anomaly.service", anomaly.Service),
		attribute.Int("topk", topK),
	)

	query := BuildQuery(anomaly)
	filter := &store.Filter{Services: []string{anomaly.Service, store.GeneralService}}

	results, err := r.store.Search(ctx, query, topK, filter)
	if err != nil {
		return r.degrade(ctx, span, anomaly, err)
	}

	if len(results) == 0 {
		results, err = r.store.Search(ctx, query, topK, nil)
		if err != nil {
			return r.degrade(ctx, span, anomaly, err)
		}
	}

	chunks := make([]costmodel.KnowledgeChunk, 0, len(results))
	for _, res := range results {
		chunks = append(chunks, costmodel.KnowledgeChunk{
			SourceID:  res.ID,
			Text:      res.Text,
			Relevance: clampRelevance(float64(res.Score)),
			Tags:      res.Tags,
		})
	}

	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	return chunks
}

// degrade records a failed retrieval and returns the empty result.
func (r *Retriever) degrade(ctx context.Context, span trace.Span, anomaly costmodel.Anomaly, err error) []costmodel.KnowledgeChunk {
	r.logger.Warn("knowledge retrieval degraded",
		zap.String("anomaly_id", anomaly.ID),
		zap.String("service", anomaly.Service),
		zap.Error(err))
	span.RecordError(err)
	if r.degradedCounter != nil {
		r.degradedCounter.Add(ctx, 1)
	}
	return nil
}

// clampRelevance keeps scores inside [0, 1]. Qdrant cosine scores can dip
// below zero for dissimilar vectors.
func clampRelevance(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
