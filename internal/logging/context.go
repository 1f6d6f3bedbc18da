package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestIDKey struct{}
type runIDKey struct{}
type anomalyIDKey struct{}

// WithRequestID stamps the admin server request id into the context. An
// empty id leaves the context unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the stamped request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRunID stamps the detection cycle run id into the context.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the stamped run id, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithAnomalyID stamps the anomaly id into the context for the duration of
// one remediation.
func WithAnomalyID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, anomalyIDKey{}, id)
}

// AnomalyIDFromContext returns the stamped anomaly id, or "".
func AnomalyIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(anomalyIDKey{}).(string)
	return id
}

// ContextFields extracts the correlation fields present in ctx: trace and
// span ids from the active OpenTelemetry span, then request, run, and
// anomaly ids.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run_id", id))
	}
	if id := AnomalyIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("anomaly_id", id))
	}
	return fields
}
