// Package telemetry wires OpenTelemetry tracing and metrics for costwatchd.
//
// New installs global tracer and meter providers exporting OTLP over gRPC
// or HTTP; components pick them up through otel.Tracer and otel.Meter with
// their own instrumentation scopes (costwatchd.detect, costwatchd.synth,
// ...). Telemetry never breaks the daemon: when telemetry is disabled or an
// exporter cannot be built, the globals stay no-op and the instance reports
// itself degraded.
//
//	tel := telemetry.New(ctx, cfg.Telemetry, logger)
//	defer tel.Shutdown(context.Background())
package telemetry
