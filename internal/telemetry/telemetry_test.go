package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

func enabledConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:        true,
		ServiceName:    "costwatchd",
		ServiceVersion: "0.1.0",
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		Insecure:       true,
		SampleRate:     1.0,
		MetricInterval: config.Duration(15 * time.Second),
	}
}

func TestNew_Disabled(t *testing.T) {
	tel := New(context.Background(), config.TelemetryConfig{Enabled: false}, zap.NewNop())

	require.NotNil(t, tel)
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_EnabledBuildsProviders(t *testing.T) {
	tel := New(context.Background(), enabledConfig(), zap.NewNop())

	require.NotNil(t, tel)
	assert.NotNil(t, tel.tracerProvider)
	assert.NotNil(t, tel.meterProvider)
	assert.False(t, tel.Degraded())

	// Exporters never connected; bound the flush attempt and discard the
	// connection-refused error.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestNew_HTTPProtocol(t *testing.T) {
	cfg := enabledConfig()
	cfg.Protocol = "http"
	cfg.Endpoint = "http://localhost:4318"

	tel := New(context.Background(), cfg, zap.NewNop())

	require.NotNil(t, tel)
	assert.NotNil(t, tel.tracerProvider)
	assert.NotNil(t, tel.meterProvider)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestNew_NilLogger(t *testing.T) {
	tel := New(context.Background(), config.TelemetryConfig{}, nil)
	require.NotNil(t, tel)
}

func TestLoggerProvider_RoundTrip(t *testing.T) {
	tel := New(context.Background(), config.TelemetryConfig{}, zap.NewNop())
	assert.Nil(t, tel.LoggerProvider())

	lp := noop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}

func TestNilInstanceIsSafe(t *testing.T) {
	var tel *Telemetry

	assert.Nil(t, tel.LoggerProvider())
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NotPanics(t, func() { tel.SetLoggerProvider(nil) })
}
