package logging

import (
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

// newCore assembles the stdout core behind the redacting encoder, teeing
// in the otelzap bridge when OTLP log export is configured and a provider
// is available.
func newCore(cfg config.LoggingConfig, level zapcore.Level, provider log.LoggerProvider) zapcore.Core {
	encoder := newRedactingEncoder(newEncoder(cfg.Format))
	stdout := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	if !cfg.OTEL || provider == nil {
		return stdout
	}
	bridge := otelzap.NewCore("costwatchd", otelzap.WithLoggerProvider(provider))
	return zapcore.NewTee(stdout, bridge)
}

// newEncoder builds a JSON encoder for aggregation or a console encoder
// for local runs.
func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}
