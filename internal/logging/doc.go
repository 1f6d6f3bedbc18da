// Package logging wraps zap with context-aware correlation for costwatchd.
//
// Log methods take a context.Context and append correlation fields
// automatically: the active OpenTelemetry trace and span ids, the request
// id stamped by the admin server, and the run and anomaly ids stamped by
// the pipeline. Output goes to stdout as JSON or console text and can be
// teed to an OpenTelemetry log provider through the otelzap bridge.
//
// Create a logger from config:
//
//	logger, err := logging.New(cfg.Logging, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	logger.Info(ctx, "scan finished", zap.Int("anomalies", n))
//
// The second argument accepts an OpenTelemetry log.LoggerProvider to tee
// records through the otelzap bridge; nil keeps stdout only.
//
// Components that hold a plain *zap.Logger receive Underlying(). Tests use
// zap.NewNop() or NewNop().
//
// String fields with credential-shaped keys (token, password, api_key,
// webhook, ...) are masked by the encoder before they reach any sink.
// Credentials held as config.Secret are already masked by their String
// method; the encoder catches values that arrive as plain strings.
package logging
