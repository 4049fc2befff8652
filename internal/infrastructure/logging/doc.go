// Package logging provides structured logging for the meter simulator.
//
// It wraps log/slog so that every entry carries the service name and build
// version, and so that components can tag their output:
//
//	logger := logging.New(cfg.Logging, version)
//	meterLog := logger.Component("meter")
//	meterLog.Info("reading published", "value", 42)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Never log broker passwords or JWT secrets.
package logging
