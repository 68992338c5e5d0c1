// Package logging provides structured logging for pshal on top of log/slog.
//
// Every record carries service=pshal and the build version. JSON is the
// default format; "text" is easier to read on a console.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("fleet").Info("supplies created", "count", n)
//
// Never log broker passwords or InfluxDB tokens.
package logging
