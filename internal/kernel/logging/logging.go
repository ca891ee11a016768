// Package logging wraps go.uber.org/zap the way the teacher's event_logger.go
// wraps console output: a thin helper that gives every component the same
// fields for a cover (domain/root/edition/correlation_id) so operators can
// grep one command's trace across the coordinator, bus, and runners.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. LOG_LEVEL selects verbosity (debug,
// info, warn, error; default info). LOG_FORMAT=console selects console
// encoding; any other value, or none, gives json.
func New(service string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if os.Getenv("LOG_FORMAT") == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		logger = logger.Named(service)
	}
	return logger, nil
}

// Cover returns the zap fields every log line touching a specific aggregate
// instance should carry, so `jq 'select(.root=="...")'` finds one command's
// whole trace across components.
func Cover(domain, root, edition, correlationID string) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	fields = append(fields, zap.String("domain", domain), zap.String("root", root))
	if edition != "" {
		fields = append(fields, zap.String("edition", edition))
	}
	if correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	return fields
}

// Must panics if New fails; used at process startup where there is no
// logger yet to report the error through.
func Must(service string) *zap.Logger {
	logger, err := New(service)
	if err != nil {
		panic(err)
	}
	return logger
}
