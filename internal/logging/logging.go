package logging

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New builds the process logger. Production output is JSON at info level.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	return cfg.Build()
}

// Audit writes a structured audit event for a component. Fields are emitted in
// key order so log lines are stable across runs.
func Audit(logger *zap.Logger, component, level, event, requestID string, fields map[string]any) {
	if logger == nil {
		return
	}
	zf := make([]zap.Field, 0, len(fields)+3)
	zf = append(zf,
		zap.String("component", component),
		zap.String("event", event),
		zap.String("request_id", requestID),
	)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	switch level {
	case LevelError:
		logger.Error(event, zf...)
	case LevelWarn:
		logger.Warn(event, zf...)
	default:
		logger.Info(event, zf...)
	}
}
