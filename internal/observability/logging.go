package observability

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON to stdout, ISO8601 timestamps,
// millisecond durations, and the build version on every entry.
//
// Levels:
//   - error: infrastructure failures and 5xx responses
//   - warn:  rejected or failed lending calls, an open circuit breaker
//   - info:  requests, step submissions, session transitions
//   - debug: capability cache activity, lending request details
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zapCfg.InitialFields = map[string]any{
		"service": "backoffice",
		"version": Version,
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger with the staff member, tenant,
// and correlation id of the request attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("staff_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// sensitiveValues are step value keys that never appear in logs or the audit
// trail in the clear.
var sensitiveValues = map[string]bool{
	"accountBsb":     true,
	"accountNumber":  true,
	"documentNumber": true,
	"dateOfBirth":    true,
}

// RedactValues returns a copy of step values with customer banking and
// identity document values masked. Extra keys are masked too.
func RedactValues(values map[string]any, extra ...string) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch {
		case sensitiveValues[k] || slices.Contains(extra, k):
			out[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				v = RedactValues(nested, extra...)
			}
			out[k] = v
		}
	}
	return out
}
