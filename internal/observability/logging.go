package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/recordflow/internal/config"
	"github.com/pitabwire/recordflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Levels: error for store and blob failures and 5xx responses, warn for 4xx
// and degraded delivery (notifier circuit, skipped task definitions), info for
// instance and definition lifecycle, debug for redacted entry data.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
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

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.Int64("user_id", rctx.UserID),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	// Include trace_id if present.
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// personalDataKeys are entry data keys that commonly carry personal data in
// submitted records. They are redacted whatever the form says.
var personalDataKeys = map[string]bool{
	"password":        true,
	"national_id":     true,
	"id_number":       true,
	"passport_number": true,
	"date_of_birth":   true,
	"phone":           true,
	"email":           true,
	"home_address":    true,
	"bank_account":    true,
	"iban":            true,
	"salary":          true,
	"signature":       true,
}

// SensitiveFieldTypes are form field types whose values never reach the logs.
var SensitiveFieldTypes = map[string]bool{
	"password":  true,
	"signature": true,
	"secret":    true,
}

// SensitiveFieldNames returns the names of form fields declared with a
// sensitive field type.
func SensitiveFieldNames(fields []model.FormField) []string {
	var names []string
	for _, f := range fields {
		if SensitiveFieldTypes[strings.ToLower(f.FieldType)] {
			names = append(names, f.Name)
		}
	}
	return names
}

// RedactEntryData returns a copy of entry data for debug logging with
// personal data keys and the given form field names replaced by
// "[REDACTED]". Nested objects are redacted by the same rules.
func RedactEntryData(data map[string]any, fieldNames []string) map[string]any {
	if data == nil {
		return nil
	}

	redact := make(map[string]bool, len(personalDataKeys)+len(fieldNames))
	for k := range personalDataKeys {
		redact[k] = true
	}
	for _, f := range fieldNames {
		redact[f] = true
	}
	return redactMap(data, redact)
}

func redactMap(data map[string]any, redact map[string]bool) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch nested := v.(type) {
		case map[string]any:
			if redact[k] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = redactMap(nested, redact)
			}
		default:
			if redact[k] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = v
			}
		}
	}
	return out
}
