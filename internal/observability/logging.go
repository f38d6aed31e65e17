package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON unless the config asks
// for the console encoder.
//
// Level conventions:
//   - error: database failures, panics, broken audit chains
//   - warn:  client errors (4xx), failed post-commit effects, open webhook circuits
//   - info:  dispatch outcomes, committed transitions, config reloads
//   - debug: config cache activity, redacted pipeline inputs
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if cfg.LogFormat == "console" {
		encoding = "console"
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
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

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger enriched with the investigator,
// correlation id, and trace id of the current request.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("user", rctx.UserName),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// CaseFields identifies a case in log lines.
func CaseFields(key model.CaseKey, orgUnitCode string) []zap.Field {
	fields := []zap.Field{
		zap.String("entity_code", key.EntityCode),
		zap.Int64("entity_id", key.EntityID),
	}
	if orgUnitCode != "" {
		fields = append(fields, zap.String("org_unit_code", orgUnitCode))
	}
	return fields
}

// Customer identifiers that commonly appear in case data.
var defaultSensitiveFields = []string{
	"ssn",
	"tax_id",
	"national_id",
	"passport_number",
	"date_of_birth",
	"account_number",
	"iban",
	"card_number",
	"password",
	"token",
	"secret",
}

const redacted = "[REDACTED]"

// RedactBody returns a copy of body with sensitive keys replaced by
// "[REDACTED]". Keys match case-insensitively against the defaults plus
// sensitiveFields, at any depth of nested objects and arrays. Use it only for
// debug output.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}
	set := make(map[string]struct{}, len(defaultSensitiveFields)+len(sensitiveFields))
	for _, f := range defaultSensitiveFields {
		set[f] = struct{}{}
	}
	for _, f := range sensitiveFields {
		set[strings.ToLower(f)] = struct{}{}
	}
	return redactMap(body, set)
}

func redactMap(m map[string]any, set map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := set[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, set)
	}
	return out
}

func redactValue(v any, set map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, set)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, set)
		}
		return out
	default:
		return v
	}
}
