package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "msg",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeTime:  zapcore.ISO8601TimeEncoder,
	})
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel))
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		enabled   zapcore.Level
		disabled  zapcore.Level
		checkDown bool
	}{
		{"debug", zapcore.DebugLevel, 0, false},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel, true},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel, true},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel, true},
		{"bogus", zapcore.InfoLevel, zapcore.DebugLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Sync()

			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%s should be enabled", tt.enabled)
			}
			if tt.checkDown && logger.Core().Enabled(tt.disabled) {
				t.Errorf("%s should not be enabled", tt.disabled)
			}
		})
	}
}

func TestNewLogger_consoleFormat(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "info", LogFormat: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
}

func TestLoggerFrom(t *testing.T) {
	stored := zap.NewNop()
	fallback := zap.NewNop()

	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("LoggerFrom should return the stored logger")
	}
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestRequestLogger_enrichesWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		UserName:      "rita.reviewer",
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	})
	RequestLogger(WithLogger(ctx, logger), zap.NewNop()).Info("dispatch: case leased")

	entry := decodeEntry(t, &buf)
	for key, want := range map[string]string{
		"user":           "rita.reviewer",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
		"msg":            "dispatch: case leased",
	} {
		if got, _ := entry[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestRequestLogger_noTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{UserName: "sam.reviewer"})
	RequestLogger(ctx, logger).Info("x")

	if _, ok := decodeEntry(t, &buf)["trace_id"]; ok {
		t.Error("trace_id should be omitted when empty")
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	RequestLogger(context.Background(), logger).Info("startup")

	entry := decodeEntry(t, &buf)
	if _, ok := entry["user"]; ok {
		t.Error("user should be absent without a request context")
	}
}

func TestCaseFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	key := model.CaseKey{EntityCode: "ALERT", EntityID: 42}
	logger.Info("action executed", CaseFields(key, "AML")...)

	entry := decodeEntry(t, &buf)
	if entry["entity_code"] != "ALERT" || entry["org_unit_code"] != "AML" {
		t.Errorf("entry = %v", entry)
	}
	if id, _ := entry["entity_id"].(float64); id != 42 {
		t.Errorf("entity_id = %v, want 42", entry["entity_id"])
	}

	if got := CaseFields(key, ""); len(got) != 2 {
		t.Errorf("fields without org unit = %d, want 2", len(got))
	}
}

func TestRedactBody(t *testing.T) {
	body := map[string]any{
		"reason": "structuring pattern",
		"SSN":    "123-45-6789",
		"customer": map[string]any{
			"name": "Jane Doe",
			"iban": "GB82WEST12345698765432",
		},
		"accounts": []any{
			map[string]any{"account_number": "001", "bank": "ACME"},
			"plain",
		},
		"case_note": "contains internal reference",
	}

	got := RedactBody(body, []string{"case_note"})

	if got["reason"] != "structuring pattern" {
		t.Errorf("reason = %v, want unchanged", got["reason"])
	}
	if got["SSN"] != redacted {
		t.Errorf("SSN = %v, want redacted (case-insensitive)", got["SSN"])
	}
	if got["case_note"] != redacted {
		t.Errorf("case_note = %v, want redacted (custom field)", got["case_note"])
	}
	customer := got["customer"].(map[string]any)
	if customer["iban"] != redacted || customer["name"] != "Jane Doe" {
		t.Errorf("customer = %v", customer)
	}
	accounts := got["accounts"].([]any)
	first := accounts[0].(map[string]any)
	if first["account_number"] != redacted || first["bank"] != "ACME" {
		t.Errorf("accounts[0] = %v", first)
	}
	if accounts[1] != "plain" {
		t.Errorf("accounts[1] = %v, want plain", accounts[1])
	}
}

func TestRedactBody_doesNotMutateOriginal(t *testing.T) {
	body := map[string]any{
		"ssn":      "123-45-6789",
		"customer": map[string]any{"tax_id": "T-1"},
	}
	RedactBody(body, nil)

	if body["ssn"] != "123-45-6789" {
		t.Error("original top-level value was mutated")
	}
	if body["customer"].(map[string]any)["tax_id"] != "T-1" {
		t.Error("original nested value was mutated")
	}
}

func TestRedactBody_nil(t *testing.T) {
	if got := RedactBody(nil, nil); got != nil {
		t.Errorf("RedactBody(nil) = %v, want nil", got)
	}
}
