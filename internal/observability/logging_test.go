package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info record emitted below warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		args   []any
		leaked string
	}{
		{
			name:   "anthropic key in message",
			msg:    "auth failed for sk-ant-" + strings.Repeat("a", 95),
			leaked: "sk-ant-",
		},
		{
			name:   "openai key in attribute",
			msg:    "provider error",
			args:   []any{"error", "bad key sk-" + strings.Repeat("b", 48)},
			leaked: strings.Repeat("b", 48),
		},
		{
			name:   "password assignment",
			msg:    "config loaded",
			args:   []any{"detail", "password=hunter2secret"},
			leaked: "hunter2secret",
		},
		{
			name:   "jwt token",
			msg:    "request rejected",
			args:   []any{"header", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln"},
			leaked: "eyJhbGciOiJIUzI1NiJ9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
			logger.Info(tt.msg, tt.args...)

			out := buf.String()
			if strings.Contains(out, tt.leaked) {
				t.Errorf("secret leaked into log output: %s", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("no redaction marker in output: %s", out)
			}
		})
	}
}

func TestLoggerRedactsErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	err := errors.New("request failed: api_key=0123456789abcdef0123")
	logger.Error("llm call failed", "error", err)

	if strings.Contains(buf.String(), "0123456789abcdef0123") {
		t.Errorf("error value leaked secret: %s", buf.String())
	}
}

func TestLoggerRedactsWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	child := logger.With("token", "bearer "+strings.Repeat("c", 32))
	child.Info("child logger record")

	if strings.Contains(buf.String(), strings.Repeat("c", 32)) {
		t.Errorf("pre-bound attribute leaked secret: %s", buf.String())
	}
}

func TestLoggerJSONOutputParses(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Info("structured record", "tool", "read_file", "bytes", 42)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["tool"] != "read_file" {
		t.Errorf("tool attr = %v", record["tool"])
	}
}
