package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestLoggerFieldHandling(t *testing.T) {
	Setup("debug", "console")

	// None of these shapes should panic.
	Log.Info("no fields")
	Log.Debug("debug no fields")
	Log.Warn("warn no fields")
	Log.Error("error no fields")
	Log.Info("multi-field", "string_field", "value", "int_field", 42,
		"float_field", 3.14, "bool_field", true)
	Log.Info("odd args", "key1", "value1", "orphan_key")
	Log.Info("non-string key", 123, "value")
	Log.Info("nil value", "key", nil)
}

func TestComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{z: zerolog.New(&buf)}

	l.Component("search").Info("query complete", "scanned", 7)

	out := buf.String()
	if !strings.Contains(out, `"component":"search"`) {
		t.Errorf("expected component field, got %s", out)
	}
	if !strings.Contains(out, `"scanned":7`) {
		t.Errorf("expected scanned field, got %s", out)
	}
}

func TestComponentDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{z: zerolog.New(&buf)}
	l.Component("store")

	l.Info("plain line")
	if strings.Contains(buf.String(), "component") {
		t.Errorf("parent logger gained a component field: %s", buf.String())
	}
}
