package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
	}{
		{"json logger", "info", "json"},
		{"text logger", "debug", "text"},
		{"invalid level", "invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("engine", tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != "engine" {
				t.Errorf("service = %v, want engine", logger.service)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("engine", "info", "json")
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithLifecycleToken(ctx, "lt-456")
	ctx = WithRunnerID(ctx, "runner-789")

	entry := logger.WithContext(ctx)
	if entry.Data["service"] != "engine" {
		t.Errorf("service field = %v, want engine", entry.Data["service"])
	}
	if entry.Data["trace_id"] != "trace-123" {
		t.Errorf("trace_id field = %v, want trace-123", entry.Data["trace_id"])
	}
	if entry.Data["lifecycle_token"] != "lt-456" {
		t.Errorf("lifecycle_token field = %v, want lt-456", entry.Data["lifecycle_token"])
	}
	if entry.Data["runner_id"] != "runner-789" {
		t.Errorf("runner_id field = %v, want runner-789", entry.Data["runner_id"])
	}
}

func TestLogger_WithRunnerID(t *testing.T) {
	logger := New("engine", "info", "json")
	entry := logger.WithRunnerID("runner-1")

	if entry.Data["runner_id"] != "runner-1" {
		t.Errorf("runner_id = %v, want runner-1", entry.Data["runner_id"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger := New("engine", "info", "json")
	entry := logger.WithFields(map[string]interface{}{"key1": "value1"})

	if entry.Data["key1"] != "value1" {
		t.Errorf("key1 = %v, want value1", entry.Data["key1"])
	}
	if entry.Data["service"] != "engine" {
		t.Errorf("service = %v, want engine", entry.Data["service"])
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := New("engine", "info", "json")
	entry := logger.WithError(errors.New("boom"))

	if entry.Data["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry.Data["error"])
	}
}

func TestLogger_SetOutput(t *testing.T) {
	logger := New("engine", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.Logger.Info("hello")

	if buf.Len() == 0 {
		t.Error("SetOutput() did not redirect output")
	}
}

func TestNewTraceID(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Error("NewTraceID() returned duplicate IDs")
	}
}

func TestInitDefaultAndDefault(t *testing.T) {
	defaultLogger = nil
	if Default().service != "engine" {
		t.Errorf("fallback service = %v, want engine", Default().service)
	}

	InitDefault("custom", "info", "json")
	if Default().service != "custom" {
		t.Errorf("service = %v, want custom", Default().service)
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		level    string
		logLevel logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := New("engine", tt.level, "json")
			if logger.Logger.Level != tt.logLevel {
				t.Errorf("Level = %v, want %v", logger.Logger.Level, tt.logLevel)
			}
		})
	}
}
