package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/fleetcore/internal/infrastructure/config"
)

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"json stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{"text stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{"empty config", config.LoggingConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if logger := New(tt.cfg, "1.0.0"); logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogger_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "info"}, "test-version")

	logger.Component("sweeper").Info("sweep complete", "dispatched", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}

	want := map[string]any{
		"msg":        "sweep complete",
		"service":    ServiceName,
		"version":    "test-version",
		"component":  "sweeper",
		"dispatched": float64(3),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "warn", Format: "text"}, "v")

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry written at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn entry missing")
	}
}

func TestLogger_With(t *testing.T) {
	logger := Default()
	child := logger.With("component", "mqtt")

	if child == nil {
		t.Fatal("expected non-nil child logger")
	}
	if child == logger {
		t.Error("expected child logger to be different from parent")
	}
}
