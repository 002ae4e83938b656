package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"strategy-arena/internal/config"
)

func TestNewLogger_WritesJSONWithFieldsAndCaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "arena.log")

	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{path},
	}, "test")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	logger.Debug("锦标赛开始")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(raw)
	for _, want := range []string{`"service":"strategy-arena"`, `"env":"test"`, `"msg":"锦标赛开始"`, "logger_test.go"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected log line to contain %s, got %s", want, line)
		}
	}
}

func TestNewLogger_RejectsBadConfig(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud"}, "test"); err == nil {
		t.Errorf("expected error for unknown level")
	}
	if _, err := NewLogger(config.LoggingConfig{Level: "info", Encoding: "xml"}, "test"); err == nil {
		t.Errorf("expected error for unknown encoding")
	}
}

func TestNewLogger_LevelFiltersOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.log")

	logger, err := NewLogger(config.LoggingConfig{
		Level:       "warn",
		Encoding:    "json",
		OutputPaths: []string{path},
	}, "production")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "dropped") || !strings.Contains(string(raw), "kept") {
		t.Errorf("expected only warn output, got %s", raw)
	}
}
