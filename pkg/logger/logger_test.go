package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSilentBeforeInit(t *testing.T) {
	Close()
	// Must not panic
	Info("nothing %d", 1)
	Warn("nothing")
}

func TestInitWriterFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWriter(&buf, "warn"); err != nil {
		t.Fatalf("InitWriter() error = %v", err)
	}
	defer Close()

	Info("hidden %s", "info")
	Warn("cache file corrupt: %s", "once.json")
	Error("boom")

	out := buf.String()
	if strings.Contains(out, "hidden info") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "cache file corrupt: once.json") {
		t.Errorf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "ERROR") {
		t.Errorf("missing error line: %q", out)
	}
}

func TestInitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.log")
	if err := Init(path, ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Info("run %s started", "abc")
	Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "run abc started") {
		t.Errorf("log file = %q", data)
	}
}

func TestInvalidLevel(t *testing.T) {
	if err := InitWriter(&bytes.Buffer{}, "loud"); err == nil {
		t.Error("expected error for invalid level")
	}
}
