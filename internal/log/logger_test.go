package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	Setup(Options{Level: "DEBUG", Output: &buf})
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
	Debug("visible at debug")
	if !strings.Contains(buf.String(), "visible at debug") {
		t.Fatalf("debug line missing: %q", buf.String())
	}

	// Setup only takes effect once.
	Setup(Options{Level: "ERROR", Output: &buf})
	Info("still visible")
	if !strings.Contains(buf.String(), "still visible") {
		t.Fatal("second Setup should be ignored")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithTask(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithTask("task-123").Info("task msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["task_id"] != "task-123" {
		t.Errorf("Expected task_id 'task-123', got %v", out["task_id"])
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(Options{Format: "console", Output: &buf}))
	l.Info("bridge ready", "listen", "127.0.0.1:3015")

	line := buf.String()
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		t.Fatalf("console output should not be JSON: %q", line)
	}
	for _, want := range []string{"INF", "bridge ready", "listen=127.0.0.1:3015"} {
		if !strings.Contains(line, want) {
			t.Errorf("console output missing %q: %q", want, line)
		}
	}
}

func TestFileOutputGetsJSON(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "bridge.log")
	l := slog.New(NewHandler(Options{Level: "warn", Output: &buf, File: path}))

	l.Info("filtered")
	l.Warn("kept", "task_id", "t1")

	if strings.Contains(buf.String(), "filtered") {
		t.Fatal("info should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Fatal("stdout handler missed the warning")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &out); err != nil {
		t.Fatalf("log file is not JSON: %v (%q)", err, data)
	}
	if out["task_id"] != "t1" {
		t.Errorf("file record missing task_id: %v", out)
	}
}
