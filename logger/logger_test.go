package logger

import (
	"bytes"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogMetricEmitsSingleLine(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.LogMetric("ingest", "rows_flushed", 42, "counter", Fields{"batch": "abc"})

	out := strings.TrimSpace(buf.String())
	lines := strings.Split(out, "\n")
	if len(lines) != 1 {
		t.Fatalf("expected a single metric line, got %d: %q", len(lines), out)
	}
	if !strings.Contains(out, `"metric":"rows_flushed"`) {
		t.Errorf("metric name missing from output: %s", out)
	}
	if !strings.Contains(out, `"value":42`) {
		t.Errorf("metric value missing from output: %s", out)
	}
}

func TestRecordFlow(t *testing.T) {
	RecordFlow("test_flow", 10)
	RecordFlow("test_flow", 30)

	v, ok := flows.Load("test_flow")
	if !ok {
		t.Fatalf("flow stat not recorded")
	}
	fs := v.(*flowStat)
	if got := atomic.LoadInt64(&fs.messages); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
	if got := atomic.LoadInt64(&fs.bytes); got != 40 {
		t.Errorf("bytes = %d, want 40", got)
	}
}
