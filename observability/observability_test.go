package observability

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/atelier/dbopen"
)

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	Duration(mm, MetricCompileDurationMs, 1500*time.Microsecond, map[string]string{"mode": "dynamic"})
	Count(mm, MetricCompileCacheHit, nil)
	mm.Close()

	mm2 := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm2.Close()

	got, err := mm2.Query(context.Background(), MetricCompileDurationMs, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("compile metrics: got %d, want 1", len(got))
	}
	if got[0].Value != 1.5 {
		t.Errorf("value: got %v, want 1.5", got[0].Value)
	}
	if got[0].Labels["mode"] != "dynamic" {
		t.Errorf("labels: got %v", got[0].Labels)
	}

	all, err := mm2.Query(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all metrics: got %d, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	Count(mm, MetricSandboxMount, nil)
	Count(mm, MetricSandboxMount, nil)

	got, err := mm.Query(context.Background(), MetricSandboxMount, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("flushed metrics: got %d, want 2", len(got))
	}
}

func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount < 1 {
		t.Errorf("goroutines: got %d", m.GoroutinesCount)
	}
	if m.MemorySysMB <= 0 {
		t.Errorf("memory_sys_mb: got %v", m.MemorySysMB)
	}
}

func TestNewLogger_FanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "atelier.log")
	logger, closeLog, err := NewLogger(&buf, LogConfig{Level: "debug", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("compiler: cache miss", "key", "abc")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "compiler: cache miss") {
		t.Errorf("terminal output missing message: %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"key":"abc"`) {
		t.Errorf("file output: got %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("WARN"); got != slog.LevelWarn {
		t.Errorf("WARN: got %v", got)
	}
	if got := ParseLevel("bogus"); got != slog.LevelInfo {
		t.Errorf("bogus: got %v", got)
	}
}
