// Package observability carries atelier's ambient monitoring: the process
// logger, Go runtime metrics for sandbox heartbeats, and an SQLite-backed
// timeseries of compile and mount outcomes.
//
// Persistence is async: Record never blocks on the database, and a failing
// flush is logged and dropped rather than pushed back on the caller.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by atelier components.
const (
	MetricCompileDurationMs = "compile_duration_ms"
	MetricCompileCacheHit   = "compile_cache_hit"
	MetricCompileFailure    = "compile_failure"
	MetricStyleDurationMs   = "style_duration_ms"
	MetricSandboxMount      = "sandbox_mount"
	MetricSandboxError      = "sandbox_error"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count"
}

// Recorder accepts datapoints. Components take a Recorder so tests and
// deployments without an observability database can pass Discard.
type Recorder interface {
	Record(m *Metric)
}

type discard struct{}

func (discard) Record(*Metric) {}

// Discard drops every metric.
var Discard Recorder = discard{}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric
	stop   chan struct{}
	done   chan struct{}
}

// NewMetricsManager creates a manager that flushes when bufferSize metrics
// are queued or every flushInterval, whichever comes first.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric for async persistence.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Query returns the most recent datapoints for name (all names when empty),
// newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	var args []any
	if name != "" {
		q += " WHERE metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m          Metric
			ts         int64
			labelsJSON sql.NullString
			unit       sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labelsJSON.Valid {
			_ = json.Unmarshal([]byte(labelsJSON.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	defer func() { mm.buffer = mm.buffer[:0] }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
			mm.logger.Error("observability: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability: commit", "error", err)
	}
}

// Duration records d in milliseconds under name.
func Duration(r Recorder, name string, d time.Duration, labels map[string]string) {
	r.Record(&Metric{Name: name, Value: float64(d.Microseconds()) / 1000, Unit: "milliseconds", Labels: labels})
}

// Count records a single occurrence under name.
func Count(r Recorder, name string, labels map[string]string) {
	r.Record(&Metric{Name: name, Value: 1, Unit: "count", Labels: labels})
}
