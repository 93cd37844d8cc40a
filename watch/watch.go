// Package watch polls a SQLite database for a version token and calls a
// handler with the range of versions that changed. It backs change feeds
// that must see writes from any connection or process sharing the file.
//
//	w := watch.New(db, watch.Options{Detector: watch.MaxColumn("record_changes", "seq")})
//	go w.Run(ctx, func(ctx context.Context, from, to int64) error {
//		return publish(ctx, from, to)
//	})
package watch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Detector reads a monotonic version token. A different value between two
// polls means something changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Handler processes the versions after from up to and including to. A
// handler error leaves the watcher at from, so the same range (or a wider
// one) is offered again on the next poll.
type Handler func(ctx context.Context, from, to int64) error

// Options tunes a Watcher.
type Options struct {
	// Interval between polls. Default: 200ms.
	Interval time.Duration
	// Debounce is the quiet window after a change before the handler runs.
	// Further changes inside the window extend it. Zero runs immediately.
	Debounce time.Duration
	// Detector defaults to DataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are cumulative counters.
type Stats struct {
	Polls    int64         `json:"polls"`
	Changes  int64         `json:"changes"`
	Failures int64         `json:"failures"`
	Handled  int64         `json:"handled"`
	AvgTime  time.Duration `json:"avg_time"`
}

// Watcher runs the poll loop. Version, Wait and Stats are safe to call from
// other goroutines while Run is active.
type Watcher struct {
	db   *sql.DB
	opts Options

	mu      sync.Mutex
	version int64
	// advanced is closed and replaced each time version moves.
	advanced chan struct{}

	polls, changes, failures, handled, handleNs atomic.Int64
}

// New returns a Watcher over db. Nothing runs until Run.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts, advanced: make(chan struct{})}
}

// Run seeds the current version, then polls until ctx is cancelled. It
// returns the seeding error, or ctx.Err() once stopped.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	log := w.opts.Logger
	start, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		return fmt.Errorf("watch: seed version: %w", err)
	}
	w.advance(start)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()
	pending := start

	log.Debug("watch: polling", "interval", w.opts.Interval, "debounce", w.opts.Debounce, "version", start)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			w.polls.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.failures.Add(1)
				log.Warn("watch: poll failed", "error", err)
				continue
			}
			if cur == pending {
				if settleC == nil && cur != w.Version() {
					// A failed handler is retried on the next poll.
					w.handle(ctx, h, cur)
				}
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.handle(ctx, h, cur)
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.NewTimer(w.opts.Debounce)
			settleC = settle.C

		case <-settleC:
			settleC = nil
			w.handle(ctx, h, pending)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, h Handler, to int64) {
	from := w.Version()
	t0 := time.Now()
	if err := h(ctx, from, to); err != nil {
		w.failures.Add(1)
		w.opts.Logger.Error("watch: handler failed", "from", from, "to", to, "error", err)
		return
	}
	w.handled.Add(1)
	w.handleNs.Add(int64(time.Since(t0)))
	w.advance(to)
}

func (w *Watcher) advance(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v == w.version {
		return
	}
	w.version = v
	close(w.advanced)
	w.advanced = make(chan struct{})
}

// Version is the last version handled successfully.
func (w *Watcher) Version() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Wait blocks until a version >= target has been handled or ctx ends.
func (w *Watcher) Wait(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		v, ch := w.version, w.advanced
		w.mu.Unlock()
		if v >= target {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the counters so far.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Polls:    w.polls.Load(),
		Changes:  w.changes.Load(),
		Failures: w.failures.Load(),
		Handled:  w.handled.Load(),
	}
	if s.Handled > 0 {
		s.AvgTime = time.Duration(w.handleNs.Load() / s.Handled)
	}
	return s
}

// DataVersion reads PRAGMA data_version, which moves when another
// connection commits to the same file. Commits on the polling connection
// itself are invisible to it.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumn polls MAX(column) of table, zero when the table is empty. It
// suits append-only logs keyed by an increasing integer.
func MaxColumn(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + ident(column) + "), 0) FROM " + ident(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
