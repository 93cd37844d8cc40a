package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/atelier/datasync"
	"github.com/hazyhaar/atelier/watch"
)

// frameBuffer is the per-subscriber backlog before frames are dropped.
const frameBuffer = 16

type collectionFrame struct {
	Records []datasync.Record `json:"records"`
}

type subscriber struct {
	names map[string]bool // nil means every collection
	ch    chan []byte
	gone  chan struct{} // closed when the feed stops
}

func (s *subscriber) wants(name string) bool {
	return s.names == nil || s.names[name]
}

// hub fans change frames out to realtime subscribers.
type hub struct {
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(names []string) *subscriber {
	sub := &subscriber{ch: make(chan []byte, frameBuffer), gone: make(chan struct{})}
	if len(names) > 0 {
		sub.names = make(map[string]bool, len(names))
		for _, n := range names {
			sub.names[n] = true
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// drop ends every current subscription. Streams return so servers can
// shut down once the change feed is gone.
func (h *hub) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub.gone)
		delete(h.subs, sub)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish sends each subscriber the part of snap it asked for. A slow
// subscriber loses the frame; the next one carries full collection state.
func (h *hub) publish(snap map[string]collectionFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		part := map[string]collectionFrame{}
		for name, f := range snap {
			if sub.wants(name) {
				part[name] = f
			}
		}
		if len(part) == 0 {
			continue
		}
		frame, err := json.Marshal(part)
		if err != nil {
			h.logger.Error("recordstore: encode frame", "error", err)
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			h.logger.Warn("recordstore: subscriber backlog full, frame dropped")
		}
	}
}

// Snapshot returns the current state of the named collections, or of every
// collection when names is empty, in the realtime frame shape.
func (s *Store) Snapshot(ctx context.Context, names []string) ([]byte, error) {
	snap, err := s.snapshot(ctx, names)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

func (s *Store) snapshot(ctx context.Context, names []string) (map[string]collectionFrame, error) {
	if len(names) == 0 {
		all, err := s.Collections(ctx)
		if err != nil {
			return nil, err
		}
		names = all
	}
	out := make(map[string]collectionFrame, len(names))
	for _, name := range names {
		page, err := s.Query(ctx, name, datasync.ListParams{PerPage: snapshotLimit})
		if err != nil {
			return nil, err
		}
		out[name] = collectionFrame{Records: page.Items}
	}
	return out, nil
}

// Run publishes a frame for every collection changed since the last poll
// until ctx is cancelled. Changes are read from the change log, so writes
// from other processes sharing the database file are seen too. Open
// realtime streams end when Run returns.
func (s *Store) Run(ctx context.Context) error {
	defer s.hub.drop()
	w := watch.New(s.db, watch.Options{
		Interval: s.interval,
		Debounce: s.debounce,
		Detector: watch.MaxColumn("record_changes", "seq"),
		Logger:   s.logger,
	})
	return w.Run(ctx, s.publish)
}

// publish broadcasts the collections changed in the sequence range
// (from, to].
func (s *Store) publish(ctx context.Context, from, to int64) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM record_changes WHERE seq > ? AND seq <= ? ORDER BY collection`, from, to)
	if err != nil {
		return fmt.Errorf("recordstore: read changes: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil || len(names) == 0 {
		return err
	}

	snap, err := s.snapshot(ctx, names)
	if err != nil {
		return err
	}
	s.hub.publish(snap)
	s.logger.Debug("recordstore: published", "collections", names, "subscribers", s.hub.len())
	return nil
}
