package datasync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/atelier/idgen"
)

type opKind int

const (
	opCreate opKind = iota + 1
	opUpdate
	opDelete
)

// pendingOp is an in-flight mutation re-applied over fetched record sets.
// Creates overlay record; updates merge patch into the fetched record.
type pendingOp struct {
	kind   opKind
	seq    uint64
	record Record // nil for deletes
	patch  Record
}

type subscription struct {
	cb     Subscriber
	params ListParams
}

// Collection is the client view of one backend collection.
type Collection struct {
	name    string
	backend Backend
	opts    *options

	mu             sync.Mutex
	cache          []Record // nil until the first load
	version        uint64
	subs           map[uint64]*subscription
	nextSub        uint64
	cooldownUntil  time.Time
	lastListParams *ListParams
	pending        map[string]*pendingOp
	seq            uint64
	loading        bool

	deliverMu sync.Mutex
	delivered uint64
}

func newCollection(name string, backend Backend, o *options) *Collection {
	return &Collection{
		name:    name,
		backend: backend,
		opts:    o,
		subs:    make(map[uint64]*subscription),
		pending: make(map[string]*pendingOp),
	}
}

func (c *Collection) Name() string { return c.name }
func (c *Collection) Kind() Kind   { return KindCollection }

// Snapshot returns a copy of the cached records. Before the first load it
// holds only records created locally and not yet confirmed.
func (c *Collection) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		return c.overlay(nil)
	}
	return cloneRecords(c.cache)
}

// Loaded reports whether the cache holds a fetched or pushed record set.
func (c *Collection) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache != nil
}

// List fetches the record set, overlays pending mutations, stores it and
// notifies subscribers when it differs from the cache.
func (c *Collection) List(ctx context.Context, params ListParams) ([]Record, error) {
	records, err := c.backend.List(ctx, c.name, params)
	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	p := params
	c.lastListParams = &p
	merged := c.overlay(records)
	changed := c.setLocked(merged, false)
	out := cloneRecords(c.cache)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return out, nil
}

// Get fetches a record and refreshes its cached copy.
func (c *Collection) Get(ctx context.Context, id string, params GetParams) (Record, error) {
	c.mu.Lock()
	if op, ok := c.pending[id]; ok {
		c.mu.Unlock()
		if op.kind == opDelete {
			return nil, ErrNotFound
		}
		return op.record.Clone(), nil
	}
	c.mu.Unlock()

	rec, err := c.backend.Get(ctx, c.name, id, params)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	changed := false
	if c.cache != nil {
		if i := indexOf(c.cache, id); i >= 0 {
			next := cloneRecords(c.cache)
			next[i] = rec
			changed = c.setLocked(next, false)
		}
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return rec.Clone(), nil
}

// Create adds a record optimistically, then posts it. A missing id is
// minted locally. On failure the optimistic record is removed again.
func (c *Collection) Create(ctx context.Context, data Record) (Record, error) {
	_, commit := c.BeginCreate(data)
	return commit(ctx)
}

// BeginCreate applies the optimistic half of Create: readers see the
// record as soon as it returns. commit posts it and settles or rolls back.
func (c *Collection) BeginCreate(data Record) (rec Record, commit func(context.Context) (Record, error)) {
	rec = data.Clone()
	if rec.ID() == "" {
		rec["id"] = c.opts.ids()
	}
	id := rec.ID()

	c.mu.Lock()
	c.touchLocked()
	loaded := c.cache != nil
	prev := cloneRecords(c.cache)
	seq := c.beginLocked(id, &pendingOp{kind: opCreate, record: rec})
	changed := c.applyLocked(func(next []Record) []Record {
		if i := indexOf(next, id); i >= 0 {
			next[i] = rec
			return next
		}
		return append(next, rec)
	})
	c.mu.Unlock()
	if changed {
		c.notify()
	}

	return rec.Clone(), func(ctx context.Context) (Record, error) {
		saved, err := c.backend.Create(ctx, c.name, rec)
		if err != nil {
			c.rollback(id, seq, func(cur []Record) []Record {
				if !loaded {
					return removeID(cur, id)
				}
				return restore(cur, prev, id)
			})
			return nil, err
		}
		if saved == nil || saved.ID() == "" {
			saved = rec
		}
		c.settle(id, seq, saved)
		return saved.Clone(), nil
	}
}

// Update merges data into the cached record optimistically, then patches
// it. On failure the previous record is restored.
func (c *Collection) Update(ctx context.Context, id string, data Record) (Record, error) {
	_, commit := c.BeginUpdate(id, data)
	return commit(ctx)
}

// BeginUpdate applies the optimistic half of Update and returns the merged
// record with the function that sends the patch.
func (c *Collection) BeginUpdate(id string, data Record) (merged Record, commit func(context.Context) (Record, error)) {
	patch := data.Clone()
	delete(patch, "id")

	c.mu.Lock()
	c.touchLocked()
	loaded := c.cache != nil
	prev := cloneRecords(c.cache)
	op := &pendingOp{kind: opUpdate, patch: patch}
	merged = Record{}
	if earlier, ok := c.pending[id]; ok {
		switch earlier.kind {
		case opCreate:
			// Still unknown to the backend: keep overlaying the whole record.
			op.kind = opCreate
			merged = earlier.record.Clone()
		case opUpdate:
			op.patch = mergePatch(earlier.patch, patch)
		}
	}
	if i := indexOf(c.cache, id); i >= 0 {
		merged = c.cache[i].Clone()
	}
	for k, v := range op.patch {
		merged[k] = v
	}
	merged["id"] = id
	op.record = merged
	seq := c.beginLocked(id, op)
	changed := c.applyLocked(func(next []Record) []Record {
		if i := indexOf(next, id); i >= 0 {
			next[i] = merged
		}
		return next
	})
	c.mu.Unlock()
	if changed {
		c.notify()
	}

	return merged.Clone(), func(ctx context.Context) (Record, error) {
		saved, err := c.backend.Update(ctx, c.name, id, data)
		if err != nil {
			var revert func([]Record) []Record
			if loaded {
				revert = func(cur []Record) []Record { return restore(cur, prev, id) }
			}
			c.rollback(id, seq, revert)
			return nil, err
		}
		if saved == nil || saved.ID() == "" {
			saved = merged
		}
		c.settle(id, seq, saved)
		return saved.Clone(), nil
	}
}

// Delete removes the record optimistically, then deletes it on the
// backend. On failure the record is put back in place.
func (c *Collection) Delete(ctx context.Context, id string) error {
	return c.BeginDelete(id)(ctx)
}

// BeginDelete applies the optimistic half of Delete and returns the
// function that deletes the record on the backend.
func (c *Collection) BeginDelete(id string) (commit func(context.Context) error) {
	c.mu.Lock()
	c.touchLocked()
	loaded := c.cache != nil
	prev := cloneRecords(c.cache)
	seq := c.beginLocked(id, &pendingOp{kind: opDelete})
	changed := c.applyLocked(func(next []Record) []Record { return removeID(next, id) })
	c.mu.Unlock()
	if changed {
		c.notify()
	}

	return func(ctx context.Context) error {
		if err := c.backend.Delete(ctx, c.name, id); err != nil {
			var revert func([]Record) []Record
			if loaded {
				revert = func(cur []Record) []Record { return restore(cur, prev, id) }
			}
			c.rollback(id, seq, revert)
			return err
		}
		c.settle(id, seq, nil)
		return nil
	}
}

// Subscribe registers cb. When the cache is loaded cb is called at once;
// otherwise the first subscriber triggers a background fetch.
func (c *Collection) Subscribe(cb Subscriber, params ListParams) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = &subscription{cb: cb, params: params}
	loaded := c.cache != nil
	var snapshot []Record
	if loaded {
		snapshot = cloneRecords(c.cache)
	}
	fetch := !loaded && !c.loading
	if fetch {
		c.loading = true
	}
	c.mu.Unlock()

	if loaded {
		c.call(cb, snapshot)
	}
	if fetch {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.fetchTimeout)
			defer cancel()
			if _, err := c.List(ctx, params); err != nil {
				c.opts.logger.Warn("datasync: initial fetch failed", "collection", c.name, "error", err)
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// ApplyRealtime replaces the record set with a pushed snapshot unless the
// collection is inside its cooldown window. It reports whether the push
// was applied.
func (c *Collection) ApplyRealtime(records []Record) bool {
	c.mu.Lock()
	if c.opts.now().Before(c.cooldownUntil) {
		c.mu.Unlock()
		c.opts.logger.Debug("datasync: realtime push ignored during cooldown", "collection", c.name)
		return false
	}
	changed := c.setLocked(c.overlay(cloneRecords(records)), false)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return true
}

// Refresh re-runs the last list query, or an unfiltered list when the
// cache was only ever filled by pushes. An unloaded collection is left
// for its first subscriber to fetch.
func (c *Collection) Refresh(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.cache != nil
	var params ListParams
	if c.lastListParams != nil {
		params = *c.lastListParams
	}
	c.mu.Unlock()
	if !loaded {
		return nil
	}
	_, err := c.List(ctx, params)
	return err
}

func (c *Collection) close() {
	c.mu.Lock()
	c.subs = make(map[uint64]*subscription)
	c.mu.Unlock()
}

func (c *Collection) touchLocked() {
	c.cooldownUntil = c.opts.now().Add(c.opts.cooldown)
}

func (c *Collection) beginLocked(id string, op *pendingOp) uint64 {
	c.seq++
	op.seq = c.seq
	c.pending[id] = op
	return c.seq
}

// applyLocked runs an optimistic edit over a loaded cache. An unloaded
// cache stays nil so the first subscriber still fetches; the pending
// overlay carries the edit into that fetch.
func (c *Collection) applyLocked(edit func([]Record) []Record) bool {
	if c.cache == nil {
		return false
	}
	return c.setLocked(edit(cloneRecords(c.cache)), true)
}

// settle clears the pending entry of a successful mutation and swaps the
// server record in by id, unless a later mutation of the same id is still
// in flight.
func (c *Collection) settle(id string, seq uint64, saved Record) {
	c.mu.Lock()
	op, newer := c.pending[id]
	if newer && op.seq == seq {
		delete(c.pending, id)
		newer = false
	}
	changed := false
	if saved != nil && c.cache != nil && !newer {
		next := cloneRecords(c.cache)
		if i := indexOf(next, id); i >= 0 {
			next[i] = saved.Clone()
			changed = c.setLocked(next, true)
		}
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// rollback undoes a failed mutation. A nil revert means the record's
// server state was never seen; a loaded cache is then refetched instead.
func (c *Collection) rollback(id string, seq uint64, revert func([]Record) []Record) {
	c.mu.Lock()
	if op, ok := c.pending[id]; ok && op.seq == seq {
		delete(c.pending, id)
	}
	changed, refresh := false, false
	switch {
	case c.cache == nil:
	case revert == nil:
		refresh = true
	default:
		changed = c.setLocked(revert(cloneRecords(c.cache)), true)
	}
	c.mu.Unlock()
	c.opts.logger.Warn("datasync: mutation failed, rolled back", "collection", c.name, "id", id)
	if changed {
		c.notify()
	}
	if refresh {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.fetchTimeout)
			defer cancel()
			if err := c.Refresh(ctx); err != nil {
				c.opts.logger.Warn("datasync: refetch after rollback failed", "collection", c.name, "error", err)
			}
		}()
	}
}

// overlay re-applies pending mutations to a fetched set. Callers hold c.mu.
func (c *Collection) overlay(records []Record) []Record {
	if records == nil {
		records = []Record{}
	}
	for id, op := range c.pending {
		i := indexOf(records, id)
		switch op.kind {
		case opDelete:
			records = removeID(records, id)
		case opUpdate:
			if i >= 0 {
				next := records[i].Clone()
				for k, v := range op.patch {
					next[k] = v
				}
				records[i] = next
			}
		default:
			if i >= 0 {
				records[i] = op.record.Clone()
			} else {
				records = append(records, op.record.Clone())
			}
		}
	}
	return records
}

func mergePatch(a, b Record) Record {
	out := a.Clone()
	for k, v := range b {
		out[k] = v
	}
	return out
}

// setLocked stores next as the cache. A non-forced set of a structurally
// identical record set is dropped. It reports whether subscribers must be
// notified.
func (c *Collection) setLocked(next []Record, force bool) bool {
	if next == nil {
		next = []Record{}
	}
	if !force && c.cache != nil && sameRecords(c.cache, next) {
		return false
	}
	c.cache = next
	c.version++
	return true
}

// notify delivers the current record set to every subscriber. Deliveries
// are serialised and never go backwards in version.
func (c *Collection) notify() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.version <= c.delivered {
		c.mu.Unlock()
		return
	}
	version := c.version
	snapshot := c.cache
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.delivered = version
	for _, s := range subs {
		c.call(s.cb, cloneRecords(snapshot))
	}
}

// call runs one subscriber, containing its panics.
func (c *Collection) call(cb Subscriber, records []Record) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.logger.Error("datasync: subscriber panicked", "collection", c.name, "panic", r)
		}
	}()
	cb(records)
}

func indexOf(rs []Record, id string) int {
	for i, r := range rs {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

func removeID(rs []Record, id string) []Record {
	out := rs[:0:0]
	for _, r := range rs {
		if r.ID() != id {
			out = append(out, r)
		}
	}
	return out
}

// restore puts the record with id back as it was in prev, at its previous
// position, or removes it when prev did not hold it.
func restore(cur, prev []Record, id string) []Record {
	i := indexOf(prev, id)
	cur = removeID(cur, id)
	if i < 0 {
		return cur
	}
	if i > len(cur) {
		i = len(cur)
	}
	out := make([]Record, 0, len(cur)+1)
	out = append(out, cur[:i]...)
	out = append(out, prev[i].Clone())
	out = append(out, cur[i:]...)
	return out
}

type options struct {
	cooldown     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	ids          idgen.Generator
	logger       *slog.Logger
}
