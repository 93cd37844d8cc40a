package datasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/atelier/idgen"
)

// fakeBackend is an in-memory Backend. When gate is set, mutations block
// until it is closed.
type fakeBackend struct {
	mu      sync.Mutex
	records map[string][]Record
	gate    chan struct{}
	fail    error
	creates atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: map[string][]Record{}}
}

func (f *fakeBackend) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) List(_ context.Context, col string, _ ListParams) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneRecords(append([]Record{}, f.records[col]...)), nil
}

func (f *fakeBackend) Get(_ context.Context, col, id string, _ GetParams) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records[col] {
		if r.ID() == id {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeBackend) Create(ctx context.Context, col string, data Record) (Record, error) {
	f.creates.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	rec := data.Clone()
	rec["created"] = "server"
	f.records[col] = append(f.records[col], rec)
	return rec.Clone(), nil
}

func (f *fakeBackend) Update(ctx context.Context, col, id string, data Record) (Record, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	for i, r := range f.records[col] {
		if r.ID() == id {
			for k, v := range data {
				r[k] = v
			}
			f.records[col][i] = r
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeBackend) Delete(ctx context.Context, col, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.records[col] = removeID(f.records[col], id)
	return nil
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(b Backend, clk *clock, names ...string) *Registry {
	return NewRegistry(b, names, WithClock(clk.Now), WithIDs(idgen.Sequence("rec")))
}

func TestUpdate_IgnoresStalePushDuringCooldown(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "p1", "title": "old"}}
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")
	ctx := context.Background()
	posts := reg.Get("posts")

	if _, err := posts.List(ctx, ListParams{}); err != nil {
		t.Fatal(err)
	}
	if _, err := posts.Update(ctx, "p1", Record{"title": "new"}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(100 * time.Millisecond)
	applied := reg.ApplyRealtime(map[string][]Record{"posts": {{"id": "p1", "title": "old"}}})
	if len(applied) != 0 {
		t.Errorf("applied: got %v, want none", applied)
	}
	if got := posts.Snapshot()[0]["title"]; got != "new" {
		t.Errorf("title: got %v, want %q", got, "new")
	}

	clk.Advance(time.Second)
	reg.ApplyRealtime(map[string][]Record{"posts": {{"id": "p1", "title": "external"}}})
	if got := posts.Snapshot()[0]["title"]; got != "external" {
		t.Errorf("title after cooldown: got %v, want %q", got, "external")
	}
}

func TestCreate_ThenListShowsRecordOnce(t *testing.T) {
	be := newFakeBackend()
	be.records["todos"] = []Record{{"id": "t1", "text": "existing"}}
	be.gate = make(chan struct{})
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "todos")
	ctx := context.Background()
	todos := reg.Get("todos")

	done := make(chan Record)
	go func() {
		rec, err := todos.Create(ctx, Record{"text": "new"})
		if err != nil {
			t.Error(err)
		}
		done <- rec
	}()

	// Wait until the optimistic record is in place.
	deadline := time.Now().Add(2 * time.Second)
	for be.creates.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	list, err := todos.List(ctx, ListParams{})
	if err != nil {
		t.Fatal(err)
	}
	if n := countID(list, "rec1"); n != 1 || len(list) != 2 {
		t.Fatalf("list before response: got %v", list)
	}

	close(be.gate)
	rec := <-done
	if rec.ID() != "rec1" {
		t.Errorf("id: got %q, want %q", rec.ID(), "rec1")
	}
	list, _ = todos.List(ctx, ListParams{})
	if n := countID(list, "rec1"); n != 1 || len(list) != 2 {
		t.Errorf("list after response: got %v", list)
	}
	for _, r := range list {
		if r.ID() == "rec1" && r["created"] != "server" {
			t.Errorf("server record not swapped in: %v", r)
		}
	}
}

func countID(rs []Record, id string) int {
	n := 0
	for _, r := range rs {
		if r.ID() == id {
			n++
		}
	}
	return n
}

func TestMutations_NotifyForced(t *testing.T) {
	be := newFakeBackend()
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "notes")
	ctx := context.Background()
	notes := reg.Get("notes")
	if _, err := notes.List(ctx, ListParams{}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var calls [][]Record
	notes.Subscribe(func(rs []Record) {
		mu.Lock()
		calls = append(calls, rs)
		mu.Unlock()
	}, ListParams{})

	if _, err := notes.Create(ctx, Record{"id": "n1", "body": "x"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	n := len(calls)
	mu.Unlock()
	// Immediate callback, optimistic notify, server swap.
	if n < 2 {
		t.Fatalf("notifications: got %d, want at least 2", n)
	}
	if len(calls[1]) != 1 || calls[1][0].ID() != "n1" {
		t.Errorf("optimistic notify: got %v", calls[1])
	}
}

func TestList_EqualityCheck(t *testing.T) {
	be := newFakeBackend()
	be.records["tags"] = []Record{{"id": "a"}}
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "tags")
	ctx := context.Background()
	tags := reg.Get("tags")
	tags.List(ctx, ListParams{})

	var calls atomic.Int64
	tags.Subscribe(func([]Record) { calls.Add(1) }, ListParams{})
	if calls.Load() != 1 {
		t.Fatalf("immediate callback: got %d", calls.Load())
	}
	tags.List(ctx, ListParams{})
	tags.List(ctx, ListParams{})
	reg.ApplyRealtime(map[string][]Record{"tags": {{"id": "a"}}})
	if calls.Load() != 1 {
		t.Errorf("identical sets re-broadcast: got %d calls", calls.Load())
	}
	reg.ApplyRealtime(map[string][]Record{"tags": {{"id": "a"}, {"id": "b"}}})
	if calls.Load() != 2 {
		t.Errorf("changed set: got %d calls, want 2", calls.Load())
	}
}

func TestSubscriber_PanicIsolated(t *testing.T) {
	be := newFakeBackend()
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "items")
	ctx := context.Background()
	items := reg.Get("items")
	items.List(ctx, ListParams{})

	var got atomic.Int64
	items.Subscribe(func([]Record) { panic("subscriber bug") }, ListParams{})
	items.Subscribe(func(rs []Record) { got.Store(int64(len(rs))) }, ListParams{})

	if _, err := items.Create(ctx, Record{"id": "i1"}); err != nil {
		t.Fatal(err)
	}
	if got.Load() != 1 {
		t.Errorf("second subscriber: got %d records, want 1", got.Load())
	}
}

func TestStub(t *testing.T) {
	be := newFakeBackend()
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "declared")
	ctx := context.Background()

	s := reg.Get("undeclared")
	if s.Kind() != KindStub {
		t.Fatalf("kind: got %v, want stub", s.Kind())
	}
	list, err := s.List(ctx, ListParams{})
	if err != nil || list == nil || len(list) != 0 {
		t.Errorf("list: got %v, %v", list, err)
	}
	if _, err := s.Get(ctx, "x", GetParams{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("get: got %v", err)
	}
	if _, err := s.Update(ctx, "x", Record{}); !errors.Is(err, ErrStubMutation) {
		t.Errorf("update: got %v", err)
	}
	if err := s.Delete(ctx, "x"); !errors.Is(err, ErrStubMutation) {
		t.Errorf("delete: got %v", err)
	}
	called := false
	s.Subscribe(func(rs []Record) { called = len(rs) == 0 }, ListParams{})
	if !called {
		t.Error("subscribe did not call back with an empty set")
	}
	if _, err := s.Create(ctx, Record{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if be.creates.Load() != 1 {
		t.Errorf("create did not reach the backend")
	}
	if reg.Get("declared").Kind() != KindCollection {
		t.Error("declared name resolved to a stub")
	}
}

func TestRollback_OnFailure(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "a", "v": 1}, {"id": "b", "v": 2}}
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")
	ctx := context.Background()
	posts := reg.Get("posts")
	posts.List(ctx, ListParams{})

	var last atomic.Value
	posts.Subscribe(func(rs []Record) { last.Store(rs) }, ListParams{})

	be.fail = errors.New("network down")
	if _, err := posts.Create(ctx, Record{"id": "c"}); err == nil {
		t.Fatal("create: expected error")
	}
	if _, err := posts.Update(ctx, "a", Record{"v": 9}); err == nil {
		t.Fatal("update: expected error")
	}
	if err := posts.Delete(ctx, "b"); err == nil {
		t.Fatal("delete: expected error")
	}

	snap := posts.Snapshot()
	if len(snap) != 2 || snap[0].ID() != "a" || snap[1].ID() != "b" {
		t.Fatalf("snapshot: got %v", snap)
	}
	if fmt.Sprint(snap[0]["v"]) != "1" {
		t.Errorf("update not rolled back: %v", snap[0])
	}
	notified := last.Load().([]Record)
	if len(notified) != 2 {
		t.Errorf("subscribers not told about rollback: %v", notified)
	}
}

func TestSubscribe_TriggersFetch(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "a"}}
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")

	got := make(chan []Record, 1)
	reg.Get("posts").Subscribe(func(rs []Record) { got <- rs }, ListParams{})
	select {
	case rs := <-got:
		if len(rs) != 1 {
			t.Errorf("records: got %v", rs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no callback after background fetch")
	}
}

func TestUnsubscribe(t *testing.T) {
	be := newFakeBackend()
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")
	posts := reg.Get("posts")
	posts.List(context.Background(), ListParams{})

	var calls atomic.Int64
	unsub := posts.Subscribe(func([]Record) { calls.Add(1) }, ListParams{})
	unsub()
	unsub()
	reg.ApplyRealtime(map[string][]Record{"posts": {{"id": "z"}}})
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}

func TestDecodeSnapshot(t *testing.T) {
	got, err := DecodeSnapshot([]byte(`{"posts":{"records":[{"id":"a"}]},"tags":[{"id":"t"}],"empty":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(got["posts"]) != 1 || len(got["tags"]) != 1 || got["empty"] == nil {
		t.Errorf("snapshot: got %v", got)
	}
	if _, err := DecodeSnapshot([]byte(`[]`)); err == nil {
		t.Error("array frame accepted")
	}
}

func TestMutation_BeforeFirstLoad(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "a", "title": "A"}, {"id": "b", "title": "B"}}
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")
	posts := reg.Get("posts").(*Collection)

	if _, err := posts.Update(context.Background(), "a", Record{"title": "A2"}); err != nil {
		t.Fatal(err)
	}
	if posts.Loaded() {
		t.Fatal("update marked an unloaded collection as loaded")
	}
	got := make(chan []Record, 4)
	posts.Subscribe(func(rs []Record) { got <- rs }, ListParams{})
	select {
	case rs := <-got:
		if len(rs) != 2 || rs[0]["title"] != "A2" || rs[1]["title"] != "B" {
			t.Errorf("records: got %v", rs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never fetched")
	}
}

func TestMutation_PendingBeforeFirstLoad(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "a", "title": "A", "body": "x"}, {"id": "b", "title": "B"}}
	gate := make(chan struct{})
	be.gate = gate
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")
	posts := reg.Get("posts").(*Collection)

	_, commitUpdate := posts.BeginUpdate("a", Record{"title": "A2"})
	commitDelete := posts.BeginDelete("b")
	created, commitCreate := posts.BeginCreate(Record{"title": "C"})
	if snap := posts.Snapshot(); len(snap) != 1 || snap[0].ID() != created.ID() {
		t.Errorf("unloaded snapshot: got %v, want only the created record", snap)
	}

	rs, err := posts.List(context.Background(), ListParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 2 || rs[0]["title"] != "A2" || rs[0]["body"] != "x" || rs[1].ID() != created.ID() {
		t.Fatalf("overlaid list: got %v", rs)
	}

	close(gate)
	ctx := context.Background()
	if _, err := commitUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := commitDelete(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := commitCreate(ctx); err != nil {
		t.Fatal(err)
	}
	snap := posts.Snapshot()
	if len(snap) != 2 || snap[0]["title"] != "A2" || snap[1]["created"] != "server" {
		t.Errorf("settled snapshot: got %v", snap)
	}
}

func TestRollback_BeforeLoadRefetches(t *testing.T) {
	be := newFakeBackend()
	be.records["posts"] = []Record{{"id": "a", "v": 1}}
	gate := make(chan struct{})
	be.gate = gate
	clk := &clock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(be, clk, "posts")
	posts := reg.Get("posts").(*Collection)

	_, commit := posts.BeginUpdate("a", Record{"v": 9})
	posts.List(context.Background(), ListParams{})
	if v := fmt.Sprint(posts.Snapshot()[0]["v"]); v != "9" {
		t.Fatalf("optimistic value: got %s, want 9", v)
	}

	be.mu.Lock()
	be.fail = errors.New("network down")
	be.mu.Unlock()
	close(gate)
	if _, err := commit(context.Background()); err == nil {
		t.Fatal("update: expected error")
	}
	deadline := time.Now().Add(2 * time.Second)
	for fmt.Sprint(posts.Snapshot()[0]["v"]) != "1" {
		if time.Now().After(deadline) {
			t.Fatalf("rollback did not refetch: %v", posts.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
