package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/datasync"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) emit(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) all(ev Event) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if m.Event == ev {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, m := range r.msgs {
		if m.Event != EventHeartbeat && m.Event != EventSetConsoleLogs {
			out = append(out, m.Event)
		}
	}
	return out
}

func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func compile(t *testing.T, src string) string {
	t.Helper()
	resp, err := bundler.Bundle(bundler.Request{Components: []string{src}, DevMode: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("compile: %v", resp.Error)
	}
	return resp.ClientModule
}

func newSandbox(t *testing.T, cfg Config, opts ...Option) (*Sandbox, *recorder) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	rec := &recorder{}
	sb := New(cfg, rec.emit, opts...)
	t.Cleanup(func() { sb.Close() })
	return sb, rec
}

func send(t *testing.T, sb *Sandbox, ev Event, payload any) {
	t.Helper()
	msg, err := NewMessage(ev, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Send(msg); err != nil {
		t.Fatal(err)
	}
}

func snapshot(t *testing.T, sb *Sandbox) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := sb.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func body(t *testing.T, sb *Sandbox) string {
	t.Helper()
	return snapshot(t, sb).Body
}

func TestSetApp_Mounts(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, "<p>{greeting}</p>"), Data: map[string]any{"greeting": "hi"}})

	snap := snapshot(t, sb)
	if snap.State != StateMounted || snap.Body != "<p>hi</p>" {
		t.Errorf("snapshot: got %s %q", snap.State, snap.Body)
	}
	got := fmt.Sprint(rec.events())
	if got != "[INITIALIZED BEGIN MOUNTED]" {
		t.Errorf("events: got %s", got)
	}
}

const failing = `<script>
export let fail = false;
if (fail) throw new Error("boom");
</script>
<p>ok</p>`

func TestMountFailure_KeepsLastRender(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	app := compile(t, failing)

	send(t, sb, EventSetApp, SetApp{ComponentApp: app})
	if got := body(t, sb); got != "<p>ok</p>" {
		t.Fatalf("first mount: got %q", got)
	}

	send(t, sb, EventSetApp, SetApp{ComponentApp: app, Data: map[string]any{"fail": true}})
	snap := snapshot(t, sb)
	if snap.State != StateError {
		t.Errorf("state: got %s, want %s", snap.State, StateError)
	}
	if snap.Body != "<p>ok</p>" {
		t.Errorf("root after failure: got %q, want %q", snap.Body, "<p>ok</p>")
	}
	errs := rec.all(EventSetError)
	if len(errs) != 1 {
		t.Fatalf("SET_ERROR count: got %d, want 1", len(errs))
	}
	var e Error
	if err := errs[0].Decode(&e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != ErrorMount || !strings.Contains(e.Message, "boom") {
		t.Errorf("error: got %+v", e)
	}
	if snap.LastError == nil || snap.LastError.Message != e.Message {
		t.Errorf("last error: got %+v", snap.LastError)
	}

	send(t, sb, EventSetApp, SetApp{ComponentApp: app})
	snap = snapshot(t, sb)
	if snap.State != StateMounted || snap.LastError != nil {
		t.Errorf("recovery: got %s %+v", snap.State, snap.LastError)
	}
}

func TestMountFailure_FirstAttempt(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, failing), Data: map[string]any{"fail": true}})
	snap := snapshot(t, sb)
	if snap.Body != "" || snap.State != StateError {
		t.Errorf("snapshot: got %s %q", snap.State, snap.Body)
	}
	if n := len(rec.all(EventSetError)); n != 1 {
		t.Errorf("SET_ERROR count: got %d, want 1", n)
	}

	send(t, sb, EventSetApp, SetApp{ComponentApp: "this is not ((javascript"})
	snapshot(t, sb)
	if n := len(rec.all(EventSetError)); n != 2 {
		t.Errorf("SET_ERROR count after bad module: got %d, want 2", n)
	}
}

func TestDataUpdated(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, "<p>{n}</p>"), Data: map[string]any{"n": 1}})
	send(t, sb, EventDataUpdated, Data{Data: map[string]any{"n": 2}})
	if got := body(t, sb); got != "<p>2</p>" {
		t.Errorf("body: got %q, want %q", got, "<p>2</p>")
	}
	if n := len(rec.all(EventMounted)); n != 1 {
		t.Errorf("MOUNTED count: got %d, want 1", n)
	}
}

func TestConsoleLogs(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, `<script>console.log("hello", 1);</script><p>x</p>`)})

	eventually(t, "console logs", func() bool { return len(rec.all(EventSetConsoleLogs)) > 0 })
	var logs Logs
	if err := rec.all(EventSetConsoleLogs)[0].Decode(&logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Logs) != 1 || logs.Logs[0].Level != "log" || fmt.Sprint(logs.Logs[0].Args) != "[hello 1]" {
		t.Errorf("logs: got %+v", logs.Logs)
	}

	time.Sleep(400 * time.Millisecond)
	for _, m := range rec.all(EventSetConsoleLogs) {
		if string(m.Payload) == `{"logs":[]}` {
			t.Error("empty logs sent after a render that logged")
		}
	}
}

func TestConsoleLogs_EmptyAfterQuietRender(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, "<p>x</p>")})
	eventually(t, "empty logs", func() bool {
		for _, m := range rec.all(EventSetConsoleLogs) {
			if string(m.Payload) == `{"logs":[]}` {
				return true
			}
		}
		return false
	})
}

func TestTimersAndInvalidate(t *testing.T) {
	sb, _ := newSandbox(t, Config{})
	src := `<script>
import { onMount, invalidate } from "atelier:runtime";
let n = 0;
onMount(() => {
  setTimeout(() => { n = 1; invalidate(); }, 5);
});
</script>
<p>{n}</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	eventually(t, "timer render", func() bool { return body(t, sb) == "<p>1</p>" })
}

func TestTimerError_IsRuntimeError(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	src := `<script>
import { onMount } from "atelier:runtime";
onMount(() => { setTimeout(() => { throw new Error("late"); }, 1); });
</script>
<p>x</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	eventually(t, "runtime error", func() bool { return len(rec.all(EventSetError)) == 1 })

	var e Error
	rec.all(EventSetError)[0].Decode(&e)
	if e.Kind != ErrorRuntime || !strings.Contains(e.Message, "late") {
		t.Errorf("error: got %+v", e)
	}
	if snap := snapshot(t, sb); snap.State != StateMounted || snap.Body != "<p>x</p>" {
		t.Errorf("snapshot: got %s %q", snap.State, snap.Body)
	}
}

func TestUnhandledRejection_IsRuntimeError(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	src := `<script>
import { onMount } from "atelier:runtime";
onMount(() => {
  setTimeout(async () => { throw new Error("late async"); }, 1);
  Promise.reject(new Error("floating"));
  new Promise((_, reject) => reject(new Error("constructed")));
});
</script>
<p>x</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	eventually(t, "three runtime errors", func() bool { return len(rec.all(EventSetError)) == 3 })

	var msgs []string
	for _, m := range rec.all(EventSetError) {
		var e Error
		m.Decode(&e)
		if e.Kind != ErrorRuntime {
			t.Errorf("kind: got %q, want %q", e.Kind, ErrorRuntime)
		}
		msgs = append(msgs, e.Message)
	}
	got := strings.Join(msgs, "|")
	for _, want := range []string{"floating", "constructed", "late async"} {
		if !strings.Contains(got, want) {
			t.Errorf("errors: got %q, want one mentioning %q", got, want)
		}
	}
	if snap := snapshot(t, sb); snap.State != StateMounted || snap.LastError == nil {
		t.Errorf("snapshot: got %s %+v", snap.State, snap.LastError)
	}
}

func TestHandledRejection_NotReported(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	src := `<script>
import { onMount, invalidate } from "atelier:runtime";
let n = 0;
onMount(async () => {
  Promise.reject(new Error("chained")).catch(() => {});
  try {
    await Promise.reject(new Error("awaited"));
  } catch (e) {
    n = 1;
  }
  await null;
  n = n + 1;
  invalidate();
});
</script>
<p>{n}</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	eventually(t, "async render", func() bool { return body(t, sb) == "<p>2</p>" })

	if errs := rec.all(EventSetError); len(errs) != 0 {
		t.Errorf("SET_ERROR: got %d, want 0", len(errs))
	}
}

func TestClearApp_StopsTimers(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	src := `<script>
import { onMount } from "atelier:runtime";
onMount(() => { setInterval(() => { throw new Error("tick"); }, 30); });
</script>
<p>x</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	send(t, sb, EventClearApp, nil)
	snap := snapshot(t, sb)
	if snap.State != StateEmpty || snap.Body != "" {
		t.Errorf("snapshot: got %s %q", snap.State, snap.Body)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.all(EventSetError)); n != 0 {
		t.Errorf("interval survived CLEAR_APP: %d errors", n)
	}
}

func TestNavigation(t *testing.T) {
	sb, rec := newSandbox(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	src := `<script>
import { onMount } from "atelier:runtime";
onMount(() => {
  addEventListener("popstate", () => console.log("pop", location.pathname));
  history.pushState(null, "", "/about?x=1");
  history.pushState(null, "", "team");
  history.back();
});
</script>
<p>x</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})

	eventually(t, "popstate", func() bool {
		snap := snapshot(t, sb)
		return len(snap.Logs) == 1 && fmt.Sprint(snap.Logs[0].Args) == "[pop /about]"
	})
	if got := snapshot(t, sb).Path; got != "/about?x=1" {
		t.Errorf("path: got %q, want %q", got, "/about?x=1")
	}
	eventually(t, "heartbeat path", func() bool {
		for _, m := range rec.all(EventHeartbeat) {
			var hb Heartbeat
			if m.Decode(&hb) == nil && hb.Path == "/about?x=1" && hb.State == StateMounted {
				return hb.Runtime.GoroutinesCount > 0
			}
		}
		return false
	})
}

func TestHeadParts(t *testing.T) {
	sb, _ := newSandbox(t, Config{})
	send(t, sb, EventUpdateCSSVars, CSSVars{CSS: ":root{--c:red}"})
	send(t, sb, EventUpdateCSSVars, CSSVars{CSS: ":root{--c:blue}"})
	send(t, sb, EventUpdateFonts, Fonts{Fonts: []string{"https://fonts.example/inter.css"}})
	src := `<atelier:head><title>Demo</title></atelier:head><p>x</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})

	head := snapshot(t, sb).Head
	for _, want := range []string{`<style id="atelier-vars">:root{--c:blue}</style>`, `href="https://fonts.example/inter.css"`, "<title>Demo</title>"} {
		if !strings.Contains(head, want) {
			t.Errorf("head lacks %q: %s", want, head)
		}
	}
	if strings.Contains(head, "red") {
		t.Errorf("old css vars kept: %s", head)
	}
}

func TestUpdateContent_Remounts(t *testing.T) {
	sb, rec := newSandbox(t, Config{})
	src := `<script>import { field } from "atelier:content";</script><h1>{field("title", "none")}</h1>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	if got := body(t, sb); got != "<h1>none</h1>" {
		t.Fatalf("initial: got %q", got)
	}
	send(t, sb, EventUpdateContent, Content{Content: map[string]any{"title": "Hello"}})
	if got := body(t, sb); got != "<h1>Hello</h1>" {
		t.Errorf("after content: got %q", got)
	}
	if n := len(rec.all(EventBegin)); n != 1 {
		t.Errorf("BEGIN count: got %d, want 1", n)
	}
}

type memBackend struct {
	mu      sync.Mutex
	records map[string][]datasync.Record
}

func (b *memBackend) List(_ context.Context, col string, _ datasync.ListParams) ([]datasync.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []datasync.Record{}
	for _, r := range b.records[col] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (b *memBackend) Get(_ context.Context, col, id string, _ datasync.GetParams) (datasync.Record, error) {
	return nil, datasync.ErrNotFound
}

func (b *memBackend) Create(_ context.Context, col string, data datasync.Record) (datasync.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[col] = append(b.records[col], data.Clone())
	return data.Clone(), nil
}

func (b *memBackend) Update(_ context.Context, col, id string, data datasync.Record) (datasync.Record, error) {
	return data, nil
}

func (b *memBackend) Delete(context.Context, string, string) error { return nil }

func TestCollections(t *testing.T) {
	be := &memBackend{records: map[string][]datasync.Record{
		"posts": {{"id": "a", "title": "A"}},
	}}
	sb, _ := newSandbox(t, Config{}, WithCollections(be, []string{"posts"}))
	src := `<script>
import { collection } from "atelier:data";
const posts = collection("posts");
</script>
<ul>{#each posts.list() as p}<li>{p.title}</li>{/each}</ul>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	eventually(t, "fetched list", func() bool { return body(t, sb) == "<ul><li>A</li></ul>" })

	sb.Registry().ApplyRealtime(map[string][]datasync.Record{
		"posts": {{"id": "a", "title": "A"}, {"id": "b", "title": "B"}},
	})
	eventually(t, "realtime list", func() bool { return body(t, sb) == "<ul><li>A</li><li>B</li></ul>" })
}

func TestCollections_Subscribe(t *testing.T) {
	be := &memBackend{records: map[string][]datasync.Record{"tags": {{"id": "t1"}}}}
	sb, _ := newSandbox(t, Config{}, WithCollections(be, []string{"tags"}))
	src := `<script>
import { onMount, invalidate } from "atelier:runtime";
import { collection } from "atelier:data";
let count = -1;
onMount(() => collection("tags").subscribe((rs) => { count = rs.length; invalidate(); }));
</script>
<p>{count}</p>`
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, src)})
	eventually(t, "subscription", func() bool { return body(t, sb) == "<p>1</p>" })
}

func TestThrottle(t *testing.T) {
	var scheduled []func()
	var sent []string
	th := &throttle{
		interval: time.Hour,
		after:    func(_ time.Duration, fn func()) { scheduled = append(scheduled, fn) },
		send:     func(b []byte) { sent = append(sent, string(b)) },
	}
	th.offer([]byte("a"))
	th.offer([]byte("b"))
	th.offer([]byte("c"))
	if fmt.Sprint(sent) != "[a]" {
		t.Fatalf("leading edge: got %v", sent)
	}
	scheduled[0]()
	if fmt.Sprint(sent) != "[a c]" {
		t.Fatalf("trailing edge: got %v", sent)
	}
	scheduled[1]()
	th.offer([]byte("c"))
	if fmt.Sprint(sent) != "[a c]" {
		t.Errorf("duplicate sent: got %v", sent)
	}
	th.offer([]byte("d"))
	scheduled[len(scheduled)-1]()
	if fmt.Sprint(sent) != "[a c d]" {
		t.Errorf("final: got %v", sent)
	}
}

func TestRenderDocument(t *testing.T) {
	doc, err := RenderDocument(Snapshot{Head: "<title>T</title>", Body: "<p>hi<p>there"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<!DOCTYPE html>", "<title>T</title>", `<div id="app"><p>hi</p><p>there</p></div>`} {
		if !strings.Contains(doc, want) {
			t.Errorf("document lacks %q: %s", want, doc)
		}
	}
	if got := Text(`<h1>Hi</h1><style>p{}</style><p>a  b</p>`); got != "Hi a b" {
		t.Errorf("text: got %q", got)
	}
}

func TestClose(t *testing.T) {
	sb, _ := newSandbox(t, Config{})
	send(t, sb, EventSetApp, SetApp{ComponentApp: compile(t, "<p>x</p>")})
	if err := sb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sb.Send(Message{Event: EventClearApp}); err != ErrClosed {
		t.Errorf("send after close: got %v", err)
	}
	if _, err := sb.Snapshot(context.Background()); err != ErrClosed {
		t.Errorf("snapshot after close: got %v", err)
	}
}

func TestMessage_JSON(t *testing.T) {
	msg, err := NewMessage(EventSetApp, SetApp{ComponentApp: "x"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(msg)
	if string(b) != `{"event":"SET_APP","payload":{"componentApp":"x"}}` {
		t.Errorf("encoding: got %s", b)
	}
}
