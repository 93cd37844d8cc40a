// Package sandbox runs compiled component modules in an isolated preview
// document and reports their lifecycle to the host.
//
// A Sandbox is an actor: one goroutine owns the QuickJS VM, the document
// and every timer, and handles host messages and internal events in arrival
// order. The host only exchanges Message values with it.
//
//	sb := sandbox.New(sandbox.Config{}, func(m sandbox.Message) { ... })
//	defer sb.Close()
//	msg, _ := sandbox.NewMessage(sandbox.EventSetApp, sandbox.SetApp{ComponentApp: js})
//	sb.Send(msg)
package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/datasync"
	"github.com/hazyhaar/atelier/ephemeral"
	"github.com/hazyhaar/atelier/observability"
)

//go:embed prelude.js
var preludeJS string

// ErrClosed is returned by calls on a closed sandbox.
var ErrClosed = errors.New("sandbox: closed")

// State is the sandbox lifecycle state.
type State string

const (
	StateEmpty   State = "EMPTY"
	StateLoading State = "LOADING"
	StateMounted State = "MOUNTED"
	StateError   State = "ERROR"
)

// maxLogs bounds the console entries kept per loaded module.
const maxLogs = 200

// Config controls a sandbox. Zero values take defaults.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default 1s
	LogThrottle       time.Duration `yaml:"log_throttle"`       // default 120ms
	LogCheckDelay     time.Duration `yaml:"log_check_delay"`    // default 300ms, always above LogThrottle
	ScriptTimeout     time.Duration `yaml:"script_timeout"`     // per VM call, default 2s
	InitialPath       string        `yaml:"initial_path"`       // default "/"
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.LogThrottle <= 0 {
		c.LogThrottle = 120 * time.Millisecond
	}
	if c.LogCheckDelay <= c.LogThrottle {
		c.LogCheckDelay = c.LogThrottle * 5 / 2
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 2 * time.Second
	}
	if c.InitialPath == "" {
		c.InitialPath = "/"
	}
}

// Emitter receives sandbox-to-host messages. It is called from the actor
// goroutine and must not block for long.
type Emitter func(Message)

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithMetrics records mount outcomes and errors.
func WithMetrics(r observability.Recorder) Option {
	return func(s *Sandbox) { s.metrics = r }
}

// WithCollections gives the sandbox a data registry over backend. The
// registry lives as long as the sandbox.
func WithCollections(backend datasync.Backend, names []string, opts ...datasync.Option) Option {
	return func(s *Sandbox) {
		s.data = func() *datasync.Registry {
			return datasync.NewRegistry(backend, names, append([]datasync.Option{datasync.WithLogger(s.logger)}, opts...)...)
		}
	}
}

// Snapshot is a copy of the sandbox document and status.
type Snapshot struct {
	State     State                `json:"state"`
	Path      string               `json:"path"`
	Head      string               `json:"head"`
	Body      string               `json:"body"`
	LastError *Error               `json:"lastError,omitempty"`
	Logs      []ephemeral.LogEntry `json:"logs"`
}

// Sandbox is a live preview actor.
type Sandbox struct {
	cfg     Config
	emit    Emitter
	logger  *slog.Logger
	metrics observability.Recorder
	loader  *ephemeral.Loader
	data    func() *datasync.Registry
	reg     *datasync.Registry

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Owned by the actor goroutine.
	state       State
	doc         document
	path        string
	content     map[string]any
	props       map[string]any
	module      *ephemeral.Module
	bridge      *datasync.Bridge
	timers      map[string]*time.Timer
	gen         int
	rendered    string
	hasRendered bool
	logs        []ephemeral.LogEntry
	renderLogs  int
	lastErr     *Error
	logThrottle *throttle
	quit        bool
}

// New starts a sandbox. emit may be nil.
func New(cfg Config, emit Emitter, opts ...Option) *Sandbox {
	cfg.defaults()
	if emit == nil {
		emit = func(Message) {}
	}
	s := &Sandbox{
		cfg:     cfg,
		emit:    emit,
		logger:  slog.Default(),
		metrics: observability.Discard,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   StateEmpty,
		path:    cfg.InitialPath,
		content: map[string]any{},
		timers:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.data != nil {
		s.reg = s.data()
	}
	s.loader = ephemeral.NewLoader(ephemeral.WithTimeout(cfg.ScriptTimeout), ephemeral.WithLogger(s.logger))
	s.logThrottle = &throttle{
		interval: cfg.LogThrottle,
		after:    s.after,
		send:     func(b []byte) { s.emit(Message{Event: EventSetConsoleLogs, Payload: b}) },
	}
	go s.run()
	return s
}

// Registry returns the sandbox's data registry, nil without WithCollections.
// Realtime sources apply pushes to it.
func (s *Sandbox) Registry() *datasync.Registry { return s.reg }

// Send queues a host message. Messages are handled in arrival order.
func (s *Sandbox) Send(msg Message) error {
	if !s.post(func() { s.handle(msg) }) {
		return ErrClosed
	}
	return nil
}

// Snapshot returns a copy of the document and status.
func (s *Sandbox) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	if !s.post(func() { ch <- s.snapshot() }) {
		return Snapshot{}, ErrClosed
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.done:
		return Snapshot{}, ErrClosed
	}
}

// Close unmounts the module, releases the VM and timers and stops the
// actor. It returns once everything is released.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.queue = append(s.queue, func() {
		s.teardown()
		s.quit = true
	})
	s.mu.Unlock()
	s.signal()
	<-s.done
	if s.reg != nil {
		s.reg.Close()
	}
	return nil
}

func (s *Sandbox) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Sandbox) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sandbox) next() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return fn, true
}

// after runs fn on the actor goroutine once d has elapsed.
func (s *Sandbox) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { s.post(fn) })
}

func (s *Sandbox) run() {
	defer close(s.done)
	hb := time.NewTicker(s.cfg.HeartbeatInterval)
	defer hb.Stop()

	s.send(EventInitialized, nil)
	for {
		select {
		case <-s.wake:
			for {
				fn, ok := s.next()
				if !ok {
					break
				}
				fn()
				if s.quit {
					return
				}
			}
		case <-hb.C:
			s.send(EventHeartbeat, Heartbeat{
				State:   s.state,
				Path:    s.path,
				Runtime: observability.CollectRuntimeMetrics(),
			})
		}
	}
}

func (s *Sandbox) send(ev Event, payload any) {
	msg, err := NewMessage(ev, payload)
	if err != nil {
		s.logger.Error("sandbox: encode message", "event", ev, "error", err)
		return
	}
	s.emit(msg)
}

func (s *Sandbox) handle(msg Message) {
	var err error
	switch msg.Event {
	case EventSetApp:
		var p SetApp
		if err = msg.Decode(&p); err == nil {
			s.setApp(p)
		}
	case EventUpdateCSSVars:
		var p CSSVars
		if err = msg.Decode(&p); err == nil {
			s.doc.vars = p.CSS
		}
	case EventUpdateFonts:
		var p Fonts
		if err = msg.Decode(&p); err == nil {
			s.doc.fonts = append([]string(nil), p.Fonts...)
		}
	case EventUpdateContent:
		var p Content
		if err = msg.Decode(&p); err == nil {
			s.updateContent(p.Content)
		}
	case EventDataUpdated:
		var p Data
		if err = msg.Decode(&p); err == nil {
			s.dataUpdated(p.Data)
		}
	case EventClearApp:
		s.clearApp()
	default:
		err = fmt.Errorf("sandbox: unknown event %q", msg.Event)
	}
	if err != nil {
		s.logger.Warn("sandbox: message rejected", "event", msg.Event, "error", err)
	}
}

func (s *Sandbox) setApp(p SetApp) {
	s.send(EventBegin, nil)
	pre := s.doc
	s.teardown()
	s.state = StateLoading
	s.props = p.Data
	s.logs = nil
	if err := s.load(p.ComponentApp); err != nil {
		s.mountFailed(pre, err)
		return
	}
	s.mount(pre)
}

// load evaluates code in a fresh VM wired to this sandbox generation.
func (s *Sandbox) load(code string) error {
	gen := s.gen
	content, err := json.Marshal(s.content)
	if err != nil {
		return fmt.Errorf("sandbox: encode content: %w", err)
	}
	globals := "globalThis.__atelier_initial_path = " + ephemeral.Quote(s.path) + ";\n" +
		"globalThis.__atelier_content = " + string(content) + ";\n"

	opts := []ephemeral.LoadOption{
		ephemeral.WithGlobal(bundler.ClientGlobal),
		ephemeral.WithConsole(s.console),
		ephemeral.WithPrelude(globals),
		ephemeral.WithPrelude(preludeJS),
		ephemeral.WithFunc("__atelier_host_timer_set", func(id, ms string) string {
			s.setTimer(gen, id, ms)
			return ""
		}),
		ephemeral.WithFunc("__atelier_host_timer_clear", func(id string) string {
			if t, ok := s.timers[id]; ok {
				t.Stop()
				delete(s.timers, id)
			}
			return ""
		}),
		ephemeral.WithFunc("__atelier_host_nav", func(path string) string {
			s.path = path
			return ""
		}),
		ephemeral.WithFunc("__atelier_host_root_get", func() string { return s.doc.root }),
		ephemeral.WithFunc("__atelier_host_root_set", func(markup string) string {
			s.doc.root = markup
			return ""
		}),
		ephemeral.WithFunc("__atelier_host_style", func(css string) string {
			s.doc.css = css
			return ""
		}),
		ephemeral.WithFunc("__atelier_host_head", func(markup string) string {
			s.doc.head = markup
			return ""
		}),
		ephemeral.WithFunc("__atelier_host_report", func(kind, message string) string {
			s.fail(kind, message)
			return ""
		}),
	}

	var bridge *datasync.Bridge
	if s.reg != nil {
		bridge = datasync.NewBridge(s.reg,
			func(sub int, records []datasync.Record) {
				s.post(func() { s.deliver(gen, sub, records) })
			},
			datasync.OnChange(func(string) {
				s.post(func() { s.invalidate(gen) })
			}),
			datasync.OnFailure(func(op, collection string, err error) {
				s.post(func() {
					if gen == s.gen {
						s.fail(ErrorRuntime, fmt.Sprintf("%s %s: %v", op, collection, err))
					}
				})
			}),
		)
		opts = append(opts,
			ephemeral.WithPrelude(datasync.GenerateModule(s.reg.Names())),
			ephemeral.WithFunc(datasync.BridgeFunc, bridge.Call),
		)
	}

	m, err := s.loader.Load(context.Background(), code, opts...)
	if err != nil {
		if bridge != nil {
			bridge.Close()
		}
		return err
	}
	s.module, s.bridge = m, bridge
	return nil
}

// mount attaches the loaded module to the root. pre is the document before
// the attempt, restored on failure.
func (s *Sandbox) mount(pre document) {
	props, err := json.Marshal(nonNil(s.props))
	if err != nil {
		s.mountFailed(pre, fmt.Errorf("encode props: %w", err))
		return
	}
	js := fmt.Sprintf(`(function (props) {
  var app = globalThis[%s];
  if (!app) throw new Error("component module has no exports");
  var fn = typeof app.hydrate === "function" ? app.hydrate : app.mount;
  if (typeof fn !== "function") throw new Error("component module exports neither mount nor hydrate");
  globalThis.__atelier_instance = fn(globalThis.__atelier_target, props);
  return true;
})(JSON.parse(%s))`, ephemeral.Quote(bundler.ClientGlobal), ephemeral.Quote(string(props)))

	s.renderLogs = 0
	// Rejections reported while the mount drains survive into the snapshot.
	s.lastErr = nil
	if _, err := s.module.Eval(context.Background(), js); err != nil {
		s.mountFailed(pre, err)
		return
	}
	s.state = StateMounted
	s.rendered, s.hasRendered = s.doc.root, true
	observability.Count(s.metrics, observability.MetricSandboxMount, map[string]string{"outcome": "ok"})
	s.send(EventMounted, nil)

	gen := s.gen
	s.after(s.cfg.LogCheckDelay, func() {
		if gen != s.gen || s.renderLogs > 0 {
			return
		}
		empty, _ := json.Marshal(Logs{Logs: []ephemeral.LogEntry{}})
		s.logThrottle.sent(empty)
		s.emit(Message{Event: EventSetConsoleLogs, Payload: empty})
	})
}

func (s *Sandbox) mountFailed(pre document, err error) {
	s.teardown()
	if s.hasRendered {
		pre.root = s.rendered
	}
	s.doc = pre
	s.state = StateError
	observability.Count(s.metrics, observability.MetricSandboxMount, map[string]string{"outcome": "error"})
	s.logger.Info("sandbox: mount failed", "error", err)
	s.fail(ErrorMount, message(err))
}

// teardown unmounts the instance and releases the VM, its timers and its
// data subscriptions. Events queued for the old generation are ignored.
func (s *Sandbox) teardown() {
	if s.module != nil {
		s.unmount()
		s.module.Dispose()
		s.module = nil
	}
	s.gen++
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if s.bridge != nil {
		s.bridge.Close()
		s.bridge = nil
	}
}

func (s *Sandbox) unmount() {
	const js = `(function () {
  var i = globalThis.__atelier_instance;
  globalThis.__atelier_instance = null;
  if (i && typeof i.unmount === "function") i.unmount();
})()`
	if _, err := s.module.Eval(context.Background(), js); err != nil {
		s.logger.Debug("sandbox: unmount", "error", err)
	}
}

func (s *Sandbox) clearApp() {
	s.teardown()
	s.doc.root, s.doc.css, s.doc.head = "", "", ""
	s.rendered, s.hasRendered = "", false
	s.props = nil
	s.logs = nil
	s.lastErr = nil
	s.path = s.cfg.InitialPath
	s.state = StateEmpty
}

// updateContent replaces the content fields in place and remounts the same
// module instance.
func (s *Sandbox) updateContent(content map[string]any) {
	s.content = nonNil(content)
	if s.state != StateMounted || s.module == nil {
		return
	}
	encoded, err := json.Marshal(s.content)
	if err != nil {
		s.fail(ErrorRuntime, err.Error())
		return
	}
	js := `(function (next) {
  var c = globalThis.__atelier_content;
  for (var k in c) delete c[k];
  for (var k in next) c[k] = next[k];
})(JSON.parse(` + ephemeral.Quote(string(encoded)) + `))`
	if _, err := s.module.Eval(context.Background(), js); err != nil {
		s.fail(ErrorRuntime, message(err))
		return
	}
	pre := s.doc
	s.unmount()
	s.mount(pre)
}

func (s *Sandbox) dataUpdated(data map[string]any) {
	s.props = data
	if s.state != StateMounted || s.module == nil {
		return
	}
	props, err := json.Marshal(nonNil(data))
	if err != nil {
		s.fail(ErrorRuntime, err.Error())
		return
	}
	s.evalRuntime(`(function (props) {
  var i = globalThis.__atelier_instance;
  if (i && typeof i.update === "function") i.update(props);
})(JSON.parse(` + ephemeral.Quote(string(props)) + `))`)
}

func (s *Sandbox) invalidate(gen int) {
	if gen != s.gen || s.state != StateMounted {
		return
	}
	s.evalRuntime(`if (typeof globalThis.__atelier_invalidate === "function") globalThis.__atelier_invalidate();`)
}

func (s *Sandbox) deliver(gen, sub int, records []datasync.Record) {
	if gen != s.gen || s.module == nil {
		return
	}
	encoded, err := json.Marshal(records)
	if err != nil {
		s.fail(ErrorRuntime, err.Error())
		return
	}
	s.evalRuntime(fmt.Sprintf(`if (typeof globalThis.%s === "function") globalThis.%s(%d, %s);`,
		datasync.DeliverFunc, datasync.DeliverFunc, sub, ephemeral.Quote(string(encoded))))
}

func (s *Sandbox) setTimer(gen int, id, ms string) {
	d, err := strconv.Atoi(ms)
	if err != nil || d < 0 {
		d = 0
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(time.Duration(d)*time.Millisecond, func() {
		s.post(func() { s.fireTimer(gen, id) })
	})
}

func (s *Sandbox) fireTimer(gen int, id string) {
	if gen != s.gen || s.module == nil {
		return
	}
	if _, ok := s.timers[id]; !ok {
		return
	}
	delete(s.timers, id)
	s.evalRuntime("globalThis.__atelier_fire_timer(" + ephemeral.Quote(id) + ");")
}

// evalRuntime runs host-initiated script. An exception becomes a runtime
// SET_ERROR and never reaches the host process.
func (s *Sandbox) evalRuntime(js string) {
	if _, err := s.module.Eval(context.Background(), js); err != nil {
		s.fail(ErrorRuntime, message(err))
		return
	}
	if s.state == StateMounted {
		s.rendered = s.doc.root
	}
}

func (s *Sandbox) console(entry ephemeral.LogEntry) {
	s.renderLogs++
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
	encoded, err := json.Marshal(Logs{Logs: s.logs})
	if err != nil {
		s.logger.Warn("sandbox: encode logs", "error", err)
		return
	}
	s.logThrottle.offer(encoded)
}

func (s *Sandbox) fail(kind, msg string) {
	if kind != ErrorMount {
		kind = ErrorRuntime
	}
	e := &Error{Kind: kind, Message: msg}
	s.lastErr = e
	observability.Count(s.metrics, observability.MetricSandboxError, map[string]string{"kind": kind})
	s.send(EventSetError, e)
}

func (s *Sandbox) snapshot() Snapshot {
	head, err := s.doc.headHTML()
	if err != nil {
		s.logger.Warn("sandbox: snapshot head", "error", err)
	}
	snap := Snapshot{
		State: s.state,
		Path:  s.path,
		Head:  head,
		Body:  s.doc.root,
		Logs:  append([]ephemeral.LogEntry{}, s.logs...),
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.LastError = &e
	}
	return snap
}

func message(err error) string {
	var se *ephemeral.ScriptError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
