// Package preview is the host side of live previews. It keeps one sandbox
// per project, compiles incoming edits, forwards the compiled module and
// design data into the sandbox and streams sandbox events back to editors
// over SSE. The same operations are exposed as MCP tools for an assistant.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"sync"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/compiler"
	"github.com/hazyhaar/atelier/datasync"
	"github.com/hazyhaar/atelier/observability"
	"github.com/hazyhaar/atelier/sandbox"
)

var (
	// ErrNotFound is returned for unknown project ids.
	ErrNotFound = errors.New("preview: project not found")
	// ErrBadProject is returned for malformed ids or project settings.
	ErrBadProject = errors.New("preview: invalid project")
	// ErrClosed is returned once the host is closed.
	ErrClosed = errors.New("preview: host closed")
)

// EventCompileError is streamed to editors when an update fails to compile.
// It never reaches the sandbox.
const EventCompileError sandbox.Event = "COMPILE_ERROR"

var projectID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config controls the host. Zero values take defaults.
type Config struct {
	// EventBuffer is the per-subscriber backlog of the event stream.
	EventBuffer int `yaml:"event_buffer"` // default 64
	// DevMode compiles with dev flags: readable output, runtime checks.
	DevMode bool `yaml:"dev_mode"`
	// PublicURL is the base URL the thumbnail browser uses to reach
	// /preview/{id}. Empty derives it from the incoming request.
	PublicURL string `yaml:"public_url"`
}

func (c *Config) defaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Capturer screenshots a URL. thumbnail.Shooter implements it.
type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithMetrics is handed to every sandbox.
func WithMetrics(r observability.Recorder) Option {
	return func(h *Host) { h.metrics = r }
}

// WithSandbox sets the configuration of project sandboxes.
func WithSandbox(cfg sandbox.Config) Option {
	return func(h *Host) { h.sandboxCfg = cfg }
}

// WithBackend is the collection backend of projects that do not name one.
func WithBackend(b datasync.Backend) Option {
	return func(h *Host) { h.backend = b }
}

// WithRealtimeURL is the realtime feed of projects that do not name one.
func WithRealtimeURL(u string) Option {
	return func(h *Host) { h.realtimeURL = u }
}

// WithDataOptions applies to every project registry.
func WithDataOptions(opts ...datasync.Option) Option {
	return func(h *Host) { h.dataOpts = append(h.dataOpts, opts...) }
}

// WithClientOptions applies to backends created from a project BackendURL.
func WithClientOptions(opts ...datasync.ClientOption) Option {
	return func(h *Host) { h.clientOpts = append(h.clientOpts, opts...) }
}

// WithThumbnails enables the thumbnail route.
func WithThumbnails(c Capturer) Option {
	return func(h *Host) { h.thumbs = c }
}

// ProjectConfig declares a project's data wiring.
type ProjectConfig struct {
	Collections []string `json:"collections,omitempty"`
	// BackendURL overrides the host backend with a collection HTTP server.
	BackendURL string `json:"backendUrl,omitempty"`
	// RealtimeURL is an SSE (http, https) or websocket (ws, wss) feed of
	// collection snapshots.
	RealtimeURL string `json:"realtimeUrl,omitempty"`
}

// Update is one edit. Nil fields leave the preview as it is.
type Update struct {
	Source *compiler.Source `json:"source,omitempty"`
	// Props are the module props. For page sources the section data is
	// folded in with compiler.PageProps.
	Props map[string]any `json:"props,omitempty"`
	// CSS is raw design-token style text, normalised before it is applied.
	CSS     *string        `json:"css,omitempty"`
	Fonts   []string       `json:"fonts,omitempty"`
	Content map[string]any `json:"content,omitempty"`
	// Data is handed to the mounted instance without a remount.
	Data map[string]any `json:"data,omitempty"`
}

// UpdateResult reports what happened to an Update.
type UpdateResult struct {
	Generation uint64 `json:"generation"`
	// Applied is false when a newer update superseded this one or it failed.
	Applied bool            `json:"applied"`
	Error   *compiler.Error `json:"error,omitempty"`
}

// Status is a project's current state.
type Status struct {
	ID           string           `json:"id"`
	Generation   uint64           `json:"generation"`
	Collections  []string         `json:"collections"`
	Sandbox      sandbox.Snapshot `json:"sandbox"`
	CompileError *compiler.Error  `json:"compileError,omitempty"`
}

// Host owns the project sandboxes.
type Host struct {
	cfg         Config
	compiler    *compiler.Service
	logger      *slog.Logger
	metrics     observability.Recorder
	sandboxCfg  sandbox.Config
	backend     datasync.Backend
	realtimeURL string
	dataOpts    []datasync.Option
	clientOpts  []datasync.ClientOption
	thumbs      Capturer

	mu       sync.Mutex
	projects map[string]*project
	closed   bool
}

// New returns a Host compiling with svc.
func New(cfg Config, svc *compiler.Service, opts ...Option) *Host {
	cfg.defaults()
	h := &Host{
		cfg:      cfg,
		compiler: svc,
		logger:   slog.Default(),
		metrics:  observability.Discard,
		projects: make(map[string]*project),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Put creates or replaces a project. Replacing closes the previous sandbox.
// It reports whether the project is new.
func (h *Host) Put(id string, pc ProjectConfig) (bool, error) {
	if !projectID.MatchString(id) {
		return false, fmt.Errorf("%w: id %q", ErrBadProject, id)
	}
	names := dedupe(pc.Collections)
	backend := h.backend
	if pc.BackendURL != "" {
		if _, err := url.ParseRequestURI(pc.BackendURL); err != nil {
			return false, fmt.Errorf("%w: backend url: %v", ErrBadProject, err)
		}
		backend = datasync.NewClient(pc.BackendURL, h.clientOpts...)
	}
	if len(names) > 0 && backend == nil {
		return false, fmt.Errorf("%w: collections declared without a backend", ErrBadProject)
	}
	feed := pc.RealtimeURL
	if feed == "" && pc.BackendURL == "" {
		feed = h.realtimeURL
	}
	source, err := realtimeSource(feed, h.logger)
	if err != nil {
		return false, err
	}

	p := newProject(id, names, h.cfg.EventBuffer, h.logger)
	opts := []sandbox.Option{sandbox.WithLogger(h.logger.With("project", id)), sandbox.WithMetrics(h.metrics)}
	if len(names) > 0 {
		opts = append(opts, sandbox.WithCollections(backend, names, h.dataOpts...))
	}
	p.sb = sandbox.New(h.sandboxCfg, p.broadcast, opts...)
	if source != nil && p.sb.Registry() != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopFeed = cancel
		go source.Run(ctx, p.sb.Registry())
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		p.close()
		return false, ErrClosed
	}
	old := h.projects[id]
	h.projects[id] = p
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	h.logger.Info("preview: project ready", "project", id, "collections", names, "replaced", old != nil)
	return old == nil, nil
}

// Delete closes and forgets a project.
func (h *Host) Delete(id string) error {
	h.mu.Lock()
	p, ok := h.projects[id]
	delete(h.projects, id)
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	p.close()
	h.logger.Info("preview: project deleted", "project", id)
	return nil
}

func (h *Host) project(id string) (*project, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	p, ok := h.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Compile runs the compiler without touching any preview.
func (h *Host) Compile(ctx context.Context, req *compiler.Request) *compiler.Result {
	return h.compiler.Compile(ctx, req)
}

// Style normalises raw style text.
func (h *Host) Style(ctx context.Context, raw string) *compiler.Result {
	res := h.compiler.StyleProcessor().Process(ctx, raw)
	if res.Error != nil {
		return &compiler.Result{Error: styleError(res.Error.Message, res.Error.Rule, res.Error.Line, res.Error.Column)}
	}
	return &compiler.Result{CSS: res.CSS}
}

// Update compiles the edit and applies it to the project's sandbox unless a
// newer update was issued while it compiled.
func (h *Host) Update(ctx context.Context, id string, u Update) (*UpdateResult, error) {
	p, err := h.project(id)
	if err != nil {
		return nil, err
	}
	gen := p.gen.Add(1)
	out := &UpdateResult{Generation: gen}

	var module string
	props := u.Props
	if u.Source != nil {
		res := h.compiler.Compile(ctx, &compiler.Request{
			Source:       *u.Source,
			ModuleFormat: bundler.FormatIIFE,
			DevMode:      h.cfg.DevMode,
		})
		if !res.OK() {
			out.Error = res.Error
			p.compileFailed(gen, res.Error)
			return out, nil
		}
		module = res.ClientModule
		props = compiler.PageProps(u.Source.Page, u.Props)
	}
	var css string
	if u.CSS != nil {
		res := h.Style(ctx, *u.CSS)
		if !res.OK() {
			out.Error = res.Error
			p.compileFailed(gen, res.Error)
			return out, nil
		}
		css = res.CSS
	}

	var msgs []sandbox.Message
	add := func(ev sandbox.Event, payload any) error {
		msg, err := sandbox.NewMessage(ev, payload)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	}
	if u.CSS != nil {
		err = errors.Join(err, add(sandbox.EventUpdateCSSVars, sandbox.CSSVars{CSS: css}))
	}
	if u.Fonts != nil {
		err = errors.Join(err, add(sandbox.EventUpdateFonts, sandbox.Fonts{Fonts: u.Fonts}))
	}
	if u.Content != nil {
		err = errors.Join(err, add(sandbox.EventUpdateContent, sandbox.Content{Content: u.Content}))
	}
	if u.Source != nil {
		err = errors.Join(err, add(sandbox.EventSetApp, sandbox.SetApp{ComponentApp: module, Data: props}))
	}
	if u.Data != nil {
		err = errors.Join(err, add(sandbox.EventDataUpdated, sandbox.Data{Data: u.Data}))
	}
	if err != nil {
		return nil, fmt.Errorf("preview: encode update: %w", err)
	}

	applied, err := p.apply(gen, msgs, u.Source != nil)
	if err != nil {
		return nil, err
	}
	out.Applied = applied
	if !applied {
		h.logger.DebugContext(ctx, "preview: stale update dropped", "project", id, "generation", gen)
	}
	return out, nil
}

// Send forwards a raw host message to the project's sandbox.
func (h *Host) Send(id string, msg sandbox.Message) error {
	p, err := h.project(id)
	if err != nil {
		return err
	}
	switch msg.Event {
	case sandbox.EventSetApp, sandbox.EventUpdateCSSVars, sandbox.EventUpdateContent,
		sandbox.EventUpdateFonts, sandbox.EventDataUpdated, sandbox.EventClearApp:
	default:
		return fmt.Errorf("%w: %q is not a host event", ErrBadProject, msg.Event)
	}
	return p.sb.Send(msg)
}

// Status returns the project's state.
func (h *Host) Status(ctx context.Context, id string) (*Status, error) {
	p, err := h.project(id)
	if err != nil {
		return nil, err
	}
	snap, err := p.sb.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		ID:           id,
		Generation:   p.gen.Load(),
		Collections:  p.collections,
		Sandbox:      snap,
		CompileError: p.lastCompileError(),
	}, nil
}

// Subscribe returns the project's event stream and a release function.
func (h *Host) Subscribe(id string) (<-chan sandbox.Message, func(), error) {
	p, err := h.project(id)
	if err != nil {
		return nil, nil, err
	}
	ch, release := p.subscribe()
	return ch, release, nil
}

// Document renders the project's current preview as a complete page.
func (h *Host) Document(ctx context.Context, id string) (string, error) {
	p, err := h.project(id)
	if err != nil {
		return "", err
	}
	snap, err := p.sb.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return sandbox.RenderDocument(snap)
}

// Projects lists the project ids.
func (h *Host) Projects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.projects))
	for id := range h.projects {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every project sandbox.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	projects := h.projects
	h.projects = map[string]*project{}
	h.mu.Unlock()
	for _, p := range projects {
		p.close()
	}
	return nil
}

func styleError(msg, rule string, line, col int) *compiler.Error {
	return &compiler.Error{Kind: compiler.KindStyle, Message: msg, Rule: rule, Line: line, Column: col}
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

type feed interface {
	Run(ctx context.Context, dst datasync.Applier) error
}

func realtimeSource(raw string, logger *slog.Logger) (feed, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: realtime url: %v", ErrBadProject, err)
	}
	switch u.Scheme {
	case "http", "https":
		return &datasync.SSESource{URL: raw, Logger: logger}, nil
	case "ws", "wss":
		return &datasync.WSSource{URL: raw, Logger: logger}, nil
	}
	return nil, fmt.Errorf("%w: realtime url scheme %q", ErrBadProject, u.Scheme)
}
