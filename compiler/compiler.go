// Package compiler turns component sources into preview artifacts.
//
// Service.Compile runs the style processor and the bundler on a lazily
// created worker pool, renders static builds in a throwaway VM, and caches
// dynamic results by a normalised request key. Every failure mode comes
// back as a Result with Error set; Compile never returns a Go error.
//
//	svc := compiler.New(compiler.Config{}, compiler.WithLogger(logger))
//	defer svc.Close()
//	res := svc.Compile(ctx, &compiler.Request{Source: compiler.Text(src)})
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/ephemeral"
	"github.com/hazyhaar/atelier/observability"
	"github.com/hazyhaar/atelier/stylepipe"
	"github.com/hazyhaar/atelier/workers"
)

// ErrClosed is returned by the pool accessor once the service is closed.
var ErrClosed = errors.New("compiler: service closed")

// Config controls the service. Zero values take defaults.
type Config struct {
	Workers       int           `yaml:"workers"`        // pool size, default 4
	Timeout       time.Duration `yaml:"timeout"`        // per handler call, default 10s
	RenderTimeout time.Duration `yaml:"render_timeout"` // static render, default 2s
	RemoteURL     string        `yaml:"remote_url"`     // run handlers on a remote worker
	StyleTargets  []string      `yaml:"style_targets"`
	MinifyCSS     bool          `yaml:"minify_css"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 2 * time.Second
	}
}

// Stats are cumulative service counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	StoreHits int64 `json:"store_hits"`
	Misses    int64 `json:"misses"`
	Compiles  int64 `json:"compiles"`
	Failures  int64 `json:"failures"`
	Cached    int   `json:"cached"`
}

// Service compiles components. It is safe for concurrent use.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.Recorder
	store   Store
	bundle  workers.Handler
	style   workers.Handler
	loader  *ephemeral.Loader
	styles  *stylepipe.Processor

	poolOnce sync.Once
	pool     *workers.Pool
	closed   atomic.Bool

	mu    sync.RWMutex
	cache map[string]*Result

	hits, storeHits, misses, compiles, failures atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records compile durations and outcomes.
func WithMetrics(r observability.Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithStore persists dynamic results beside the in-memory cache.
func WithStore(st Store) Option {
	return func(s *Service) { s.store = st }
}

// WithBundler replaces the local bundle handler.
func WithBundler(h workers.Handler) Option {
	return func(s *Service) { s.bundle = h }
}

// WithStyler replaces the local style handler.
func WithStyler(h workers.Handler) Option {
	return func(s *Service) { s.style = h }
}

// New creates a Service. The worker pool is not started until the first
// Compile.
func New(cfg Config, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Discard,
		bundle:  bundler.Handler(),
		style:   stylepipe.Handler(),
		cache:   make(map[string]*Result),
	}
	for _, o := range opts {
		o(s)
	}
	s.loader = ephemeral.NewLoader(ephemeral.WithTimeout(cfg.RenderTimeout), ephemeral.WithLogger(s.logger))
	s.styles = stylepipe.NewProcessor(
		func(ctx context.Context) (stylepipe.Dispatcher, error) { return s.workers() },
		stylepipe.WithOptions(stylepipe.Options{Minify: cfg.MinifyCSS, Targets: cfg.StyleTargets}),
		stylepipe.WithLogger(s.logger),
	)
	return s
}

// workers returns the pool, creating it on first use.
func (s *Service) workers() (*workers.Pool, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.poolOnce.Do(func() {
		p := workers.New(
			workers.WithSize(s.cfg.Workers),
			workers.WithLogger(s.logger),
			workers.WithMiddleware(workers.Timeout(s.cfg.Timeout), workers.Logging(s.logger)),
		)
		if s.cfg.RemoteURL != "" {
			base := strings.TrimRight(s.cfg.RemoteURL, "/")
			for _, name := range []string{bundler.HandlerName, stylepipe.HandlerName} {
				h, closeFn := workers.HTTPTransport(base+"/"+name, s.cfg.Timeout)
				p.Remote(name, h, closeFn)
			}
		} else {
			p.Register(bundler.HandlerName, s.bundle)
			p.Register(stylepipe.HandlerName, s.style)
		}
		s.pool = p
		s.logger.Info("compiler: worker pool started", "size", p.Size(), "remote", s.cfg.RemoteURL != "")
	})
	if s.pool == nil {
		return nil, ErrClosed
	}
	return s.pool, nil
}

// Key returns the cache key of a dynamic request.
func Key(req *Request) string {
	format := req.ModuleFormat
	if format == "" {
		format = bundler.FormatIIFE
	}
	cssMode := req.CSSMode
	if cssMode == "" {
		cssMode = bundler.CSSInjected
	}
	symbols := req.RuntimeSymbols
	if symbols == nil {
		symbols = []string{}
	}
	data, _ := json.Marshal(struct {
		Source         Source   `json:"source"`
		ModuleFormat   string   `json:"moduleFormat"`
		CSSMode        string   `json:"cssMode"`
		DevMode        bool     `json:"devMode"`
		Sourcemaps     bool     `json:"sourcemaps"`
		RuntimeSymbols []string `json:"runtimeSymbols"`
	}{req.Source, format, cssMode, req.DevMode, req.Sourcemaps, symbols})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compile compiles req. Dynamic results are cached and shared: two calls
// with the same key return the same *Result.
func (s *Service) Compile(ctx context.Context, req *Request) *Result {
	start := time.Now()
	var key string
	if !req.StaticBuild {
		key = Key(req)
		if res := s.lookup(ctx, key); res != nil {
			return res
		}
		s.misses.Add(1)
	}

	res := s.compile(ctx, req)
	s.compiles.Add(1)
	labels := map[string]string{"static": fmt.Sprint(req.StaticBuild)}
	observability.Duration(s.metrics, observability.MetricCompileDurationMs, time.Since(start), labels)
	if res.Error != nil {
		s.failures.Add(1)
		observability.Count(s.metrics, observability.MetricCompileFailure, map[string]string{"kind": string(res.Error.Kind)})
		s.logger.DebugContext(ctx, "compiler: compile failed", "kind", res.Error.Kind, "error", res.Error.Message)
	}

	// Worker failures and degraded styles are transient and stay out of
	// the cache.
	if !req.StaticBuild && !res.Degraded && (res.Error == nil || res.Error.Kind != KindWorker) {
		s.mu.Lock()
		s.cache[key] = res
		s.mu.Unlock()
		if s.store != nil && res.Error == nil {
			if err := s.store.Put(ctx, key, res); err != nil {
				s.logger.WarnContext(ctx, "compiler: store put failed", "error", err)
			}
		}
	}
	return res
}

func (s *Service) lookup(ctx context.Context, key string) *Result {
	s.mu.RLock()
	res, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		s.hits.Add(1)
		observability.Count(s.metrics, observability.MetricCompileCacheHit, nil)
		return res
	}
	if s.store == nil {
		return nil
	}
	res, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "compiler: store get failed", "error", err)
		return nil
	}
	if res == nil {
		return nil
	}
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		res = cached
	} else {
		s.cache[key] = res
	}
	s.mu.Unlock()
	s.storeHits.Add(1)
	return res
}

func (s *Service) compile(ctx context.Context, req *Request) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "compiler: panic", "panic", r)
			res = failure(KindWorker, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if req.Source.empty() {
		return failure(KindCompile, "empty source")
	}
	sections, head := req.Source.components()

	all := append(append([]string{}, sections...), head)
	css := ""
	degraded := false
	if raw := bundler.Styles(all...); raw != "" {
		st := s.styles.Process(ctx, raw)
		degraded = st.Degraded
		if st.Error != nil {
			return &Result{Error: &Error{
				Kind:    KindStyle,
				Message: st.Error.Message,
				Rule:    st.Error.Rule,
				Line:    st.Error.Line,
				Column:  st.Error.Column,
			}}
		}
		css = st.CSS
	}

	out, errRes := s.dispatchBundle(ctx, bundler.Request{
		Components:     sections,
		Head:           head,
		Paged:          req.Source.Page != nil,
		CSS:            css,
		CSSMode:        req.CSSMode,
		ModuleFormat:   req.ModuleFormat,
		DevMode:        req.DevMode,
		Sourcemaps:     req.Sourcemaps,
		RuntimeSymbols: runtimeSymbols(req),
		ServerModule:   req.StaticBuild,
	})
	if errRes != nil {
		return errRes
	}

	if !req.StaticBuild {
		return &Result{ClientModule: out.ClientModule, CSS: css, Degraded: degraded}
	}

	props := req.Props
	if req.Source.Page != nil {
		props = PageProps(req.Source.Page, req.Props)
	}
	rendered, err := s.render(ctx, out.ServerModule, props, req.Content, req.Records)
	if err != nil {
		return &Result{
			Error:    &Error{Kind: KindRender, Message: err.Error()},
			Partial:  &Partial{ClientModule: out.ClientModule, CSS: css},
			Degraded: degraded,
		}
	}
	return &Result{
		HTML: &HTML{
			Head: buildHead(req.HeadMetadata, rendered.Head, css),
			Body: rendered.Body,
		},
		ClientModule: out.ClientModule,
		CSS:          css,
		Degraded:     degraded,
	}
}

// dispatchBundle runs the bundler once and converts every failure into a
// Result.
func (s *Service) dispatchBundle(ctx context.Context, breq bundler.Request) (*bundler.Response, *Result) {
	pool, err := s.workers()
	if err != nil {
		return nil, failure(KindWorker, err.Error())
	}
	payload, err := json.Marshal(breq)
	if err != nil {
		return nil, failure(KindWorker, fmt.Sprintf("encode request: %v", err))
	}
	raw, err := pool.Dispatch(ctx, bundler.HandlerName, payload)
	if err != nil {
		s.logger.WarnContext(ctx, "compiler: bundler failed", "error", err)
		return nil, failure(KindWorker, err.Error())
	}
	if len(raw) == 0 {
		return nil, failure(KindWorker, "bundler returned no response")
	}
	var out bundler.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, failure(KindWorker, fmt.Sprintf("decode bundler response: %v", err))
	}
	if out.Error != nil {
		return nil, &Result{Error: &Error{
			Kind:    KindCompile,
			Message: out.Error.Message,
			File:    out.Error.File,
			Line:    out.Error.Line,
			Column:  out.Error.Column,
		}}
	}
	if out.ClientModule == "" || (breq.ServerModule && out.ServerModule == "") {
		return nil, failure(KindCompile, "bundler produced no module")
	}
	return &out, nil
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	n := len(s.cache)
	s.mu.RUnlock()
	return Stats{
		Hits:      s.hits.Load(),
		StoreHits: s.storeHits.Load(),
		Misses:    s.misses.Load(),
		Compiles:  s.compiles.Load(),
		Failures:  s.failures.Load(),
		Cached:    n,
	}
}

// StyleProcessor exposes the service's memoised style processor.
func (s *Service) StyleProcessor() *stylepipe.Processor { return s.styles }

// Pool returns the worker pool, starting it if needed. Hosts use it to
// serve the handlers to remote callers.
func (s *Service) Pool() (*workers.Pool, error) { return s.workers() }

// Close stops the worker pool. Compiles after Close return worker errors.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// Prevent a later first use from creating a pool.
	s.poolOnce.Do(func() {})
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}
