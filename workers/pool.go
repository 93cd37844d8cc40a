// Package workers runs the compile pipeline's CPU-heavy handlers (bundling,
// style normalisation) off the caller's goroutine.
//
// A Pool owns a fixed number of worker goroutines. Handlers are registered
// by name and speak bytes in, bytes out, so the same name can be served by
// an in-process function or by a remote compile worker over HTTP:
//
//	pool := workers.New(workers.WithSize(4))
//	pool.Register("bundle", bundler.Handler(...))
//	pool.Remote("style", workers.HTTPTransport("http://builder:8090/workers/style", 30*time.Second))
//	resp, err := pool.Dispatch(ctx, "bundle", payload)
//
// Dispatch never panics: handler panics are recovered into *ErrPanic by the
// default middleware chain.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Handler is a transport-agnostic worker function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type job struct {
	ctx     context.Context
	handler Handler
	payload []byte
	reply   chan result
}

type result struct {
	resp []byte
	err  error
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Pool dispatches named jobs to a fixed set of goroutines.
type Pool struct {
	size       int
	logger     *slog.Logger
	middleware []HandlerMiddleware

	mu      sync.RWMutex
	local   map[string]Handler
	remote  map[string]remoteEntry
	closed  bool
	jobs    chan job
	wg      sync.WaitGroup
	closeMu sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithSize sets the number of worker goroutines. Default: GOMAXPROCS.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithLogger sets a custom logger for the pool.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMiddleware appends middlewares applied to every handler, around the
// built-in recovery wrapper that sits next to the handler.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(p *Pool) { p.middleware = append(p.middleware, mws...) }
}

// New starts a pool. Call Close to stop its goroutines.
func New(opts ...Option) *Pool {
	p := &Pool{
		size:   runtime.GOMAXPROCS(0),
		logger: slog.Default(),
		local:  make(map[string]Handler),
		remote: make(map[string]remoteEntry),
	}
	for _, o := range opts {
		o(p)
	}
	p.jobs = make(chan job)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Debug("workers: pool started", "size", p.size)
	return p
}

// Size returns the number of worker goroutines.
func (p *Pool) Size() int { return p.size }

// Register installs an in-process handler under name.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	p.local[name] = p.wrap(name, h)
	p.mu.Unlock()
}

// Remote routes name to a remote handler built by a transport. A remote
// route takes priority over a local handler with the same name. closeFn
// may be nil.
func (p *Pool) Remote(name string, h Handler, closeFn func()) {
	p.mu.Lock()
	if old, ok := p.remote[name]; ok && old.close != nil {
		old.close()
	}
	p.remote[name] = remoteEntry{handler: p.wrap(name, h), close: closeFn}
	p.mu.Unlock()
	p.logger.Info("workers: remote route set", "handler", name)
}

// wrap puts Recovery next to the handler so it shares the handler's
// goroutine even when a middleware such as Timeout spawns a new one.
func (p *Pool) wrap(name string, h Handler) Handler {
	mws := append(append([]HandlerMiddleware(nil), p.middleware...), Recovery(p.logger.With("handler", name)))
	return Chain(mws...)(h)
}

// Dispatch runs the handler registered under name on a worker goroutine and
// waits for its response. It returns ErrUnavailable when the pool is closed
// or no worker frees up before ctx is done.
func (p *Pool) Dispatch(ctx context.Context, name string, payload []byte) ([]byte, error) {
	j := job{ctx: ctx, payload: payload, reply: make(chan result, 1)}

	// The read lock is held across the send so Close cannot close the job
	// channel underneath a pending dispatch.
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrUnavailable
	}
	if e, ok := p.remote[name]; ok {
		j.handler = e.handler
	} else {
		j.handler = p.local[name]
	}
	if j.handler == nil {
		p.mu.RUnlock()
		return nil, &ErrHandlerNotFound{Name: name}
	}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}

	select {
	case r := <-j.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		resp, err := j.handler(j.ctx, j.payload)
		j.reply <- result{resp: resp, err: err}
	}
}

// Close stops accepting jobs, waits for running jobs and releases remote
// transports. Dispatch after Close returns ErrUnavailable.
func (p *Pool) Close() error {
	p.closeMu.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, e := range p.remote {
			if e.close != nil {
				e.close()
			}
		}
		p.remote = make(map[string]remoteEntry)
		p.mu.Unlock()

		close(p.jobs)
		p.wg.Wait()
		p.logger.Debug("workers: pool stopped")
	})
	return nil
}
