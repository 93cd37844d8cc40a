// Package stylepipe normalises component style text.
//
// Transform is the pure worker body: raw CSS in, normalised CSS or a
// structured parse error out. Processor memoises Transform by exact input
// text and runs it on the worker pool. When no worker is available the
// processor returns empty CSS: a missing stylesheet is cosmetic, a failed
// preview is not.
package stylepipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// HandlerName is the worker pool name of the style handler.
const HandlerName = "style"

// Error locates a style parse failure. Line is 1-based, Column 0-based.
type Error struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stylepipe: %d:%d: %s (in %q)", e.Line, e.Column, e.Message, e.Rule)
}

// Result is exactly one of CSS or Error. An empty CSS with nil Error is a
// valid result (empty input or degraded worker).
type Result struct {
	CSS   string `json:"css"`
	Error *Error `json:"error,omitempty"`
	// Degraded marks an empty CSS caused by an unavailable worker.
	Degraded bool `json:"-"`
}

// Options controls normalisation.
type Options struct {
	// Minify strips whitespace. Dev builds keep readable output.
	Minify bool `json:"minify"`
	// Targets lists browser engines as "chrome100", "safari15"...; nesting
	// and newer syntax are lowered for them. Default: chrome100, firefox100,
	// safari15.
	Targets []string `json:"targets,omitempty"`
}

// request is the worker payload.
type request struct {
	CSS     string  `json:"css"`
	Options Options `json:"options"`
}

var defaultTargets = []string{"chrome100", "firefox100", "safari15"}

// Transform normalises raw style text.
func Transform(raw string, opts Options) Result {
	if strings.TrimSpace(raw) == "" {
		return Result{}
	}
	targets := opts.Targets
	if len(targets) == 0 {
		targets = defaultTargets
	}

	res := api.Transform(raw, api.TransformOptions{
		Loader:           api.LoaderCSS,
		Sourcefile:       "component.css",
		MinifyWhitespace: opts.Minify,
		MinifySyntax:     opts.Minify,
		Engines:          engines(targets),
		LogLevel:         api.LogLevelSilent,
	})

	if msg, ok := firstSyntaxError(res); ok {
		return Result{Error: toError(raw, msg)}
	}
	return Result{CSS: string(res.Code)}
}

// firstSyntaxError returns the first error, or the first warning esbuild
// classifies as a CSS syntax error (it recovers from those and would
// otherwise emit a silently truncated stylesheet).
func firstSyntaxError(res api.TransformResult) (api.Message, bool) {
	if len(res.Errors) > 0 {
		return res.Errors[0], true
	}
	for _, w := range res.Warnings {
		if w.ID == "css-syntax-error" {
			return w, true
		}
	}
	return api.Message{}, false
}

func toError(raw string, msg api.Message) *Error {
	e := &Error{Message: msg.Text}
	if loc := msg.Location; loc != nil {
		e.Line = loc.Line
		e.Column = loc.Column
		e.Rule = enclosingRule(raw, loc.Line, loc.Column)
		if e.Rule == "" {
			e.Rule = strings.TrimSpace(loc.LineText)
		}
	}
	return e
}

// enclosingRule returns the prelude (selector or at-rule) of the innermost
// block that is still open at line:column.
func enclosingRule(raw string, line, column int) string {
	offset := 0
	for l := 1; l < line; l++ {
		i := strings.IndexByte(raw[offset:], '\n')
		if i < 0 {
			break
		}
		offset += i + 1
	}
	offset += column
	if offset > len(raw) {
		offset = len(raw)
	}

	var stack []int // offsets just past each open '{'
	stmtStart := 0
	starts := []int{}
	for i := 0; i < offset; i++ {
		switch raw[i] {
		case '{':
			stack = append(stack, i)
			starts = append(starts, stmtStart)
			stmtStart = i + 1
		case '}':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
				starts = starts[:len(starts)-1]
			}
			stmtStart = i + 1
		case ';':
			stmtStart = i + 1
		}
	}
	if len(stack) == 0 {
		return ""
	}
	top := len(stack) - 1
	return strings.Join(strings.Fields(raw[starts[top]:stack[top]]), " ")
}

func engines(targets []string) []api.Engine {
	names := map[string]api.EngineName{
		"chrome":  api.EngineChrome,
		"edge":    api.EngineEdge,
		"firefox": api.EngineFirefox,
		"safari":  api.EngineSafari,
		"ios":     api.EngineIOS,
		"opera":   api.EngineOpera,
	}
	var out []api.Engine
	for _, t := range targets {
		i := strings.IndexAny(t, "0123456789")
		if i <= 0 {
			continue
		}
		if name, ok := names[t[:i]]; ok {
			out = append(out, api.Engine{Name: name, Version: t[i:]})
		}
	}
	return out
}

// Handler returns the worker body registered on the pool under HandlerName.
func Handler() func(ctx context.Context, payload []byte) ([]byte, error) {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("stylepipe: decode request: %w", err)
		}
		return json.Marshal(Transform(req.CSS, req.Options))
	}
}

// Dispatcher runs a named worker job. *workers.Pool implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// Processor memoises style normalisation.
type Processor struct {
	dispatch func(context.Context) (Dispatcher, error)
	opts     Options
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]Result
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithOptions sets the normalisation options applied to every input.
func WithOptions(o Options) ProcessorOption {
	return func(p *Processor) { p.opts = o }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor. dispatcher is resolved on each call so
// the pool behind it can be created lazily; an error from it counts as
// worker unavailability.
func NewProcessor(dispatcher func(context.Context) (Dispatcher, error), opts ...ProcessorOption) *Processor {
	p := &Processor{
		dispatch: dispatcher,
		logger:   slog.Default(),
		cache:    make(map[string]Result),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process returns the normalised CSS for raw, or a structured error.
// Worker failures degrade to an empty stylesheet and are not memoised.
func (p *Processor) Process(ctx context.Context, raw string) Result {
	p.mu.RLock()
	res, ok := p.cache[raw]
	p.mu.RUnlock()
	if ok {
		return res
	}

	res, err := p.run(ctx, raw)
	if err != nil {
		p.logger.WarnContext(ctx, "stylepipe: worker unavailable, dropping styles", "error", err)
		return Result{Degraded: true}
	}

	p.mu.Lock()
	p.cache[raw] = res
	p.mu.Unlock()
	return res
}

func (p *Processor) run(ctx context.Context, raw string) (Result, error) {
	d, err := p.dispatch(ctx)
	if err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(request{CSS: raw, Options: p.opts})
	if err != nil {
		return Result{}, err
	}
	resp, err := d.Dispatch(ctx, HandlerName, payload)
	if err != nil {
		return Result{}, err
	}
	if len(resp) == 0 {
		return Result{}, fmt.Errorf("stylepipe: empty worker response")
	}
	var res Result
	if err := json.Unmarshal(resp, &res); err != nil {
		return Result{}, fmt.Errorf("stylepipe: decode response: %w", err)
	}
	return res, nil
}

// Len returns the number of memoised inputs.
func (p *Processor) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}
