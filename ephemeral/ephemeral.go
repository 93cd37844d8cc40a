// Package ephemeral loads generated JavaScript modules into disposable,
// isolated QuickJS VMs.
//
// Each Load creates a fresh VM, evaluates an optional prelude and the module
// source (an IIFE assigning its exports to a global), and returns a Module
// handle. Dispose frees the VM; nothing is shared between modules.
//
//	m, err := loader.Load(ctx, src, ephemeral.WithGlobal("__atelier_ssr__"))
//	defer m.Dispose()
//	out, err := m.Call("render", propsJSON)
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modernc.org/quickjs"
)

// ErrDisposed is returned by calls on a disposed module.
var ErrDisposed = errors.New("ephemeral: module disposed")

// ErrTimeout is returned when a call exceeds the loader's execution limit.
var ErrTimeout = errors.New("ephemeral: execution timed out")

// ScriptError is a JavaScript exception raised by module code.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// LogEntry is one captured console call.
type LogEntry struct {
	Level string `json:"level"`
	Args  []any  `json:"args"`
}

// Loader creates modules. It holds only configuration and is safe for
// concurrent use.
type Loader struct {
	timeout time.Duration
	logger  *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithTimeout bounds every evaluation and call. Default: 5s.
func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{timeout: 5 * time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

type loadOptions struct {
	global  string
	prelude []string
	funcs   map[string]any
	console func(LogEntry)
}

// LoadOption configures a single Load.
type LoadOption func(*loadOptions)

// WithGlobal names the global the module assigns its exports to.
// Default: "__module__".
func WithGlobal(name string) LoadOption {
	return func(o *loadOptions) { o.global = name }
}

// WithPrelude evaluates js before the module source. May be repeated.
func WithPrelude(js string) LoadOption {
	return func(o *loadOptions) { o.prelude = append(o.prelude, js) }
}

// WithFunc exposes a Go function to the module as a global. Functions must
// take and return strings.
func WithFunc(name string, f any) LoadOption {
	return func(o *loadOptions) { o.funcs[name] = f }
}

// WithConsole routes console output to fn instead of the module's own buffer.
func WithConsole(fn func(LogEntry)) LoadOption {
	return func(o *loadOptions) { o.console = fn }
}

// Module is a loaded module and the VM that owns it. Methods serialize on
// an internal mutex; the VM itself is never touched concurrently.
type Module struct {
	mu       sync.Mutex
	vm       *quickjs.VM
	global   string
	timeout  time.Duration
	logger   *slog.Logger
	logs     []LogEntry
	console  func(LogEntry)
	drain    []byte
	disposed atomic.Bool
}

// Eval never runs queued promise jobs. Scripts that may have queued some
// set globalThis.__ephemeral_jobs; the next eval then evaluates drainJS,
// a module whose top-level awaits make the engine run the job queue
// until the module settles. __ephemeral_settled, when defined, runs once
// the queue has been given its turns.
const (
	jobsCheck = `(function(){var p = globalThis.__ephemeral_jobs === true; globalThis.__ephemeral_jobs = false; return p;})()`
	drainJS   = `for (let i = 0; i < 64; i++) await undefined;
if (typeof globalThis.__ephemeral_settled === "function") globalThis.__ephemeral_settled();
`
)

// consolePrelude installs a console object that JSON round-trips its
// arguments, falling back to String() for values that do not serialise.
const consolePrelude = `(function(){
  function ser(args) {
    var out = [];
    for (var i = 0; i < args.length; i++) {
      var v = args[i];
      try {
        var s = JSON.stringify(v);
        out.push(s === undefined ? String(v) : JSON.parse(s));
      } catch (e) {
        out.push(String(v));
      }
    }
    return JSON.stringify(out);
  }
  var c = {};
  ["log", "info", "warn", "error", "debug"].forEach(function(level) {
    c[level] = function() { __ephemeral_console(level, ser(arguments)); };
  });
  globalThis.console = c;
})();`

// Load evaluates source in a fresh VM. Evaluation errors dispose the VM and
// are returned as *ScriptError.
func (l *Loader) Load(ctx context.Context, source string, opts ...LoadOption) (*Module, error) {
	o := loadOptions{global: "__module__", funcs: map[string]any{}}
	for _, fn := range opts {
		fn(&o)
	}

	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("ephemeral: new vm: %w", err)
	}
	m := &Module{
		vm:      vm,
		global:  o.global,
		timeout: l.timeout,
		logger:  l.logger,
		console: o.console,
	}

	if err := vm.RegisterFunc("__ephemeral_console", m.captureConsole, false); err != nil {
		m.Dispose()
		return nil, fmt.Errorf("ephemeral: register console: %w", err)
	}
	for name, f := range o.funcs {
		if err := vm.RegisterFunc(name, f, false); err != nil {
			m.Dispose()
			return nil, fmt.Errorf("ephemeral: register %s: %w", name, err)
		}
	}

	scripts := append([]string{consolePrelude}, o.prelude...)
	scripts = append(scripts, source)
	for _, js := range scripts {
		if _, err := m.eval(ctx, js); err != nil {
			m.Dispose()
			return nil, err
		}
	}
	return m, nil
}

func (m *Module) captureConsole(level, argsJSON string) string {
	entry := LogEntry{Level: level}
	if err := json.Unmarshal([]byte(argsJSON), &entry.Args); err != nil {
		entry.Args = []any{argsJSON}
	}
	if m.console != nil {
		m.console(entry)
		return ""
	}
	m.logs = append(m.logs, entry)
	return ""
}

// eval runs js under the watchdog. Callers hold m.mu or own m exclusively.
func (m *Module) eval(ctx context.Context, js string) (any, error) {
	if m.disposed.Load() {
		return nil, ErrDisposed
	}
	timeout := m.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		m.vm.Interrupt()
	})
	defer watchdog.Stop()

	v, err := m.vm.Eval(js, quickjs.EvalGlobal)
	if err == nil {
		err = m.runJobs()
	}
	if err != nil {
		if timedOut.Load() {
			return nil, ErrTimeout
		}
		return nil, &ScriptError{Message: cleanMessage(err.Error())}
	}
	return v, nil
}

// runJobs drains the promise job queue when the last script flagged work.
func (m *Module) runJobs() error {
	pending, err := m.vm.Eval(jobsCheck, quickjs.EvalGlobal)
	if err != nil || pending != true {
		return err
	}
	if m.drain == nil {
		code, err := m.vm.Compile(drainJS, quickjs.EvalModule)
		if err != nil {
			return err
		}
		m.drain = code
	}
	_, err = m.vm.EvalBytecode(m.drain)
	return err
}

// Eval evaluates js in the module's VM and returns the converted result.
func (m *Module) Eval(ctx context.Context, js string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eval(ctx, js)
}

// Call invokes exports[fn] with JSON-encoded arguments and returns the
// JSON encoding of its result ("null" for undefined).
func (m *Module) Call(ctx context.Context, fn string, argsJSON ...string) (string, error) {
	var b strings.Builder
	b.WriteString("(function(){var m = globalThis[")
	b.WriteString(Quote(m.global))
	b.WriteString("]; if (!m || typeof m[")
	b.WriteString(Quote(fn))
	b.WriteString("] !== 'function') throw new Error(")
	b.WriteString(Quote("module does not export " + fn))
	b.WriteString("); var r = m[")
	b.WriteString(Quote(fn))
	b.WriteString("](")
	for i, a := range argsJSON {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("JSON.parse(")
		b.WriteString(Quote(a))
		b.WriteString(")")
	}
	b.WriteString("); return r === undefined ? 'null' : JSON.stringify(r);})()")

	v, err := m.Eval(ctx, b.String())
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "null", nil
	}
	return s, nil
}

// Exports reports whether the module exports a function named fn.
func (m *Module) Exports(ctx context.Context, fn string) bool {
	v, err := m.Eval(ctx, "(function(){var m = globalThis["+Quote(m.global)+"]; return !!m && typeof m["+Quote(fn)+"] === 'function';})()")
	if err != nil {
		return false
	}
	ok, _ := v.(bool)
	return ok
}

// Logs returns the console output captured so far when no WithConsole hook
// was installed.
func (m *Module) Logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.logs...)
}

// Dispose frees the VM. It is idempotent.
func (m *Module) Dispose() {
	if m.disposed.Swap(true) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.vm.Close(); err != nil {
		m.logger.Debug("ephemeral: close vm", "error", err)
	}
}

// Quote returns s as a JavaScript string literal.
func Quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// cleanMessage trims the engine's stack suffix to the first line that
// carries the exception text.
func cleanMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.Index(msg, "\n"); i > 0 {
		first := strings.TrimSpace(msg[:i])
		if first != "" {
			return first
		}
	}
	return msg
}
