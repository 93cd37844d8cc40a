package stylepipe

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/atelier/workers"
)

func TestTransform_Normalises(t *testing.T) {
	res := Transform(".card{color:red}", Options{})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if !strings.Contains(res.CSS, ".card {") || !strings.Contains(res.CSS, "color: red;") {
		t.Errorf("css: got %q", res.CSS)
	}
}

func TestTransform_Minify(t *testing.T) {
	res := Transform(".card {\n  color: red;\n}\n", Options{Minify: true})
	if strings.Contains(res.CSS, "\n  ") {
		t.Errorf("minified css kept indentation: %q", res.CSS)
	}
}

func TestTransform_LowersNesting(t *testing.T) {
	res := Transform(".card { & .title { color: blue } }", Options{Targets: []string{"chrome100"}})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if !strings.Contains(res.CSS, ".card .title") {
		t.Errorf("nesting not lowered: %q", res.CSS)
	}
}

func TestTransform_Empty(t *testing.T) {
	if res := Transform("  \n", Options{}); res.CSS != "" || res.Error != nil {
		t.Errorf("empty input: got %+v", res)
	}
}

func TestTransform_SyntaxError(t *testing.T) {
	res := Transform(".ok { color: red }\n.card {\n  color: blue;\n", Options{})
	if res.Error == nil {
		t.Fatalf("expected structured error, got css %q", res.CSS)
	}
	if res.Error.Line < 1 {
		t.Errorf("line: got %d", res.Error.Line)
	}
	if res.Error.Message == "" {
		t.Error("empty message")
	}
}

func TestEnclosingRule(t *testing.T) {
	raw := ".a { color: red }\n@media (max-width: 600px) {\n  .b {\n    color: ;\n  }\n}"
	if got := enclosingRule(raw, 4, 11); got != ".b" {
		t.Errorf("rule: got %q, want %q", got, ".b")
	}
	if got := enclosingRule(raw, 1, 0); got != "" {
		t.Errorf("top level: got %q, want empty", got)
	}
}

type countingDispatcher struct {
	calls atomic.Int32
	pool  *workers.Pool
}

func (d *countingDispatcher) Dispatch(ctx context.Context, name string, payload []byte) ([]byte, error) {
	d.calls.Add(1)
	return d.pool.Dispatch(ctx, name, payload)
}

func TestProcessor_Memoises(t *testing.T) {
	pool := workers.New(workers.WithSize(1))
	defer pool.Close()
	pool.Register(HandlerName, Handler())

	d := &countingDispatcher{pool: pool}
	p := NewProcessor(func(context.Context) (Dispatcher, error) { return d, nil })

	first := p.Process(context.Background(), ".x{color:red}")
	second := p.Process(context.Background(), ".x{color:red}")
	if first.CSS == "" || first.CSS != second.CSS {
		t.Fatalf("results differ: %q vs %q", first.CSS, second.CSS)
	}
	if got := d.calls.Load(); got != 1 {
		t.Errorf("dispatches: got %d, want 1", got)
	}
	if p.Len() != 1 {
		t.Errorf("cache len: got %d, want 1", p.Len())
	}
}

func TestProcessor_WorkerUnavailable(t *testing.T) {
	pool := workers.New(workers.WithSize(1))
	pool.Register(HandlerName, Handler())
	pool.Close()

	p := NewProcessor(func(context.Context) (Dispatcher, error) { return pool, nil })
	res := p.Process(context.Background(), ".x{color:red}")
	if res.CSS != "" || res.Error != nil || !res.Degraded {
		t.Errorf("degraded result: got %+v, want empty degraded css", res)
	}
	if p.Len() != 0 {
		t.Error("degraded result must not be memoised")
	}

	p = NewProcessor(func(context.Context) (Dispatcher, error) { return nil, errors.New("no pool") })
	if res := p.Process(context.Background(), ".y{}"); res.CSS != "" {
		t.Errorf("no pool: got %+v", res)
	}
}

func TestProcessor_PanickingWorker(t *testing.T) {
	pool := workers.New(workers.WithSize(1))
	defer pool.Close()
	pool.Register(HandlerName, func(context.Context, []byte) ([]byte, error) { panic("css engine crashed") })

	p := NewProcessor(func(context.Context) (Dispatcher, error) { return pool, nil })
	if res := p.Process(context.Background(), ".x{}"); res.CSS != "" || res.Error != nil {
		t.Errorf("panic result: got %+v", res)
	}
}
