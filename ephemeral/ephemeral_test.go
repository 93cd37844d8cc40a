package ephemeral

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const greeter = `globalThis.__module__ = {
  greet: function(p) { return { text: "hello " + p.name }; },
  fail: function() { throw new Error("boom"); },
  noisy: function() { console.log("tick", {n: 1}); console.warn(function(){}); return 1; },
  spin: function() { for (;;) {} }
};`

func TestLoadAndCall(t *testing.T) {
	m, err := NewLoader().Load(context.Background(), greeter)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()

	got, err := m.Call(context.Background(), "greet", `{"name":"ada"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"text":"hello ada"}` {
		t.Errorf("greet: got %q", got)
	}
	if !m.Exports(context.Background(), "greet") {
		t.Error("Exports(greet): got false")
	}
	if m.Exports(context.Background(), "nope") {
		t.Error("Exports(nope): got true")
	}
}

func TestCall_ScriptError(t *testing.T) {
	m, err := NewLoader().Load(context.Background(), greeter)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()

	_, err = m.Call(context.Background(), "fail")
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("error: got %T %v, want *ScriptError", err, err)
	}
	if !strings.Contains(se.Message, "boom") {
		t.Errorf("message: got %q", se.Message)
	}

	// The module stays usable after an exception.
	if _, err := m.Call(context.Background(), "greet", `{"name":"x"}`); err != nil {
		t.Errorf("after exception: %v", err)
	}
}

func TestLoad_SyntaxError(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), "globalThis.__module__ = {")
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("error: got %v, want *ScriptError", err)
	}
}

func TestConsoleCapture(t *testing.T) {
	m, err := NewLoader().Load(context.Background(), greeter)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()

	if _, err := m.Call(context.Background(), "noisy"); err != nil {
		t.Fatal(err)
	}
	logs := m.Logs()
	if len(logs) != 2 {
		t.Fatalf("logs: got %d, want 2", len(logs))
	}
	if logs[0].Level != "log" || logs[0].Args[0] != "tick" {
		t.Errorf("first log: got %+v", logs[0])
	}
	if logs[1].Level != "warn" {
		t.Errorf("second level: got %q", logs[1].Level)
	}
	if s, ok := logs[1].Args[0].(string); !ok || !strings.Contains(s, "function") {
		t.Errorf("function arg should fall back to string: got %#v", logs[1].Args[0])
	}
}

func TestConsoleHook(t *testing.T) {
	var got []LogEntry
	m, err := NewLoader().Load(context.Background(), greeter, WithConsole(func(e LogEntry) { got = append(got, e) }))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()
	m.Call(context.Background(), "noisy")
	if len(got) != 2 {
		t.Fatalf("hooked logs: got %d, want 2", len(got))
	}
	if len(m.Logs()) != 0 {
		t.Error("hooked output should not be buffered")
	}
}

func TestWithFuncAndPrelude(t *testing.T) {
	src := `globalThis.__app__ = { run: function() { return shout(globalThis.word); } };`
	m, err := NewLoader().Load(context.Background(), src,
		WithGlobal("__app__"),
		WithPrelude(`globalThis.word = "hi";`),
		WithFunc("shout", func(s string) string { return strings.ToUpper(s) }),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()

	got, err := m.Call(context.Background(), "run")
	if err != nil {
		t.Fatal(err)
	}
	if got != `"HI"` {
		t.Errorf("run: got %q, want %q", got, `"HI"`)
	}
}

func TestCall_Timeout(t *testing.T) {
	m, err := NewLoader(WithTimeout(50 * time.Millisecond)).Load(context.Background(), greeter)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()

	if _, err := m.Call(context.Background(), "spin"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("error: got %v, want ErrTimeout", err)
	}
}

func TestDispose(t *testing.T) {
	m, err := NewLoader().Load(context.Background(), greeter)
	if err != nil {
		t.Fatal(err)
	}
	m.Dispose()
	m.Dispose()
	if _, err := m.Call(context.Background(), "greet", `{}`); !errors.Is(err, ErrDisposed) {
		t.Fatalf("error: got %v, want ErrDisposed", err)
	}
}

func TestEval_RunsFlaggedJobs(t *testing.T) {
	m, err := NewLoader().Load(context.Background(), `globalThis.__module__ = {};`)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()
	ctx := context.Background()

	if _, err := m.Eval(ctx, `globalThis.order = []; Promise.resolve().then(function () { order.push("job"); }); order.push("sync");`); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Eval(ctx, `order.join(",")`)
	if got != "sync" {
		t.Errorf("unflagged: got %q, want %q", got, "sync")
	}

	src := `globalThis.__ephemeral_settled = function () { order.push("settled"); };
globalThis.__ephemeral_jobs = true;
(async function () { await null; order.push("after-await"); })();`
	if _, err := m.Eval(ctx, src); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Eval(ctx, `order.join(",")`)
	if want := "sync,job,after-await,settled"; got != want {
		t.Errorf("flagged: got %q, want %q", got, want)
	}
}

func TestEval_SettledHookError(t *testing.T) {
	m, err := NewLoader().Load(context.Background(), `globalThis.__module__ = {};`)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Dispose()

	_, err = m.Eval(context.Background(), `globalThis.__ephemeral_settled = function () { throw new Error("hook"); }; globalThis.__ephemeral_jobs = true;`)
	var se *ScriptError
	if !errors.As(err, &se) || !strings.Contains(se.Message, "hook") {
		t.Errorf("got %v, want a ScriptError mentioning hook", err)
	}
}
