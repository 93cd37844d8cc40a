package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/dbopen"
	"github.com/hazyhaar/atelier/stylepipe"
)

// countingBundler wraps the real bundler and counts invocations.
func countingBundler(n *atomic.Int64) func(context.Context, []byte) ([]byte, error) {
	h := bundler.Handler()
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		n.Add(1)
		return h(ctx, payload)
	}
}

func TestCompile_StaticScenario(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	ctx := context.Background()

	res := svc.Compile(ctx, &Request{
		Source:      Text("<div>{value}</div>"),
		StaticBuild: true,
		Props:       map[string]any{"value": "hi"},
	})
	if res.Error != nil {
		t.Fatalf("compile: %v", res.Error)
	}
	if res.HTML == nil || !strings.Contains(res.HTML.Body, "hi") {
		t.Fatalf("body: got %+v", res.HTML)
	}
	if res.ClientModule == "" {
		t.Error("static result has no client module")
	}
	if svc.Stats().Cached != 0 {
		t.Error("static result was cached")
	}
}

func TestCompile_CacheIdentity(t *testing.T) {
	var calls atomic.Int64
	svc := New(Config{}, WithBundler(countingBundler(&calls)))
	defer svc.Close()
	ctx := context.Background()

	req := &Request{Source: Text("<div>{value}</div>"), Props: map[string]any{"value": "hi"}}
	first := svc.Compile(ctx, req)
	if first.Error != nil {
		t.Fatalf("compile: %v", first.Error)
	}
	// Props are not part of the key: the prior payload is returned as is.
	second := svc.Compile(ctx, &Request{Source: Text("<div>{value}</div>"), Props: map[string]any{"value": "bye"}})
	if first != second {
		t.Error("second compile returned a different *Result")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("bundler calls: got %d, want 1", got)
	}

	third := svc.Compile(ctx, &Request{Source: Text("<div>{value}</div>"), DevMode: true})
	if third == first {
		t.Error("different key shared a result")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("bundler calls: got %d, want 2", got)
	}
	st := svc.Stats()
	if st.Hits != 1 || st.Misses != 2 || st.Compiles != 2 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestKey_Normalised(t *testing.T) {
	a := Key(&Request{Source: Text("x")})
	b := Key(&Request{Source: Text("x"), ModuleFormat: "iife", CSSMode: "injected", RuntimeSymbols: []string{}})
	if a != b {
		t.Error("defaulted fields changed the key")
	}
	c := Key(&Request{Source: Text("x"), Props: map[string]any{"a": 1}, StaticBuild: false})
	if a != c {
		t.Error("props changed the key")
	}
	if a == Key(&Request{Source: Text("x"), Sourcemaps: true}) {
		t.Error("sourcemaps did not change the key")
	}
}

func TestCompile_RuntimeSymbols(t *testing.T) {
	markup := &Request{Source: Text("<p>{x}</p>")}
	if got := runtimeSymbols(markup); strings.Join(got, ",") != "mount" {
		t.Errorf("markup: got %q", got)
	}
	logic := &Request{Source: Text("<script>let x = 1</script><p>{x}</p>")}
	if got := runtimeSymbols(logic); strings.Join(got, ",") != "mount,hydrate" {
		t.Errorf("logic: got %q", got)
	}
	explicit := &Request{Source: Text("<p/>"), RuntimeSymbols: []string{"render"}}
	if got := runtimeSymbols(explicit); strings.Join(got, ",") != "render" {
		t.Errorf("explicit: got %q", got)
	}
}

func TestCompile_StyleError(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	res := svc.Compile(context.Background(), &Request{Source: Text("<style>.a {\n  color: red;\n</style><p>x</p>")})
	if res.Error == nil || res.Error.Kind != KindStyle {
		t.Fatalf("error: got %+v", res.Error)
	}
	if res.ClientModule != "" {
		t.Error("client module beside error")
	}
}

func TestCompile_Styles(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	res := svc.Compile(context.Background(), &Request{
		Source:      Text("<style>.card { & .t { color: red } }</style><div class=\"card\"><p class=\"t\">{x}</p></div>"),
		StaticBuild: true,
		Props:       map[string]any{"x": 1},
	})
	if res.Error != nil {
		t.Fatalf("compile: %v", res.Error)
	}
	if !strings.Contains(res.CSS, ".card .t") {
		t.Errorf("css: got %q", res.CSS)
	}
	if !strings.Contains(res.HTML.Head, "<style>") {
		t.Errorf("head lacks stylesheet: %q", res.HTML.Head)
	}
}

func TestCompile_CompileError(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	res := svc.Compile(context.Background(), &Request{Source: Text("<script>\nlet = ;\n</script><p/>")})
	if res.Error == nil || res.Error.Kind != KindCompile {
		t.Fatalf("error: got %+v", res.Error)
	}
	if res.Error.Line != 2 {
		t.Errorf("line: got %d, want 2", res.Error.Line)
	}
	if res.OK() {
		t.Error("OK reported for failure")
	}
}

func TestCompile_EmptySource(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	res := svc.Compile(context.Background(), &Request{Source: Text("  ")})
	if res.Error == nil || res.Error.Kind != KindCompile {
		t.Fatalf("error: got %+v", res.Error)
	}
}

func TestCompile_WorkerFailures(t *testing.T) {
	cases := map[string]func(context.Context, []byte) ([]byte, error){
		"error": func(context.Context, []byte) ([]byte, error) { return nil, errors.New("boom") },
		"panic": func(context.Context, []byte) ([]byte, error) { panic("kaput") },
		"empty": func(context.Context, []byte) ([]byte, error) { return nil, nil },
	}
	for name, h := range cases {
		svc := New(Config{}, WithBundler(h))
		res := svc.Compile(context.Background(), &Request{Source: Text("<p/>")})
		if res.Error == nil || res.Error.Kind != KindWorker {
			t.Errorf("%s: error: got %+v", name, res.Error)
		}
		if svc.Stats().Cached != 0 {
			t.Errorf("%s: worker failure cached", name)
		}
		svc.Close()
	}
}

func TestCompile_StyleWorkerDownNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	styler := stylepipe.Handler()
	svc := New(Config{}, WithStyler(func(ctx context.Context, payload []byte) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("style worker down")
		}
		return styler(ctx, payload)
	}))
	defer svc.Close()

	req := &Request{Source: Text("<style>p { color: red }</style><p>x</p>")}
	res := svc.Compile(context.Background(), req)
	if res.Error != nil || !res.Degraded || res.CSS != "" {
		t.Fatalf("degraded compile: got %+v", res)
	}
	if svc.Stats().Cached != 0 {
		t.Error("degraded result cached")
	}

	fail.Store(false)
	res = svc.Compile(context.Background(), req)
	if res.Degraded || !strings.Contains(res.CSS, "color") {
		t.Errorf("after recovery: got %+v", res)
	}
	if svc.Stats().Cached != 1 {
		t.Errorf("cached: got %d, want 1", svc.Stats().Cached)
	}
}

func TestCompile_AfterClose(t *testing.T) {
	svc := New(Config{})
	svc.Close()
	res := svc.Compile(context.Background(), &Request{Source: Text("<p/>")})
	if res.Error == nil || res.Error.Kind != KindWorker {
		t.Fatalf("error: got %+v", res.Error)
	}
}

func TestCompile_RenderError(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	res := svc.Compile(context.Background(), &Request{
		Source:      Text("<style>p{color:red}</style><script>\nthrow new Error('nope')\n</script><p>x</p>"),
		StaticBuild: true,
	})
	if res.Error == nil || res.Error.Kind != KindRender {
		t.Fatalf("error: got %+v", res.Error)
	}
	if !strings.Contains(res.Error.Message, "nope") {
		t.Errorf("message: got %q", res.Error.Message)
	}
	if res.HTML != nil || res.ClientModule != "" {
		t.Error("success fields beside error")
	}
	if res.Partial == nil || res.Partial.ClientModule == "" || res.Partial.CSS == "" {
		t.Errorf("partial: got %+v", res.Partial)
	}
}

func TestCompile_Page(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	page := Page{
		Head: &Section{Component: "<title>{title}</title>", Data: map[string]any{"title": "Site"}},
		Sections: []Section{
			{Component: "<h1>{title}</h1>", Data: map[string]any{"title": "Hello"}},
			{Component: "<p>static</p>"},
		},
	}
	res := svc.Compile(context.Background(), &Request{
		Source:       PageSource(page),
		StaticBuild:  true,
		HeadMetadata: &HeadMetadata{Description: "A page", Raw: `<meta name="x" content="y"><script>alert(1)</script>`},
	})
	if res.Error != nil {
		t.Fatalf("compile: %v", res.Error)
	}
	if res.HTML.Body != "<h1>Hello</h1><p>static</p>" {
		t.Errorf("body: got %q", res.HTML.Body)
	}
	for _, want := range []string{`<meta name="description" content="A page">`, `<meta name="x" content="y">`, "<title>Site</title>"} {
		if !strings.Contains(res.HTML.Head, want) {
			t.Errorf("head: missing %q in %q", want, res.HTML.Head)
		}
	}
	if strings.Contains(res.HTML.Head, "alert") {
		t.Errorf("head metadata not sanitised: %q", res.HTML.Head)
	}
}

func TestPageProps(t *testing.T) {
	p := &Page{
		Head:     &Section{Data: map[string]any{"a": 1}},
		Sections: []Section{{Data: map[string]any{"b": 2}}, {}, {Data: map[string]any{"c": 3}}},
	}
	props := PageProps(p, map[string]any{"extra": true})
	for _, k := range []string{"head_props", "component_0_props", "component_2_props", "extra"} {
		if _, ok := props[k]; !ok {
			t.Errorf("missing key %q", k)
		}
	}
	if _, ok := props["component_1_props"]; ok {
		t.Error("empty section data projected")
	}
}

func TestCompile_ContentAndRecords(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()
	src := `<script>
import { field } from "atelier:content";
import { collection } from "atelier:data";
const posts = collection("posts").list();
const heading = field("heading", "none");
</script>
<h1>{heading}</h1>{#each posts as post}<p>{post.title}</p>{/each}`
	res := svc.Compile(context.Background(), &Request{
		Source:      Text(src),
		StaticBuild: true,
		Content:     map[string]any{"heading": "News"},
		Records:     map[string][]any{"posts": {map[string]any{"id": "1", "title": "First"}}},
	})
	if res.Error != nil {
		t.Fatalf("compile: %v", res.Error)
	}
	if res.HTML.Body != "<h1>News</h1><p>First</p>" {
		t.Errorf("body: got %q", res.HTML.Body)
	}
}

func TestSource_JSON(t *testing.T) {
	var r Request
	if err := json.Unmarshal([]byte(`{"source":"<p/>"}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.Source.Text != "<p/>" || r.Source.Page != nil {
		t.Errorf("text source: got %+v", r.Source)
	}
	if err := json.Unmarshal([]byte(`{"source":{"sections":[{"component":"<p/>","data":{"a":1}}]}}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.Source.Page == nil || len(r.Source.Page.Sections) != 1 {
		t.Errorf("page source: got %+v", r.Source)
	}
	if err := json.Unmarshal([]byte(`{"source":42}`), &r); err == nil {
		t.Error("numeric source accepted")
	}
}

func TestSQLiteStore(t *testing.T) {
	db := dbopen.OpenMemory(t)
	st, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if res, err := st.Get(ctx, "missing"); err != nil || res != nil {
		t.Fatalf("miss: got %v, %v", res, err)
	}
	if err := st.Put(ctx, "k", &Result{ClientModule: "m", CSS: "c"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, "bad", failure(KindCompile, "x")); err != nil {
		t.Fatal(err)
	}
	res, err := st.Get(ctx, "k")
	if err != nil || res == nil {
		t.Fatalf("get: %v, %v", res, err)
	}
	if res.ClientModule != "m" || res.CSS != "c" || res.HTML != nil {
		t.Errorf("round trip: got %+v", res)
	}
	if n, _ := st.Len(ctx); n != 1 {
		t.Errorf("len: got %d, want 1", n)
	}
}

func TestCompile_StoreSurvivesRestart(t *testing.T) {
	db := dbopen.OpenMemory(t)
	st, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	req := &Request{Source: Text("<p>{x}</p>")}

	first := New(Config{}, WithStore(st))
	if res := first.Compile(ctx, req); res.Error != nil {
		t.Fatalf("compile: %v", res.Error)
	}
	first.Close()

	var calls atomic.Int64
	second := New(Config{}, WithStore(st), WithBundler(countingBundler(&calls)))
	defer second.Close()
	res := second.Compile(ctx, req)
	if res.Error != nil || res.ClientModule == "" {
		t.Fatalf("restored: got %+v", res)
	}
	if calls.Load() != 0 {
		t.Error("bundler invoked despite stored artifact")
	}
	if again := second.Compile(ctx, req); again != res {
		t.Error("store hit not promoted to memory cache")
	}
	if st := second.Stats(); st.StoreHits != 1 || st.Hits != 1 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestRegisterMCP(t *testing.T) {
	svc := New(Config{})
	defer svc.Close()

	impl := &mcp.Implementation{Name: "compiler-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "atelier_compile",
		Arguments: map[string]any{"source": "<b>{who}</b>", "static_build": true, "props": map[string]any{"who": "mcp"}},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content: got %T", res.Content[0])
	}
	var out Result
	if err := json.Unmarshal([]byte(tc.Text), &out); err != nil {
		t.Fatal(err)
	}
	if out.HTML == nil || out.HTML.Body != "<b>mcp</b>" {
		t.Errorf("body: got %+v", out.HTML)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "atelier_compile", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("expected tool error without source")
	}
}
