// Package bundler compiles atelier components into executable page modules.
//
// A component is a single file with an optional <script>, <style> blocks,
// an optional <atelier:head> block and template markup. Bundle turns one or
// more components into a client module (mount/hydrate/render entry points)
// and, on request, a server module whose render(props) returns head and
// body markup. Components are emitted as virtual modules and linked with
// esbuild; the only importable modules are the atelier: virtual modules.
//
// Bundle is a pure function. Handler exposes it on a workers.Pool.
package bundler

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// HandlerName is the worker pool handler name for bundling.
const HandlerName = "bundle"

// Global names assigned by IIFE output.
const (
	ClientGlobal = "__atelier_app__"
	ServerGlobal = "__atelier_ssr__"
)

// Module formats.
const (
	FormatIIFE = "iife"
	FormatESM  = "esm"
	FormatCJS  = "cjs"
)

// CSS modes.
const (
	CSSInjected = "injected"
	CSSExternal = "external"
)

//go:embed runtime.js
var runtimeJS string

const contentJS = `const content = globalThis.__atelier_content || (globalThis.__atelier_content = {});
export default content;
export function field(name, fallback) {
  const v = content[name];
  return v === undefined || v === null ? fallback : v;
}
`

const dataJS = `function staticCollection(name) {
  const all = () => ((globalThis.__atelier_static_records || {})[name] || []).slice();
  const readOnly = () => { throw new Error("atelier:data: collection " + name + " is read-only during render"); };
  return {
    name,
    list: all,
    get(id) { return all().find((r) => r.id === id) || null; },
    subscribe(cb) { cb(all()); return () => {}; },
    create: readOnly,
    update: readOnly,
    delete: readOnly,
  };
}
export function collection(name) {
  const m = globalThis.__atelier_data_module;
  if (m && typeof m.collection === "function") return m.collection(name);
  return staticCollection(name);
}
export default collection;
`

// Request is the bundler input.
type Request struct {
	Components     []string `json:"components"`
	Head           string   `json:"head,omitempty"`
	Paged          bool     `json:"paged,omitempty"`
	CSS            string   `json:"css,omitempty"`
	CSSMode        string   `json:"cssMode,omitempty"`
	ModuleFormat   string   `json:"moduleFormat,omitempty"`
	DevMode        bool     `json:"devMode,omitempty"`
	Sourcemaps     bool     `json:"sourcemaps,omitempty"`
	RuntimeSymbols []string `json:"runtimeSymbols,omitempty"`
	ServerModule   bool     `json:"serverModule,omitempty"`
}

// Response is the bundler output. Error is set instead of the modules when
// the source does not compile.
type Response struct {
	ClientModule string `json:"clientModule,omitempty"`
	ServerModule string `json:"serverModule,omitempty"`
	Error        *Error `json:"error,omitempty"`
}

// Error is a compile error located in a component source.
type Error struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.File != "" {
		return e.File + ": " + e.Message
	}
	return e.Message
}

// HasLogic reports whether any of the sources carries a non-empty script.
// Sources that fail to parse count as logic so callers keep hydration.
func HasLogic(sources ...string) bool {
	for _, src := range sources {
		c, err := Parse(src)
		if err != nil || c.HasLogic() {
			return true
		}
	}
	return false
}

// Styles returns the concatenated <style> text of the sources in order.
func Styles(sources ...string) string {
	var parts []string
	for _, src := range sources {
		c, err := Parse(src)
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(c.Style()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Bundle compiles the request. Compile errors are reported in
// Response.Error; the returned error is reserved for invalid requests.
func Bundle(req Request) (*Response, error) {
	if len(req.Components) == 0 {
		return nil, fmt.Errorf("bundler: no components")
	}
	symbols, err := normalizeSymbols(req.RuntimeSymbols)
	if err != nil {
		return nil, fmt.Errorf("bundler: %w", err)
	}
	if len(symbols) == 0 {
		symbols = []string{SymbolMount}
	}
	format, err := esFormat(req.ModuleFormat)
	if err != nil {
		return nil, fmt.Errorf("bundler: %w", err)
	}

	modules := map[string]*compiledComponent{}
	var sections []*compiledComponent
	for i, src := range req.Components {
		path := fmt.Sprintf("atelier:component/%d", i)
		c, err := compileComponent(path, src)
		if err != nil {
			return &Response{Error: asError(err)}, nil
		}
		modules[path] = c
		sections = append(sections, c)
	}
	var head *compiledComponent
	if strings.TrimSpace(req.Head) != "" {
		head, err = compileComponent("atelier:component/head", req.Head)
		if err != nil {
			return &Response{Error: asError(err)}, nil
		}
		modules[head.path] = head
	}

	css := ""
	if req.CSSMode != CSSExternal {
		css = req.CSS
	}

	resp := &Response{}
	client := pageSource(sections, head, req.Paged, css, symbols)
	resp.ClientModule, resp.Error = build(client, modules, buildOptions{
		format:     format,
		global:     ClientGlobal,
		minify:     !req.DevMode,
		sourcemaps: req.Sourcemaps,
	})
	if resp.Error != nil {
		return resp, nil
	}

	if req.ServerModule {
		server := pageSource(sections, head, req.Paged, "", []string{SymbolRender})
		resp.ServerModule, resp.Error = build(server, modules, buildOptions{
			format: api.FormatIIFE,
			global: ServerGlobal,
		})
		if resp.Error != nil {
			resp.ClientModule = ""
		}
	}
	return resp, nil
}

func asError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Message: err.Error()}
}

func esFormat(name string) (api.Format, error) {
	switch name {
	case "", FormatIIFE:
		return api.FormatIIFE, nil
	case FormatESM:
		return api.FormatESModule, nil
	case FormatCJS:
		return api.FormatCommonJS, nil
	}
	return api.FormatDefault, fmt.Errorf("unknown module format %q", name)
}

type buildOptions struct {
	format     api.Format
	global     string
	minify     bool
	sourcemaps bool
}

func build(entry string, modules map[string]*compiledComponent, o buildOptions) (string, *Error) {
	opts := api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entry,
			Sourcefile: "atelier:entry",
			Loader:     api.LoaderJS,
		},
		Bundle:            true,
		Write:             false,
		Format:            o.format,
		Target:            api.ES2020,
		MinifyWhitespace:  o.minify,
		MinifyIdentifiers: o.minify,
		MinifySyntax:      o.minify,
		Plugins:           []api.Plugin{virtualModules(modules)},
		LogLevel:          api.LogLevelSilent,
	}
	if o.format == api.FormatIIFE {
		opts.GlobalName = o.global
	}
	if o.sourcemaps {
		opts.Sourcemap = api.SourceMapInline
	}

	res := api.Build(opts)
	if len(res.Errors) > 0 {
		return "", mapMessage(res.Errors[0], modules)
	}
	if len(res.OutputFiles) == 0 || len(res.OutputFiles[0].Contents) == 0 {
		return "", &Error{Message: "bundler produced no output"}
	}
	return string(res.OutputFiles[0].Contents), nil
}

// virtualModules resolves every "atelier:" import to an in-memory module.
func virtualModules(modules map[string]*compiledComponent) api.Plugin {
	return api.Plugin{
		Name: "atelier",
		Setup: func(b api.PluginBuild) {
			b.OnResolve(api.OnResolveOptions{Filter: `^atelier:`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{Path: args.Path, Namespace: "atelier"}, nil
			})
			b.OnResolve(api.OnResolveOptions{Filter: `.*`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{}, fmt.Errorf("unsupported import %q: only atelier: modules are available", args.Path)
			})
			b.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: "atelier"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				var contents string
				switch args.Path {
				case "atelier:runtime":
					contents = runtimeJS
				case "atelier:content":
					contents = contentJS
				case "atelier:data":
					contents = dataJS
				default:
					c, ok := modules[args.Path]
					if !ok {
						return api.OnLoadResult{}, fmt.Errorf("unknown module %q", args.Path)
					}
					contents = c.code
				}
				return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
			})
		},
	}
}

// mapMessage converts an esbuild message into an Error positioned in the
// component source when the failure lies in script code.
func mapMessage(msg api.Message, modules map[string]*compiledComponent) *Error {
	e := &Error{Message: msg.Text}
	loc := msg.Location
	if loc == nil {
		return e
	}
	file := strings.TrimPrefix(loc.File, "atelier:")
	for path, c := range modules {
		if file != path && !strings.HasSuffix(loc.File, path) {
			continue
		}
		e.File = path
		if line := c.sourceLine(loc.Line); line > 0 {
			e.Line = line
			e.Column = loc.Column + 1
		}
		return e
	}
	e.File = loc.File
	return e
}

// Handler adapts Bundle to the worker pool: JSON Request in, JSON Response
// out.
func Handler() func(ctx context.Context, payload []byte) ([]byte, error) {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("bundler: decode request: %w", err)
		}
		resp, err := Bundle(req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}
