package bundler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Runtime entry points a page module can export.
const (
	SymbolMount   = "mount"
	SymbolHydrate = "hydrate"
	SymbolRender  = "render"
)

var knownSymbols = map[string]bool{SymbolMount: true, SymbolHydrate: true, SymbolRender: true}

// compiledComponent is a component turned into a virtual ES module.
type compiledComponent struct {
	path      string // virtual module path, e.g. "atelier:component/0"
	code      string
	bodyLine  int // generated line where the script body starts
	scriptLn  int // source line the script body starts at
	scriptLen int // script body line count
	css       string
	logic     bool
}

// sourceLine maps a generated line back to the component source. It
// returns 0 when the line is not part of the script body.
func (c *compiledComponent) sourceLine(line int) int {
	if line < c.bodyLine || line >= c.bodyLine+c.scriptLen || c.scriptLn == 0 {
		return 0
	}
	return c.scriptLn + line - c.bodyLine
}

// compileComponent parses a component source and generates its module.
func compileComponent(path, source string) (*compiledComponent, error) {
	comp, err := Parse(source)
	if err != nil {
		return nil, &Error{Message: err.Error(), File: path}
	}
	info, err := analyzeScript(comp.Script)
	if err != nil {
		return nil, &Error{Message: err.Error(), File: path, Line: comp.ScriptLine}
	}

	markup, err := parseTemplate(comp.Markup)
	if err != nil {
		return nil, templateError(path, comp.MarkupLine, err)
	}
	head, err := parseTemplate(strings.TrimSpace(comp.Head))
	if err != nil {
		return nil, templateError(path, 0, err)
	}

	render := newGenerator()
	render.emit(markup)
	headGen := newGenerator()
	headGen.emit(head)

	bound := append([]string{}, info.bindings...)
	auto := render.freeNames(bound)
	for _, id := range headGen.freeNames(bound) {
		if !contains(auto, id) {
			auto = append(auto, id)
		}
	}
	settable := append(append([]string{}, info.props...), auto...)

	var b strings.Builder
	b.WriteString(`import { escape as $$escape, raw as $$raw, list as $$list } from "atelier:runtime";` + "\n")
	for _, imp := range info.imports {
		b.WriteString(strings.ReplaceAll(imp, "\n", " "))
		b.WriteString("\n")
	}
	b.WriteString("export default function $$create($$props) {\n")
	b.WriteString("$$props = $$props || {};\n")
	for _, id := range auto {
		fmt.Fprintf(&b, "let %s = $$props[%s];\n", id, strconv.Quote(id))
	}
	bodyLine := strings.Count(b.String(), "\n") + 1
	body := strings.TrimRight(info.body, " \t\r\n")
	b.WriteString(body)
	b.WriteString("\n")
	b.WriteString("return {\n")
	b.WriteString("render() {\nlet $$out = \"\";\n")
	b.WriteString(render.b.String())
	b.WriteString("return $$out;\n},\n")
	b.WriteString("head() {\nlet $$out = \"\";\n")
	b.WriteString(headGen.b.String())
	b.WriteString("return $$out;\n},\n")
	b.WriteString("set($$next) {\nif (!$$next) return;\n")
	for _, id := range settable {
		q := strconv.Quote(id)
		fmt.Fprintf(&b, "if (%s in $$next) %s = $$next[%s];\n", q, id, q)
	}
	b.WriteString("},\n};\n}\n")

	return &compiledComponent{
		path:      path,
		code:      b.String(),
		bodyLine:  bodyLine,
		scriptLn:  comp.ScriptLine,
		scriptLen: strings.Count(body, "\n") + 1,
		css:       comp.Style(),
		logic:     comp.HasLogic(),
	}, nil
}

func templateError(path string, base int, err error) error {
	if te, ok := err.(*TemplateError); ok {
		line := 0
		if base > 0 {
			line = base + te.Line - 1
		}
		return &Error{Message: te.Message, File: path, Line: line}
	}
	return &Error{Message: err.Error(), File: path}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// pageSource generates the entry module: it imports every component, builds
// the page descriptor, and exports the requested runtime entry points
// bound to it.
func pageSource(sections []*compiledComponent, head *compiledComponent, paged bool, css string, symbols []string) string {
	var b strings.Builder
	var imports []string
	for _, s := range symbols {
		imports = append(imports, fmt.Sprintf("%s as $$%s", s, s))
	}
	fmt.Fprintf(&b, "import { %s } from \"atelier:runtime\";\n", strings.Join(imports, ", "))
	var names []string
	for i, s := range sections {
		name := fmt.Sprintf("$$s%d", i)
		names = append(names, name)
		fmt.Fprintf(&b, "import %s from %s;\n", name, strconv.Quote(s.path))
	}
	headRef := "null"
	if head != nil {
		headRef = "$$head"
		fmt.Fprintf(&b, "import $$head from %s;\n", strconv.Quote(head.path))
	}
	fmt.Fprintf(&b, "const $$page = { paged: %t, sections: [%s], head: %s, css: %s };\n",
		paged, strings.Join(names, ", "), headRef, strconv.Quote(css))
	for _, s := range symbols {
		switch s {
		case SymbolRender:
			fmt.Fprintf(&b, "export function render(props) { return $$render($$page, props); }\n")
		default:
			fmt.Fprintf(&b, "export function %s(target, props) { return $$%s($$page, target, props); }\n", s, s)
		}
	}
	return b.String()
}

// normalizeSymbols validates and orders the requested entry points.
func normalizeSymbols(symbols []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, s := range symbols {
		if !knownSymbols[s] {
			return nil, fmt.Errorf("unknown runtime symbol %q", s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}
