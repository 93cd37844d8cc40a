package bundler

import (
	"fmt"
	"strconv"
	"strings"
)

// node is a parsed markup element: static text, an expression, or a block.
type node interface{}

type textNode struct{ text string }

type exprNode struct {
	expr      string
	raw       bool // {@html ...}
	quoteAttr bool // attr={expr}: emitted inside generated quotes
}

type ifBranch struct {
	cond string
	body []node
}

type ifNode struct {
	branches []ifBranch
	elseBody []node
}

type eachNode struct {
	list     string
	pattern  string
	index    string
	body     []node
	elseBody []node
}

// tag is a mustache tag, with its offset for error reporting.
type tag struct {
	text      string // content between the braces
	pos       int
	quoteAttr bool
}

// segment is a run of static text or a mustache tag.
type segment struct {
	text string
	tag  *tag
}

// TemplateError reports a markup error with a 1-based line.
type TemplateError struct {
	Line    int
	Message string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// segmentMarkup splits markup into text and {tags}. HTML comments are kept
// as text. It tracks whether a tag sits directly after "attr=" inside an
// element so the generator can quote it.
func segmentMarkup(src string) ([]segment, error) {
	var segs []segment
	var text strings.Builder
	inTag, inQuote := false, byte(0)
	i := 0
	for i < len(src) {
		c := src[i]
		if strings.HasPrefix(src[i:], "<!--") {
			end := strings.Index(src[i:], "-->")
			if end < 0 {
				end = len(src) - i - 3
			}
			text.WriteString(src[i : i+end+3])
			i += end + 3
			continue
		}
		switch {
		case c == '{':
			end := matchBrace(src, i)
			if end >= len(src) {
				return nil, &TemplateError{Line: lineAt(src, i), Message: "unclosed '{'"}
			}
			prev := strings.TrimRight(text.String(), " \t")
			quote := inTag && inQuote == 0 && strings.HasSuffix(prev, "=")
			if text.Len() > 0 {
				segs = append(segs, segment{text: text.String()})
				text.Reset()
			}
			segs = append(segs, segment{tag: &tag{text: strings.TrimSpace(src[i+1 : end]), pos: i, quoteAttr: quote}})
			i = end + 1
			continue
		case inTag && inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case inTag && (c == '"' || c == '\''):
			inQuote = c
		case inTag && c == '>':
			inTag = false
		case !inTag && c == '<' && i+1 < len(src) && (isIdentStart(src[i+1]) || src[i+1] == '/'):
			inTag = true
		}
		text.WriteByte(c)
		i++
	}
	if text.Len() > 0 {
		segs = append(segs, segment{text: text.String()})
	}
	return segs, nil
}

type templateParser struct {
	src  string
	segs []segment
	i    int
}

// parseTemplate parses markup into a node tree.
func parseTemplate(src string) ([]node, error) {
	segs, err := segmentMarkup(src)
	if err != nil {
		return nil, err
	}
	p := &templateParser{src: src, segs: segs}
	nodes, stop, err := p.parse()
	if err != nil {
		return nil, err
	}
	if stop != nil {
		return nil, p.errorf(stop, "unexpected {%s}", stop.text)
	}
	return nodes, nil
}

func (p *templateParser) errorf(t *tag, format string, args ...any) error {
	return &TemplateError{Line: lineAt(p.src, t.pos), Message: fmt.Sprintf(format, args...)}
}

// parse consumes nodes until a block continuation or closing tag, which it
// returns without consuming further.
func (p *templateParser) parse() ([]node, *tag, error) {
	var out []node
	for p.i < len(p.segs) {
		s := p.segs[p.i]
		p.i++
		if s.tag == nil {
			out = append(out, textNode{text: s.text})
			continue
		}
		t := s.tag
		switch {
		case t.text == "":
			return nil, nil, p.errorf(t, "empty expression")
		case strings.HasPrefix(t.text, "#if "):
			n, err := p.parseIf(t)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, n)
		case strings.HasPrefix(t.text, "#each "):
			n, err := p.parseEach(t)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, n)
		case strings.HasPrefix(t.text, "@html "):
			out = append(out, exprNode{expr: strings.TrimSpace(t.text[len("@html "):]), raw: true})
		case strings.HasPrefix(t.text, ":") || strings.HasPrefix(t.text, "/"):
			return out, t, nil
		case strings.HasPrefix(t.text, "#") || strings.HasPrefix(t.text, "@"):
			return nil, nil, p.errorf(t, "unknown block {%s}", t.text)
		default:
			out = append(out, exprNode{expr: t.text, quoteAttr: t.quoteAttr})
		}
	}
	return out, nil, nil
}

func (p *templateParser) parseIf(open *tag) (node, error) {
	n := ifNode{}
	cond := strings.TrimSpace(open.text[len("#if "):])
	for {
		body, stop, err := p.parse()
		if err != nil {
			return nil, err
		}
		if stop == nil {
			return nil, p.errorf(open, "unclosed {#if}")
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})
		switch {
		case stop.text == "/if":
			return n, nil
		case strings.HasPrefix(stop.text, ":else if "):
			cond = strings.TrimSpace(stop.text[len(":else if "):])
		case stop.text == ":else":
			elseBody, end, err := p.parse()
			if err != nil {
				return nil, err
			}
			if end == nil || end.text != "/if" {
				return nil, p.errorf(open, "expected {/if}")
			}
			n.elseBody = elseBody
			return n, nil
		default:
			return nil, p.errorf(stop, "unexpected {%s} in {#if}", stop.text)
		}
	}
}

func (p *templateParser) parseEach(open *tag) (node, error) {
	spec := strings.TrimSpace(open.text[len("#each "):])
	asAt := lastAs(spec)
	if asAt < 0 {
		return nil, p.errorf(open, "{#each} needs 'as': {#each list as item}")
	}
	n := eachNode{list: strings.TrimSpace(spec[:asAt])}
	binding := strings.TrimSpace(spec[asAt+len(" as "):])
	// Keyed form "(key)" is accepted and ignored: output is re-rendered whole.
	if k := strings.LastIndex(binding, "("); k > 0 && strings.HasSuffix(binding, ")") {
		binding = strings.TrimSpace(binding[:k])
	}
	n.pattern = binding
	if c := topLevelComma(binding); c >= 0 {
		n.pattern = strings.TrimSpace(binding[:c])
		n.index = strings.TrimSpace(binding[c+1:])
	}
	if n.list == "" || n.pattern == "" {
		return nil, p.errorf(open, "malformed {#each %s}", spec)
	}

	body, stop, err := p.parse()
	if err != nil {
		return nil, err
	}
	if stop == nil {
		return nil, p.errorf(open, "unclosed {#each}")
	}
	n.body = body
	if stop.text == ":else" {
		elseBody, end, err := p.parse()
		if err != nil {
			return nil, err
		}
		if end == nil || end.text != "/each" {
			return nil, p.errorf(open, "expected {/each}")
		}
		n.elseBody = elseBody
		return n, nil
	}
	if stop.text != "/each" {
		return nil, p.errorf(stop, "unexpected {%s} in {#each}", stop.text)
	}
	return n, nil
}

// lastAs finds " as " outside brackets and strings.
func lastAs(s string) int {
	at := -1
	for _, t := range lex(s) {
		if t.kind == tIdent && t.text == "as" {
			at = t.pos - 1
		}
	}
	if at < 0 || !strings.HasPrefix(s[at:], " as ") {
		return -1
	}
	return at
}

func topLevelComma(s string) int {
	depth := 0
	for _, t := range lex(s) {
		if t.kind != tPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ",":
			if depth == 0 {
				return t.pos
			}
		}
	}
	return -1
}

// generator emits the JavaScript statements of a render function.
type generator struct {
	b      strings.Builder
	depth  int
	idents []string
	seen   map[string]bool
	locals map[string]bool
}

func newGenerator() *generator {
	return &generator{seen: map[string]bool{}, locals: map[string]bool{}}
}

func (g *generator) use(expr string) {
	for _, id := range freeIdents(expr) {
		if !g.seen[id] {
			g.seen[id] = true
			g.idents = append(g.idents, id)
		}
	}
}

func (g *generator) emit(nodes []node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			fmt.Fprintf(&g.b, "$$out += %s;\n", strconv.Quote(n.text))
		case exprNode:
			g.use(n.expr)
			fn := "$$escape"
			if n.raw {
				fn = "$$raw"
			}
			if n.quoteAttr {
				fmt.Fprintf(&g.b, "$$out += '\"' + %s(%s) + '\"';\n", fn, n.expr)
			} else {
				fmt.Fprintf(&g.b, "$$out += %s(%s);\n", fn, n.expr)
			}
		case ifNode:
			for k, br := range n.branches {
				g.use(br.cond)
				if k == 0 {
					fmt.Fprintf(&g.b, "if (%s) {\n", br.cond)
				} else {
					fmt.Fprintf(&g.b, "} else if (%s) {\n", br.cond)
				}
				g.emit(br.body)
			}
			if n.elseBody != nil {
				g.b.WriteString("} else {\n")
				g.emit(n.elseBody)
			}
			g.b.WriteString("}\n")
		case eachNode:
			g.use(n.list)
			g.depth++
			l, i := fmt.Sprintf("$$l%d", g.depth), fmt.Sprintf("$$i%d", g.depth)
			fmt.Fprintf(&g.b, "{ const %s = $$list(%s);\n", l, n.list)
			fmt.Fprintf(&g.b, "for (let %s = 0; %s < %s.length; %s++) {\n", i, i, l, i)
			fmt.Fprintf(&g.b, "const %s = %s[%s];\n", n.pattern, l, i)
			for _, name := range patternNames(n.pattern) {
				g.locals[name] = true
			}
			if n.index != "" {
				fmt.Fprintf(&g.b, "const %s = %s;\n", n.index, i)
				g.locals[n.index] = true
			}
			g.emit(n.body)
			g.b.WriteString("}\n")
			if n.elseBody != nil {
				fmt.Fprintf(&g.b, "if (%s.length === 0) {\n", l)
				g.emit(n.elseBody)
				g.b.WriteString("}\n")
			}
			g.b.WriteString("}\n")
			g.depth--
		}
	}
}

// freeNames returns the identifiers the template reads that are not bound
// by a block, minus the given script bindings and well-known globals.
func (g *generator) freeNames(bound []string) []string {
	skip := map[string]bool{}
	for _, b := range bound {
		skip[b] = true
	}
	var out []string
	for _, id := range g.idents {
		if skip[id] || g.locals[id] || globals[id] {
			continue
		}
		out = append(out, id)
	}
	return out
}
