package bundler

import (
	"fmt"
	"strings"
)

// scriptInfo is the result of analysing a component's <script> block.
type scriptInfo struct {
	imports  []string // import statements, hoisted to module scope
	body     string   // instance code with imports removed and props rewritten
	bindings []string // names declared at the script's top level (imports included)
	props    []string // names declared with "export let"
}

// allowedImports lists the only module specifiers a component may import.
var allowedImports = map[string]bool{
	"atelier:data":    true,
	"atelier:content": true,
	"atelier:runtime": true,
}

// analyzeScript splits imports from instance code, rewrites
// "export let x = d" into a prop read, and collects top-level bindings.
func analyzeScript(src string) (*scriptInfo, error) {
	info := &scriptInfo{}
	toks := lex(src)

	type edit struct {
		start, end int
		repl       string
	}
	var edits []edit
	seen := map[string]bool{}
	bind := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				info.bindings = append(info.bindings, n)
			}
		}
	}

	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tPunct {
			switch t.text {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				depth--
			}
			continue
		}
		if depth != 0 || t.kind != tIdent {
			continue
		}
		switch t.text {
		case "import":
			if i+1 < len(toks) && toks[i+1].kind == tPunct && (toks[i+1].text == "(" || toks[i+1].text == ".") {
				continue
			}
			end, spec, names, err := scanImport(src, toks, i)
			if err != nil {
				return nil, err
			}
			if !allowedImports[spec] {
				return nil, fmt.Errorf("unsupported import %q: components may only import atelier:data, atelier:content or atelier:runtime", spec)
			}
			info.imports = append(info.imports, strings.TrimSpace(src[t.pos:end]))
			edits = append(edits, edit{t.pos, end, preserveNewlines(src[t.pos:end])})
			bind(names...)
			for i+1 < len(toks) && toks[i+1].pos < end {
				i++
			}
		case "export":
			if i+1 >= len(toks) {
				continue
			}
			next := toks[i+1]
			if next.kind == tIdent && next.text == "let" {
				decls, end := scanDeclarators(src, toks, i+2)
				var b strings.Builder
				for k, d := range decls {
					if k > 0 {
						b.WriteString(" ")
					}
					init := "undefined"
					if d.init != "" {
						init = "(" + d.init + ")"
					}
					fmt.Fprintf(&b, "let %s = (\"%s\" in $$props) ? $$props.%s : %s;", d.name, d.name, d.name, init)
					info.props = append(info.props, d.name)
					bind(d.name)
				}
				repl := b.String() + trailingNewlines(src[t.pos:end], b.String())
				edits = append(edits, edit{t.pos, end, repl})
				for i+1 < len(toks) && toks[i+1].pos < end {
					i++
				}
			} else {
				// export const / function / class: instance-local.
				edits = append(edits, edit{t.pos, next.pos, ""})
			}
		case "let", "const", "var":
			decls, _ := scanDeclarators(src, toks, i+1)
			for _, d := range decls {
				bind(d.names...)
			}
		case "function", "class":
			j := i + 1
			if j < len(toks) && toks[j].kind == tPunct && toks[j].text == "*" {
				j++
			}
			if j < len(toks) && toks[j].kind == tIdent {
				bind(toks[j].text)
			}
		}
	}

	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(src[last:e.start])
		b.WriteString(e.repl)
		last = e.end
	}
	b.WriteString(src[last:])
	info.body = b.String()
	return info, nil
}

// scanImport reads the import statement starting at toks[i] and returns the
// byte offset just past it, the module specifier and the local bindings.
func scanImport(src string, toks []token, i int) (int, string, []string, error) {
	var names []string
	j := i + 1
	for ; j < len(toks); j++ {
		t := toks[j]
		if t.kind == tString {
			end := t.pos + len(t.text)
			if j+1 < len(toks) && toks[j+1].kind == tPunct && toks[j+1].text == ";" {
				end = toks[j+1].pos + 1
			}
			return end, strings.Trim(t.text, `"'`), names, nil
		}
		if t.kind != tIdent || t.text == "from" || t.text == "type" {
			continue
		}
		// "a as b" binds b; "* as ns" binds ns.
		if j+1 < len(toks) && toks[j+1].kind == tIdent && toks[j+1].text == "as" {
			continue
		}
		if t.text == "as" {
			continue
		}
		names = append(names, t.text)
	}
	return 0, "", nil, fmt.Errorf("unterminated import at offset %d", toks[i].pos)
}

type declarator struct {
	name  string   // set for a plain identifier
	names []string // all bound names (pattern aware)
	init  string   // initializer source, trimmed
}

var statementStarts = toSet("let const var function class if for while do return export import switch try throw")

// scanDeclarators parses "a = 1, { b, c } = obj" starting at toks[i] and
// returns the declarators and the byte offset just past the declaration
// (including a trailing ';').
func scanDeclarators(src string, toks []token, i int) ([]declarator, int) {
	var out []declarator
	end := len(src)
	for i < len(toks) {
		var d declarator
		t := toks[i]
		switch {
		case t.kind == tIdent:
			d.name = t.text
			d.names = []string{t.text}
			i++
		case t.kind == tPunct && (t.text == "{" || t.text == "["):
			close := matchTok(toks, i)
			stop := len(src)
			if close+1 < len(toks) {
				stop = toks[close+1].pos
			}
			d.names = patternNames(src[t.pos:stop])
			i = close + 1
		default:
			return out, t.pos
		}

		if i < len(toks) && toks[i].kind == tPunct && toks[i].text == "=" {
			initStart := toks[i].pos + 1
			i++
			depth := 0
			for i < len(toks) {
				t := toks[i]
				if t.kind == tPunct {
					switch t.text {
					case "(", "[", "{":
						depth++
					case ")", "]", "}":
						depth--
					}
					if depth < 0 || (depth == 0 && (t.text == "," || t.text == ";")) {
						break
					}
				}
				if depth == 0 && t.newline && t.kind == tIdent && statementStarts[t.text] {
					break
				}
				i++
			}
			initEnd := len(src)
			if i < len(toks) {
				initEnd = toks[i].pos
			}
			d.init = strings.TrimSpace(src[initStart:initEnd])
		}
		out = append(out, d)

		if i < len(toks) && toks[i].kind == tPunct && toks[i].text == "," {
			i++
			continue
		}
		if i < len(toks) && toks[i].kind == tPunct && toks[i].text == ";" {
			end = toks[i].pos + 1
		} else if i < len(toks) {
			end = toks[i].pos
		}
		break
	}
	return out, end
}

// matchTok returns the index of the token closing the bracket at toks[i].
func matchTok(toks []token, i int) int {
	depth := 0
	for j := i; j < len(toks); j++ {
		if toks[j].kind != tPunct {
			continue
		}
		switch toks[j].text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(toks) - 1
}

func preserveNewlines(s string) string {
	return strings.Repeat("\n", strings.Count(s, "\n"))
}

// trailingNewlines pads repl so the rewritten code keeps the original line
// count, which keeps error positions mappable to the source.
func trailingNewlines(orig, repl string) string {
	n := strings.Count(orig, "\n") - strings.Count(repl, "\n")
	if n <= 0 {
		return ""
	}
	return strings.Repeat("\n", n)
}
