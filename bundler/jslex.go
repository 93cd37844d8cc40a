package bundler

import (
	"strings"
)

type tokKind int

const (
	tIdent tokKind = iota
	tString
	tNumber
	tPunct
	tRegex
)

type token struct {
	kind    tokKind
	text    string
	pos     int  // byte offset in the scanned source
	newline bool // a line break precedes this token
}

// lex splits JavaScript source into tokens, dropping comments and
// whitespace. Template literal substitutions are lexed inline; the literal
// parts become string tokens. It is a scanner for binding analysis, not a
// validator: malformed input yields best-effort tokens, never an error.
func lex(src string) []token {
	var l lexer
	l.run(src, 0)
	return l.toks
}

type lexer struct {
	toks []token
	nl   bool
}

func (l *lexer) emit(kind tokKind, text string, pos int) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: pos, newline: l.nl})
	l.nl = false
}

// regexAllowed reports whether a '/' at this point starts a regex literal.
func (l *lexer) regexAllowed() bool {
	if len(l.toks) == 0 {
		return true
	}
	prev := l.toks[len(l.toks)-1]
	switch prev.kind {
	case tIdent:
		switch prev.text {
		case "return", "typeof", "instanceof", "in", "of", "new", "delete", "void", "throw", "case", "do", "else", "yield", "await":
			return true
		}
		return false
	case tString, tNumber, tRegex:
		return false
	case tPunct:
		return prev.text != ")" && prev.text != "]" && prev.text != "}"
	}
	return true
}

var puncts = []string{
	">>>=", "...", "===", "!==", "**=", "<<=", ">>=", ">>>", "&&=", "||=", "??=",
	"=>", "==", "!=", "<=", ">=", "&&", "||", "??", "?.", "++", "--", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "**", "<<", ">>",
}

func (l *lexer) run(src string, base int) {
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			l.nl = true
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
			} else {
				if strings.Contains(src[i:i+2+end], "\n") {
					l.nl = true
				}
				i += end + 4
			}
		case c == '"' || c == '\'':
			j := skipQuoted(src, i)
			l.emit(tString, src[i:j], base+i)
			i = j
		case c == '`':
			i = l.template(src, i, base)
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			l.emit(tIdent, src[i:j], base+i)
			i = j
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9'):
			j := i + 1
			for j < len(src) && (isIdentPart(src[j]) || src[j] == '.') {
				j++
			}
			l.emit(tNumber, src[i:j], base+i)
			i = j
		case c == '/' && l.regexAllowed():
			j := skipRegex(src, i)
			l.emit(tRegex, src[i:j], base+i)
			i = j
		default:
			p := string(c)
			for _, cand := range puncts {
				if strings.HasPrefix(src[i:], cand) {
					p = cand
					break
				}
			}
			// "?." followed by a digit is a ternary, not optional chaining.
			if p == "?." && i+2 < len(src) && src[i+2] >= '0' && src[i+2] <= '9' {
				p = "?"
			}
			l.emit(tPunct, p, base+i)
			i += len(p)
		}
	}
}

// template lexes a template literal starting at src[i] == '`' and returns
// the offset just past it.
func (l *lexer) template(src string, i, base int) int {
	start := i
	i++
	for i < len(src) {
		switch src[i] {
		case '\\':
			i += 2
		case '`':
			l.emit(tString, src[start:i+1], base+start)
			return i + 1
		case '$':
			if i+1 < len(src) && src[i+1] == '{' {
				l.emit(tString, src[start:i], base+start)
				end := matchBrace(src, i+1)
				l.emit(tPunct, "(", base+i)
				l.run(src[i+2:end], base+i+2)
				l.emit(tPunct, ")", base+end)
				i = end + 1
				start = i
				continue
			}
			i++
		default:
			i++
		}
	}
	l.emit(tString, src[start:], base+start)
	return len(src)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// skipQuoted returns the offset just past the quoted string at src[i].
func skipQuoted(src string, i int) int {
	q := src[i]
	i++
	for i < len(src) {
		switch src[i] {
		case '\\':
			i += 2
			continue
		case q:
			return i + 1
		case '\n':
			return i
		}
		i++
	}
	return len(src)
}

func skipRegex(src string, i int) int {
	i++
	inClass := false
	for i < len(src) {
		switch src[i] {
		case '\\':
			i += 2
			continue
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '/':
			if !inClass {
				i++
				for i < len(src) && isIdentPart(src[i]) {
					i++
				}
				return i
			}
		case '\n':
			return i
		}
		i++
	}
	return len(src)
}

// matchBrace returns the offset of the '}' closing the '{' at src[open],
// skipping strings, template literals and comments. It returns len(src)
// when unbalanced.
func matchBrace(src string, open int) int {
	depth := 0
	for i := open; i < len(src); i++ {
		switch c := src[i]; c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		case '"', '\'':
			i = skipQuoted(src, i) - 1
		case '`':
			i = skipTemplate(src, i) - 1
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
			} else if i+1 < len(src) && src[i+1] == '*' {
				if end := strings.Index(src[i+2:], "*/"); end >= 0 {
					i += end + 3
				} else {
					return len(src)
				}
			}
		}
	}
	return len(src)
}

func skipTemplate(src string, i int) int {
	i++
	for i < len(src) {
		switch src[i] {
		case '\\':
			i += 2
			continue
		case '`':
			return i + 1
		case '$':
			if i+1 < len(src) && src[i+1] == '{' {
				i = matchBrace(src, i+1) + 1
				continue
			}
		}
		i++
	}
	return len(src)
}

var reserved = toSet(`break case catch class const continue debugger default delete do else
export extends false finally for function if import in instanceof new null return super
switch this throw true try typeof var void while with yield let static await async of
get set enum implements interface package private protected public arguments eval`)

var globals = toSet(`undefined NaN Infinity globalThis window document console Math JSON Date
Number String Boolean Array Object Symbol BigInt RegExp Error TypeError RangeError Map Set
WeakMap WeakSet Promise Intl parseInt parseFloat isNaN isFinite encodeURIComponent
decodeURIComponent encodeURI decodeURI location history navigator setTimeout clearTimeout
setInterval clearInterval queueMicrotask structuredClone fetch`)

func toSet(words string) map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		m[w] = true
	}
	return m
}

// freeIdents returns the identifiers expr reads from its enclosing scope,
// in first-use order. Member names, object literal keys and arrow function
// parameters are excluded. Parameters are not scoped: a name used as an
// arrow parameter anywhere in expr is never reported.
func freeIdents(expr string) []string {
	toks := lex(expr)
	var stack []string
	seen := arrowParams(toks)
	var out []string
	for i, t := range toks {
		if t.kind == tPunct {
			switch t.text {
			case "(", "[", "{":
				stack = append(stack, t.text)
			case ")", "]", "}":
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
			}
			continue
		}
		if t.kind != tIdent || reserved[t.text] || strings.HasPrefix(t.text, "$$") {
			continue
		}
		if i > 0 && toks[i-1].kind == tPunct && (toks[i-1].text == "." || toks[i-1].text == "?.") {
			continue
		}
		if i+1 < len(toks) && toks[i+1].kind == tPunct {
			next := toks[i+1].text
			if next == "=>" {
				continue
			}
			if next == ":" && len(stack) > 0 && stack[len(stack)-1] == "{" &&
				i > 0 && toks[i-1].kind == tPunct && (toks[i-1].text == "{" || toks[i-1].text == ",") {
				continue
			}
		}
		if !seen[t.text] {
			seen[t.text] = true
			out = append(out, t.text)
		}
	}
	return out
}

// arrowParams collects the parameter names of arrow functions in toks.
func arrowParams(toks []token) map[string]bool {
	params := map[string]bool{}
	for i, t := range toks {
		if t.kind != tPunct || t.text != "=>" || i == 0 {
			continue
		}
		prev := toks[i-1]
		if prev.kind == tIdent {
			params[prev.text] = true
			continue
		}
		if prev.kind != tPunct || prev.text != ")" {
			continue
		}
		depth := 0
		for j := i - 1; j >= 0; j-- {
			if toks[j].kind == tPunct {
				switch toks[j].text {
				case ")", "]", "}":
					depth++
				case "(", "[", "{":
					depth--
				}
				if depth == 0 {
					for _, n := range patternNames(tokText(toks[j : i-1])) {
						params[n] = true
					}
					break
				}
			}
		}
	}
	return params
}

func tokText(toks []token) string {
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.text)
		b.WriteByte(' ')
	}
	return b.String()
}

// patternNames returns the names bound by a destructuring pattern or a
// plain identifier ("item", "{ title, id: key }", "[a, b]").
func patternNames(pattern string) []string {
	toks := lex(pattern)
	var out []string
	for i, t := range toks {
		if t.kind != tIdent || reserved[t.text] {
			continue
		}
		// "{ id: key }" binds key, not id.
		if i+1 < len(toks) && toks[i+1].kind == tPunct && toks[i+1].text == ":" {
			continue
		}
		// Skip default-value expressions' member accesses.
		if i > 0 && toks[i-1].kind == tPunct && toks[i-1].text == "." {
			continue
		}
		out = append(out, t.text)
	}
	return out
}
