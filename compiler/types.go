package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/atelier/bundler"
)

// ErrorKind classifies a failed compile.
type ErrorKind string

const (
	KindCompile ErrorKind = "compile" // the source does not compile
	KindStyle   ErrorKind = "style"   // the style text does not parse
	KindWorker  ErrorKind = "worker"  // the worker pool failed or returned nothing
	KindRender  ErrorKind = "render"  // the server render threw
)

// Section is one component of a page with its prepared data.
type Section struct {
	Component string         `json:"component"`
	Data      map[string]any `json:"data,omitempty"`
}

// Page is an ordered list of sections with an optional head section.
type Page struct {
	Head     *Section  `json:"head,omitempty"`
	Sections []Section `json:"sections"`
}

// Source is either a single component text or a page. It encodes as a JSON
// string or object respectively.
type Source struct {
	Text string
	Page *Page
}

// Text returns a single-component Source.
func Text(component string) Source { return Source{Text: component} }

// PageSource returns a page Source.
func PageSource(p Page) Source { return Source{Page: &p} }

func (s Source) MarshalJSON() ([]byte, error) {
	if s.Page != nil {
		return json.Marshal(s.Page)
	}
	return json.Marshal(s.Text)
}

func (s *Source) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var p Page
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*s = Source{Page: &p}
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("source must be a string or a page object: %w", err)
	}
	*s = Source{Text: text}
	return nil
}

// components returns the section sources in order and the head source.
func (s Source) components() (sections []string, head string) {
	if s.Page == nil {
		return []string{s.Text}, ""
	}
	for _, sec := range s.Page.Sections {
		sections = append(sections, sec.Component)
	}
	if s.Page.Head != nil {
		head = s.Page.Head.Component
	}
	return sections, head
}

func (s Source) empty() bool {
	sections, head := s.components()
	for _, c := range sections {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return strings.TrimSpace(head) == ""
}

// HeadMetadata is page-level head content rendered before component heads.
type HeadMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Meta        []Meta `json:"meta,omitempty"`
	Links       []Link `json:"links,omitempty"`
	// Raw is extra head markup; it is sanitised to meta, link and base
	// elements.
	Raw string `json:"raw,omitempty"`
}

type Meta struct {
	Name     string `json:"name,omitempty"`
	Property string `json:"property,omitempty"`
	Content  string `json:"content"`
}

type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// Request is a compile request. Props, Content and Records only feed the
// static render and never take part in the cache key.
type Request struct {
	Source         Source        `json:"source"`
	HeadMetadata   *HeadMetadata `json:"headMetadata,omitempty"`
	StaticBuild    bool          `json:"staticBuild,omitempty"`
	CSSMode        string        `json:"cssMode,omitempty"`
	ModuleFormat   string        `json:"moduleFormat,omitempty"`
	DevMode        bool          `json:"devMode,omitempty"`
	Sourcemaps     bool          `json:"sourcemaps,omitempty"`
	RuntimeSymbols []string      `json:"runtimeSymbols,omitempty"`

	Props   map[string]any   `json:"props,omitempty"`
	Content map[string]any   `json:"content,omitempty"`
	Records map[string][]any `json:"records,omitempty"`
}

// HTML is the server-rendered markup of a static build.
type HTML struct {
	Head string `json:"head"`
	Body string `json:"body"`
}

// Error is the failure payload of a Result.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	File    string    `json:"file,omitempty"`
	Rule    string    `json:"rule,omitempty"`
	Line    int       `json:"line,omitempty"`
	Column  int       `json:"column,omitempty"`
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s error at %d:%d: %s", e.Kind, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Partial carries the outputs that were produced independently of a failed
// render.
type Partial struct {
	ClientModule string `json:"clientModule,omitempty"`
	CSS          string `json:"css,omitempty"`
}

// Result is exactly one of a success shape (HTML set for static builds) or
// Error, optionally with Partial. Results are shared between callers and
// must not be mutated.
type Result struct {
	HTML         *HTML    `json:"html,omitempty"`
	ClientModule string   `json:"clientModule,omitempty"`
	CSS          string   `json:"css,omitempty"`
	Error        *Error   `json:"error,omitempty"`
	Partial      *Partial `json:"partial,omitempty"`
	// Degraded is set when the style worker was unavailable and CSS was
	// dropped. Such results are never cached.
	Degraded bool `json:"degraded,omitempty"`
}

// OK reports whether r is a success shape.
func (r *Result) OK() bool { return r != nil && r.Error == nil }

func failure(kind ErrorKind, msg string) *Result {
	return &Result{Error: &Error{Kind: kind, Message: msg}}
}

// PageProps projects page section data into the prop map a page module
// expects: non-empty section data under "component_<i>_props" and head data
// under "head_props". Entries already present in base win.
func PageProps(p *Page, base map[string]any) map[string]any {
	props := make(map[string]any, len(base))
	if p != nil {
		for i, sec := range p.Sections {
			if len(sec.Data) > 0 {
				props[fmt.Sprintf("component_%d_props", i)] = sec.Data
			}
		}
		if p.Head != nil && len(p.Head.Data) > 0 {
			props["head_props"] = p.Head.Data
		}
	}
	for k, v := range base {
		props[k] = v
	}
	return props
}

// runtimeSymbols returns the requested entry points, or the derived default:
// mount only for markup, mount and hydrate when any component has logic.
func runtimeSymbols(req *Request) []string {
	if len(req.RuntimeSymbols) > 0 {
		return req.RuntimeSymbols
	}
	sections, head := req.Source.components()
	if head != "" {
		sections = append(sections, head)
	}
	if bundler.HasLogic(sections...) {
		return []string{bundler.SymbolMount, bundler.SymbolHydrate}
	}
	return []string{bundler.SymbolMount}
}
