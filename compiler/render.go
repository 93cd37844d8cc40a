package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/atelier/bundler"
	"github.com/hazyhaar/atelier/ephemeral"
)

// render loads the server module into a fresh VM, calls render(props) and
// disposes the VM before returning.
func (s *Service) render(ctx context.Context, module string, props, content map[string]any, records map[string][]any) (*HTML, error) {
	prelude, err := renderPrelude(content, records)
	if err != nil {
		return nil, err
	}
	m, err := s.loader.Load(ctx, module,
		ephemeral.WithGlobal(bundler.ServerGlobal),
		ephemeral.WithPrelude(prelude),
	)
	if err != nil {
		return nil, fmt.Errorf("load server module: %w", err)
	}
	defer m.Dispose()

	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode props: %w", err)
	}
	out, err := m.Call(ctx, "render", string(propsJSON))
	if err != nil {
		return nil, err
	}
	var h HTML
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		return nil, fmt.Errorf("decode render output: %w", err)
	}
	return &h, nil
}

// renderPrelude seeds the globals read by the atelier:content and
// atelier:data modules during a static render.
func renderPrelude(content map[string]any, records map[string][]any) (string, error) {
	if content == nil {
		content = map[string]any{}
	}
	if records == nil {
		records = map[string][]any{}
	}
	c, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	r, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode records: %w", err)
	}
	return "globalThis.__atelier_content = " + string(c) + ";\nglobalThis.__atelier_static_records = " + string(r) + ";", nil
}

var headPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements("meta", "link", "base")
	p.AllowAttrs("name", "property", "content", "charset").OnElements("meta")
	p.AllowAttrs("rel", "href", "type", "sizes", "media", "hreflang", "crossorigin", "as").OnElements("link")
	p.AllowAttrs("href", "target").OnElements("base")
	return p
}()

// buildHead assembles the static head: page metadata first, then the
// components' head markup, then the stylesheet.
func buildHead(meta *HeadMetadata, componentHead, css string) string {
	var b strings.Builder
	if meta != nil {
		if meta.Title != "" {
			fmt.Fprintf(&b, "<title>%s</title>", html.EscapeString(meta.Title))
		}
		if meta.Description != "" {
			fmt.Fprintf(&b, `<meta name="description" content="%s">`, html.EscapeString(meta.Description))
		}
		for _, m := range meta.Meta {
			attr, key := "name", m.Name
			if m.Property != "" {
				attr, key = "property", m.Property
			}
			if key == "" {
				continue
			}
			fmt.Fprintf(&b, `<meta %s="%s" content="%s">`, attr, html.EscapeString(key), html.EscapeString(m.Content))
		}
		for _, l := range meta.Links {
			if l.Rel == "" || l.Href == "" {
				continue
			}
			b.WriteString(headPolicy.Sanitize(fmt.Sprintf(`<link rel="%s" href="%s" type="%s">`,
				html.EscapeString(l.Rel), html.EscapeString(l.Href), html.EscapeString(l.Type))))
		}
		if meta.Raw != "" {
			b.WriteString(headPolicy.Sanitize(meta.Raw))
		}
	}
	b.WriteString(componentHead)
	if css != "" {
		b.WriteString("<style>")
		b.WriteString(strings.ReplaceAll(css, "</style", `<\/style`))
		b.WriteString("</style>")
	}
	return b.String()
}
