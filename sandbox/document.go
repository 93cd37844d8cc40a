package sandbox

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Head element ids owned by the sandbox.
const (
	VarsStyleID = "atelier-vars"
	CSSStyleID  = "atelier-css"
	fontAttr    = "data-atelier-font"
)

// document is the preview page held by the actor: the #app root markup and
// the head parts each host event replaces.
type document struct {
	vars  string
	fonts []string
	css   string
	head  string
	root  string
}

// headHTML renders the managed head in a fixed order: design tokens, font
// links, component CSS, component head markup.
func (d *document) headHTML() (string, error) {
	var nodes []*html.Node
	if d.vars != "" {
		nodes = append(nodes, styleNode(VarsStyleID, d.vars))
	}
	for _, href := range d.fonts {
		nodes = append(nodes, &html.Node{
			Type:     html.ElementNode,
			Data:     "link",
			DataAtom: atom.Link,
			Attr: []html.Attribute{
				{Key: "rel", Val: "stylesheet"},
				{Key: "href", Val: href},
				{Key: fontAttr, Val: ""},
			},
		})
	}
	if d.css != "" {
		nodes = append(nodes, styleNode(CSSStyleID, d.css))
	}
	if strings.TrimSpace(d.head) != "" {
		parsed, err := html.ParseFragment(strings.NewReader(d.head), &html.Node{
			Type:     html.ElementNode,
			Data:     "head",
			DataAtom: atom.Head,
		})
		if err != nil {
			return "", fmt.Errorf("sandbox: parse head: %w", err)
		}
		nodes = append(nodes, parsed...)
	}

	var b strings.Builder
	for _, n := range nodes {
		if err := html.Render(&b, n); err != nil {
			return "", fmt.Errorf("sandbox: render head: %w", err)
		}
	}
	return b.String(), nil
}

func styleNode(id, css string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "style",
		DataAtom: atom.Style,
		Attr:     []html.Attribute{{Key: "id", Val: id}},
	}
	// Style text is rendered raw.
	css = strings.ReplaceAll(css, "</style", `<\/style`)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return n
}

// RenderDocument produces a complete HTML page from a snapshot. The markup
// is parsed and re-serialised so the result is well formed.
func RenderDocument(snap Snapshot) (string, error) {
	var src strings.Builder
	src.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8">`)
	src.WriteString(snap.Head)
	src.WriteString(`</head><body><div id="app">`)
	src.WriteString(snap.Body)
	src.WriteString(`</div></body></html>`)

	doc, err := html.Parse(strings.NewReader(src.String()))
	if err != nil {
		return "", fmt.Errorf("sandbox: parse document: %w", err)
	}
	var out strings.Builder
	if err := html.Render(&out, doc); err != nil {
		return "", fmt.Errorf("sandbox: render document: %w", err)
	}
	return out.String(), nil
}

// Text returns the visible text of an HTML fragment with runs of
// whitespace collapsed.
func Text(fragment string) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
