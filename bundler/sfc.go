package bundler

import (
	"fmt"
	"regexp"
	"strings"
)

// Component is a parsed single-file component.
type Component struct {
	Script     string   // <script> content, empty when absent
	ScriptLine int      // 1-based source line where the script content starts
	Styles     []string // <style> contents in source order
	Head       string   // <atelier:head> markup
	Markup     string   // everything else, trimmed
	MarkupLine int      // 1-based source line where Markup starts
}

// HasLogic reports whether the component carries executable code and so
// needs hydration wiring on the client.
func (c *Component) HasLogic() bool {
	return strings.TrimSpace(c.Script) != ""
}

// Style returns the component's style blocks joined in order.
func (c *Component) Style() string {
	return strings.Join(c.Styles, "\n")
}

var blockRe = regexp.MustCompile(`(?is)<(script|style|atelier:head)(\s[^>]*)?>(.*?)</(script|style|atelier:head)\s*>`)

var unclosedRe = regexp.MustCompile(`(?i)<(script|style)[\s>]`)

// Parse splits a component source into its blocks. Only top-level blocks
// are extracted; at most one script and one head block are allowed.
func Parse(source string) (*Component, error) {
	c := &Component{}
	var markup strings.Builder
	last := 0
	for _, m := range blockRe.FindAllStringSubmatchIndex(source, -1) {
		open := strings.ToLower(source[m[2]:m[3]])
		closing := strings.ToLower(source[m[8]:m[9]])
		if open != closing {
			return nil, fmt.Errorf("mismatched <%s> closed by </%s> at line %d", open, closing, lineAt(source, m[0]))
		}
		content := source[m[6]:m[7]]
		switch open {
		case "script":
			if c.Script != "" {
				return nil, fmt.Errorf("duplicate <script> block at line %d", lineAt(source, m[0]))
			}
			c.Script = content
			c.ScriptLine = lineAt(source, m[6])
		case "style":
			c.Styles = append(c.Styles, content)
		case "atelier:head":
			if c.Head != "" {
				return nil, fmt.Errorf("duplicate <atelier:head> block at line %d", lineAt(source, m[0]))
			}
			c.Head = content
		}
		markup.WriteString(source[last:m[0]])
		markup.WriteString(preserveNewlines(source[m[0]:m[1]]))
		last = m[1]
	}
	markup.WriteString(source[last:])
	full := markup.String()
	trimmed := strings.TrimLeft(full, " \t\r\n")
	c.MarkupLine = lineAt(full, len(full)-len(trimmed))
	c.Markup = strings.TrimSpace(trimmed)

	if m := unclosedRe.FindStringSubmatch(c.Markup); m != nil {
		return nil, fmt.Errorf("unclosed <%s> block", strings.ToLower(m[1]))
	}
	return c, nil
}

func lineAt(s string, offset int) int {
	return strings.Count(s[:offset], "\n") + 1
}
