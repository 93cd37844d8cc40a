package compiler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/atelier/kit"
)

// RegisterMCP registers the atelier_compile tool.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "atelier_compile",
		Description: "Compile an atelier component (or page) and return its client module, CSS, and for static builds the rendered head and body HTML. Failures come back as an error object with kind compile, style, worker or render.",
		InputSchema: inputSchema(map[string]any{
			"source":        map[string]any{"description": "Component source text, or a page object {head?, sections:[{component, data}]}"},
			"static_build":  map[string]any{"type": "boolean", "description": "Render head/body HTML on the server (not cached)"},
			"props":         map[string]any{"type": "object", "description": "Props for the static render"},
			"content":       map[string]any{"type": "object", "description": "Content fields exposed through atelier:content"},
			"module_format": map[string]any{"type": "string", "enum": []any{"iife", "esm", "cjs"}},
			"css_mode":      map[string]any{"type": "string", "enum": []any{"injected", "external"}},
			"dev_mode":      map[string]any{"type": "boolean"},
		}, []string{"source"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Compile(ctx, req.(*Request)), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var args struct {
			Source       *Source        `json:"source"`
			StaticBuild  bool           `json:"static_build"`
			Props        map[string]any `json:"props"`
			Content      map[string]any `json:"content"`
			ModuleFormat string         `json:"module_format"`
			CSSMode      string         `json:"css_mode"`
			DevMode      bool           `json:"dev_mode"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		if args.Source == nil {
			return nil, errors.New("source is required")
		}
		return &kit.MCPDecodeResult{Request: &Request{
			Source:       *args.Source,
			StaticBuild:  args.StaticBuild,
			Props:        args.Props,
			Content:      args.Content,
			ModuleFormat: args.ModuleFormat,
			CSSMode:      args.CSSMode,
			DevMode:      args.DevMode,
		}}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(s.logger)(endpoint), decode)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
