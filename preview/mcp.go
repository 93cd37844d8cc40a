package preview

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/atelier/compiler"
	"github.com/hazyhaar/atelier/ephemeral"
	"github.com/hazyhaar/atelier/kit"
	"github.com/hazyhaar/atelier/sandbox"
)

// statusLogs is how many trailing console entries the status tool returns.
const statusLogs = 20

var markdown = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// PreviewStatus is the assistant's view of a preview.
type PreviewStatus struct {
	Project      string               `json:"project"`
	Generation   uint64               `json:"generation"`
	State        sandbox.State        `json:"state"`
	Path         string               `json:"path"`
	LastError    *sandbox.Error       `json:"lastError,omitempty"`
	CompileError *compiler.Error      `json:"compileError,omitempty"`
	Logs         []ephemeral.LogEntry `json:"logs"`
	// Body is the rendered preview as Markdown.
	Body string `json:"body"`
}

// Markdown converts a rendered fragment for the assistant. Conversion
// failures fall back to the fragment's visible text.
func Markdown(fragment string) string {
	md, err := markdown.ConvertString(fragment)
	if err != nil {
		return sandbox.Text(fragment)
	}
	return md
}

// RegisterMCP registers atelier_preview_update and atelier_preview_status,
// plus the compiler's atelier_compile.
func (h *Host) RegisterMCP(srv *mcp.Server) {
	h.compiler.RegisterMCP(srv)
	logged := kit.Chain(kit.Logging(h.logger))

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "atelier_preview_update",
		Description: "Apply an edit to a live preview: compile new component source and mount it, and/or replace design-token CSS, fonts, content fields or data. Returns the update generation and any compile or style error.",
		InputSchema: inputSchema(map[string]any{
			"project": map[string]any{"type": "string", "description": "Project id, created with PUT /api/projects/{id}"},
			"source":  map[string]any{"description": "Component source text, or a page object {head?, sections:[{component, data}]}"},
			"props":   map[string]any{"type": "object"},
			"css":     map[string]any{"type": "string", "description": "Design-token stylesheet"},
			"fonts":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Font stylesheet URLs"},
			"content": map[string]any{"type": "object", "description": "Content fields exposed through atelier:content"},
			"data":    map[string]any{"type": "object", "description": "Props update for the mounted instance, no remount"},
		}, []string{"project"}),
	}, logged(func(ctx context.Context, req any) (any, error) {
		r := req.(*updateArgs)
		return h.Update(ctx, r.Project, r.Update)
	}), func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var args updateArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		if args.Project == "" {
			return nil, errors.New("project is required")
		}
		return &kit.MCPDecodeResult{
			Request:   &args,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithProjectID(ctx, args.Project) },
		}, nil
	})

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "atelier_preview_status",
		Description: "Report a live preview: sandbox state, current path, last runtime or mount error, last compile error, recent console logs and the rendered body as Markdown.",
		InputSchema: inputSchema(map[string]any{
			"project": map[string]any{"type": "string"},
		}, []string{"project"}),
	}, logged(func(ctx context.Context, req any) (any, error) {
		return h.previewStatus(ctx, kit.GetProjectID(ctx))
	}), func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var args struct {
			Project string `json:"project"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		if args.Project == "" {
			return nil, errors.New("project is required")
		}
		return &kit.MCPDecodeResult{
			Request:   args.Project,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithProjectID(ctx, args.Project) },
		}, nil
	})
}

type updateArgs struct {
	Project string `json:"project"`
	Update
}

func (h *Host) previewStatus(ctx context.Context, id string) (*PreviewStatus, error) {
	st, err := h.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	logs := st.Sandbox.Logs
	if len(logs) > statusLogs {
		logs = logs[len(logs)-statusLogs:]
	}
	if logs == nil {
		logs = []ephemeral.LogEntry{}
	}
	return &PreviewStatus{
		Project:      id,
		Generation:   st.Generation,
		State:        st.Sandbox.State,
		Path:         st.Sandbox.Path,
		LastError:    st.Sandbox.LastError,
		CompileError: st.CompileError,
		Logs:         logs,
		Body:         Markdown(st.Sandbox.Body),
	}, nil
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
