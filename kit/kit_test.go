package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) { return nil, errFail }
	noop := func(next Endpoint) Endpoint { return next }

	if _, err := Chain(noop)(base)(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContext_Defaults(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("default transport: got %q, want %q", v, "http")
	}
	if v := GetProjectID(ctx); v != "" {
		t.Fatalf("project default: got %q", v)
	}
	ctx = WithProjectID(WithTraceID(ctx, "trc_1"), "p1")
	if v := GetTraceID(ctx); v != "trc_1" {
		t.Fatalf("trace_id: got %q", v)
	}
	if v := GetProjectID(ctx); v != "p1" {
		t.Fatalf("project_id: got %q", v)
	}
}

func TestRegisterMCPTool(t *testing.T) {
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)

	type echoRequest struct {
		Text string `json:"text"`
	}
	var transport, requestID string
	RegisterMCPTool(srv, &mcp.Tool{
		Name:        "echo",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
	}, func(ctx context.Context, req any) (any, error) {
		transport = GetTransport(ctx)
		requestID = GetRequestID(ctx)
		r := req.(*echoRequest)
		if r.Text == "" {
			return nil, errors.New("empty text")
		}
		return map[string]string{"echo": r.Text}, nil
	}, func(req *mcp.CallToolRequest) (*MCPDecodeResult, error) {
		var r echoRequest
		if err := jsonUnmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &MCPDecodeResult{Request: &r}, nil
	})

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content: got %T", res.Content[0])
	}
	if tc.Text != `{"echo":"hi"}` {
		t.Errorf("text: got %q, want %q", tc.Text, `{"echo":"hi"}`)
	}
	if transport != "mcp" {
		t.Errorf("transport: got %q, want %q", transport, "mcp")
	}
	if !strings.HasPrefix(requestID, "req_") {
		t.Errorf("request id: got %q, want a req_ id", requestID)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": ""}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("expected tool error for empty text")
	}
}

func jsonUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ep := Logging(logger)(func(ctx context.Context, req any) (any, error) {
		if req == "bad" {
			return nil, errors.New("nope")
		}
		return req, nil
	})

	ctx := WithProjectID(WithRequestID(WithTransport(context.Background(), "mcp"), "req_1"), "p1")
	ep(ctx, "ok")
	ep(ctx, "bad")
	out := buf.String()
	for _, want := range []string{"kit: endpoint ok", "kit: endpoint failed", "transport=mcp", "request_id=req_1", "project=p1", "error=nope"} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %q:\n%s", want, out)
		}
	}
}
