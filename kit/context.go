package kit

import (
	"context"

	"github.com/hazyhaar/atelier/idgen"
)

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	RequestIDKey contextKey = "kit_request_id"
	TraceIDKey   contextKey = "kit_trace_id"
	ProjectIDKey contextKey = "kit_project_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

// NewRequestID mints a "req_"-prefixed UUIDv7 request id.
var NewRequestID = idgen.Prefixed("req_", idgen.Default)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithProjectID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ProjectIDKey, id)
}
func GetProjectID(ctx context.Context) string {
	v, _ := ctx.Value(ProjectIDKey).(string)
	return v
}
