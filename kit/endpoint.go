// Package kit holds the transport-agnostic endpoint shape shared by the HTTP
// and MCP surfaces, plus request-scoped context helpers.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is a typed request handler independent of its transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs each call with the transport, request id and project found
// in its context.
func Logging(logger *slog.Logger) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"transport", GetTransport(ctx),
				"request_id", GetRequestID(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if p := GetProjectID(ctx); p != "" {
				attrs = append(attrs, "project", p)
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "kit: endpoint ok", attrs...)
			}
			return resp, err
		}
	}
}
