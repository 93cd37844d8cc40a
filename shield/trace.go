package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/hazyhaar/atelier/idgen"
	"github.com/hazyhaar/atelier/kit"
)

type contextKey string

const loggerKey contextKey = "shield_logger"

// traceIDs mints the short ids echoed in X-Trace-ID.
var traceIDs = idgen.NanoID(10)

var tracePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TraceID tags each request with a trace id, reusing an incoming
// X-Trace-ID, and a request id, reusing an incoming X-Request-ID that
// holds a UUID. It attaches a request-scoped logger to the context.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if !tracePattern.MatchString(id) {
			id = traceIDs()
		}
		w.Header().Set("X-Trace-ID", id)
		reqID := r.Header.Get("X-Request-ID")
		if _, err := idgen.Parse(strings.TrimPrefix(reqID, "req_")); err != nil {
			reqID = kit.NewRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger := slog.Default().With("trace_id", id, "request_id", reqID, "method", r.Method, "path", r.URL.Path)
		ctx := kit.WithTraceID(r.Context(), id)
		ctx = kit.WithRequestID(ctx, reqID)
		ctx = context.WithValue(ctx, loggerKey, logger)
		logger.Debug("shield: request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger returns the request logger set by TraceID, or slog.Default.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
