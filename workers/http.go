package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxResponseBody caps how much of a remote worker response is read (32 MiB,
// enough for a sourcemapped dev bundle).
const maxResponseBody int64 = 32 << 20

// HTTPTransport returns a Handler that POSTs the payload to endpoint and the
// close function releasing its idle connections.
func HTTPTransport(endpoint string, timeout time.Duration) (Handler, func()) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("workers/http: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("workers/http: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
		if err != nil {
			return nil, fmt.Errorf("workers/http: read response: %w", err)
		}
		if int64(len(body)) > maxResponseBody {
			return nil, fmt.Errorf("workers/http: response exceeds %d bytes", maxResponseBody)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("workers/http: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		return body, nil
	}
	return h, client.CloseIdleConnections
}

// Routes exposes the pool's handlers as POST /{name} so another atelier
// process can use this one as its remote compile worker.
func (p *Pool) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/{name}", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := p.Dispatch(r.Context(), chi.URLParam(r, "name"), payload)
		if err != nil {
			status := http.StatusInternalServerError
			var nf *ErrHandlerNotFound
			switch {
			case errors.As(err, &nf):
				status = http.StatusNotFound
			case errors.Is(err, ErrUnavailable):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})
	return r
}
