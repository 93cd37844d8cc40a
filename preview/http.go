package preview

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/atelier/compiler"
	"github.com/hazyhaar/atelier/datasync"
	"github.com/hazyhaar/atelier/sandbox"
	"github.com/hazyhaar/atelier/shield"
)

const keepalive = 15 * time.Second

// Routes returns the host API. mcpSrv may be nil to leave /mcp out.
//
//	PUT    /api/projects/{id}             ProjectConfig
//	DELETE /api/projects/{id}
//	POST   /api/projects/{id}/compile     compiler.Request, no preview change
//	POST   /api/projects/{id}/preview     Update
//	POST   /api/projects/{id}/messages    sandbox.Message
//	GET    /api/projects/{id}/events      SSE of sandbox messages
//	GET    /api/projects/{id}/status
//	POST   /api/style                     {"css": "..."}
//	GET    /preview/{id}
//	GET    /preview/{id}/thumbnail.png
//	GET    /health
func (h *Host) Routes(mcpSrv *mcp.Server) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "projects": len(h.Projects())})
	})

	r.Route("/api/projects/{id}", func(r chi.Router) {
		r.Put("/", h.handlePut)
		r.Delete("/", h.handleDelete)
		r.Post("/compile", h.handleCompile)
		r.Post("/preview", h.handleUpdate)
		r.Post("/messages", h.handleMessage)
		r.Get("/events", h.handleEvents)
		r.Get("/status", h.handleStatus)
	})
	r.Post("/api/style", h.handleStyle)
	r.Get("/preview/{id}", h.handleDocument)
	r.Get("/preview/{id}/thumbnail.png", h.handleThumbnail)

	if mcpSrv != nil {
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
		r.Handle("/mcp", handler)
		r.Handle("/mcp/*", handler)
	}
	return r
}

func (h *Host) handlePut(w http.ResponseWriter, r *http.Request) {
	var pc ProjectConfig
	if !decode(w, r, &pc) {
		return
	}
	id := chi.URLParam(r, "id")
	created, err := h.Put(id, pc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"id": id, "collections": dedupe(pc.Collections)})
}

func (h *Host) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handleCompile(w http.ResponseWriter, r *http.Request) {
	if _, err := h.project(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	var req compiler.Request
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.Compile(r.Context(), &req))
}

func (h *Host) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var u Update
	if !decode(w, r, &u) {
		return
	}
	res, err := h.Update(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if res.Error != nil {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

func (h *Host) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg sandbox.Message
	if !decode(w, r, &msg) {
		return
	}
	if err := h.Send(chi.URLParam(r, "id"), msg); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Host) handleStyle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CSS string `json:"css"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.Style(r.Context(), req.CSS))
}

func (h *Host) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	events, release, err := h.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(keepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-events:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", strings.ToLower(string(msg.Event)), data)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *Host) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	shield.Apply(w.Header(), shield.PreviewHeaders())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(doc))
}

func (h *Host) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if h.thumbs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thumbnails are disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	p, err := h.project(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	gen := p.gen.Load()
	png, ok := p.cachedThumb(gen)
	if !ok {
		base := h.cfg.PublicURL
		if base == "" {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			base = scheme + "://" + r.Host
		}
		png, err = h.thumbs.Capture(r.Context(), strings.TrimSuffix(base, "/")+"/preview/"+id)
		if err != nil {
			shield.Logger(r.Context()).Error("preview: thumbnail", "project", id, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		p.storeThumb(gen, png)
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

func (h *Host) writeError(w http.ResponseWriter, err error) {
	var he *datasync.HTTPError
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrBadProject):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrClosed), errors.Is(err, sandbox.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.As(err, &he):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("preview: request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// writeResult answers 200 for a success shape and 422 for a failure.
func writeResult(w http.ResponseWriter, res *compiler.Result) {
	code := http.StatusOK
	if !res.OK() {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
