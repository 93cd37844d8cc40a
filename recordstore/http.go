package recordstore

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
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/atelier/datasync"
)

const (
	maxBody      = 32 << 20
	filePrefix   = "_file:"
	keepalive    = 15 * time.Second
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dev backend: previews connect from any local origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Routes returns the collection surface, file downloads and both realtime
// feeds:
//
//	GET    /api/collections/{collection}/records
//	POST   /api/collections/{collection}/records
//	GET    /api/collections/{collection}/records/{id}
//	PATCH  /api/collections/{collection}/records/{id}
//	DELETE /api/collections/{collection}/records/{id}
//	GET    /api/files/{collection}/{id}/{name}
//	GET    /api/realtime        (SSE, ?collections=a,b)
//	GET    /api/realtime/ws     (websocket, ?collections=a,b)
func (s *Store) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/collections/{collection}/records", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	r.Get("/api/files/{collection}/{id}/{name}", s.handleFile)
	r.Get("/api/realtime", s.handleSSE)
	r.Get("/api/realtime/ws", s.handleWS)
	return r
}

func (s *Store) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.Query(r.Context(), chi.URLParam(r, "collection"), datasync.ListParams{
		Filter:  q.Get("filter"),
		Sort:    q.Get("sort"),
		Page:    queryInt(q.Get("page")),
		PerPage: queryInt(q.Get("perPage")),
		Expand:  q.Get("expand"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Store) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Get(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), datasync.GetParams{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Store) handleCreate(w http.ResponseWriter, r *http.Request) {
	data, err := decodeRecord(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Create(r.Context(), chi.URLParam(r, "collection"), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Store) handleUpdate(w http.ResponseWriter, r *http.Request) {
	data, err := decodeRecord(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Update(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Store) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Delete(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Store) handleFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.File(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Write(f.Data)
}

// decodeRecord reads a JSON body, or a multipart form with a "_data" JSON
// field and "_file:<field>" parts.
func decodeRecord(w http.ResponseWriter, r *http.Request) (datasync.Record, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	rec := datasync.Record{}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return rec, nil
	}

	if err := r.ParseMultipartForm(maxBody); err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	if raw := r.FormValue("_data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("invalid _data field: %w", err)
		}
	}
	for key, headers := range r.MultipartForm.File {
		field, ok := strings.CutPrefix(key, filePrefix)
		if !ok || field == "" {
			continue
		}
		files := make([]datasync.File, 0, len(headers))
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			files = append(files, datasync.File{Name: h.Filename, ContentType: h.Header.Get("Content-Type"), Data: data})
		}
		if len(files) == 1 {
			rec[field] = files[0]
		} else {
			rec[field] = files
		}
	}
	return rec, nil
}

func (s *Store) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	names := splitList(r.URL.Query().Get("collections"))
	sub := s.hub.add(names)
	defer s.hub.remove(sub)

	initial, err := s.Snapshot(r.Context(), names)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", initial)
	flusher.Flush()

	ping := time.NewTicker(keepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.gone:
			return
		case frame := <-sub.ch:
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *Store) handleWS(w http.ResponseWriter, r *http.Request) {
	names := splitList(r.URL.Query().Get("collections"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("recordstore: websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	sub := s.hub.add(names)
	defer s.hub.remove(sub)

	// The reader only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(kind int, data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(kind, data)
	}
	initial, err := s.Snapshot(r.Context(), names)
	if err != nil || write(websocket.TextMessage, initial) != nil {
		return
	}
	ping := time.NewTicker(keepalive)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-sub.gone:
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed stopped"))
			return
		case frame := <-sub.ch:
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Store) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, datasync.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "record not found")
	case errors.Is(err, ErrExists), errors.Is(err, ErrBadID), errors.Is(err, ErrBadQuery):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("recordstore: request failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"code": code, "message": msg})
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
