package datasync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Applier receives realtime snapshots. *Registry implements it.
type Applier interface {
	ApplyRealtime(update map[string][]Record) []string
}

// DecodeSnapshot parses a realtime frame: {"<collection>": {"records": [...]}}.
// A bare array value is accepted as the record list.
func DecodeSnapshot(data []byte) (map[string][]Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("datasync: decode snapshot: %w", err)
	}
	out := make(map[string][]Record, len(raw))
	for name, v := range raw {
		v = json.RawMessage(strings.TrimSpace(string(v)))
		if len(v) > 0 && v[0] == '[' {
			var rs []Record
			if err := json.Unmarshal(v, &rs); err != nil {
				return nil, fmt.Errorf("datasync: decode %s: %w", name, err)
			}
			out[name] = rs
			continue
		}
		var body struct {
			Records []Record `json:"records"`
		}
		if err := json.Unmarshal(v, &body); err != nil {
			return nil, fmt.Errorf("datasync: decode %s: %w", name, err)
		}
		if body.Records == nil {
			body.Records = []Record{}
		}
		out[name] = body.Records
	}
	return out, nil
}

// reconnect runs connect until ctx is done, backing off between failures.
func reconnect(ctx context.Context, logger *slog.Logger, source string, connect func(context.Context) error) error {
	backoff := 500 * time.Millisecond
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > 30*time.Second {
			backoff = 500 * time.Millisecond
		}
		logger.Warn("datasync: realtime disconnected", "source", source, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// SSESource consumes a server-sent event stream of snapshots.
type SSESource struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// Run streams snapshots into dst until ctx is cancelled, reconnecting on
// failure.
func (s *SSESource) Run(ctx context.Context, dst Applier) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return reconnect(ctx, logger, s.URL, func(ctx context.Context) error { return s.stream(ctx, dst) })
}

func (s *SSESource) stream(ctx context.Context, dst Applier) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("datasync: sse status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), int(maxResponseBody))
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				s.apply(dst, data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("datasync: sse stream closed")
}

func (s *SSESource) apply(dst Applier, data string) {
	update, err := DecodeSnapshot([]byte(data))
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("datasync: bad sse frame", "error", err)
		}
		return
	}
	dst.ApplyRealtime(update)
}

// WSSource consumes snapshots sent as websocket text messages.
type WSSource struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

// Run reads snapshots into dst until ctx is cancelled, reconnecting on
// failure.
func (s *WSSource) Run(ctx context.Context, dst Applier) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return reconnect(ctx, logger, s.URL, func(ctx context.Context) error { return s.read(ctx, dst, logger) })
}

func (s *WSSource) read(ctx context.Context, dst Applier, logger *slog.Logger) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		update, err := DecodeSnapshot(data)
		if err != nil {
			logger.Warn("datasync: bad websocket frame", "error", err)
			continue
		}
		dst.ApplyRealtime(update)
	}
}
