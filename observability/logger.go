package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig selects the process logger's handlers.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // optional JSON log file, appended
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: a terminal handler on w, fanned out to
// a JSON file handler when cfg.File is set. The returned closer releases the
// file; it is a no-op otherwise.
func NewLogger(w io.Writer, cfg LogConfig) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var terminal slog.Handler
	if cfg.Format == "json" {
		terminal = slog.NewJSONHandler(w, opts)
	} else {
		terminal = slog.NewTextHandler(w, opts)
	}
	handlers := []slog.Handler{terminal}
	closer := func() error { return nil }

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("observability: log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("observability: open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}
