// Package shield holds the HTTP middleware in front of the preview host:
// security headers, request tracing, body limits and per-client rate
// limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(shield.Config{}) {
//		r.Use(mw)
//	}
package shield

import (
	"net/http"
	"time"
)

// Config tunes the default stack. Zero values take defaults.
type Config struct {
	MaxBody int64 `yaml:"max_body"` // bytes, default 8 MiB
	// RateLimit is requests per Window per client on mutating routes.
	// Zero disables limiting.
	RateLimit int           `yaml:"rate_limit"`
	Window    time.Duration `yaml:"window"` // default 1m
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 8 << 20
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

// Stack returns the middleware in order: HeadToGet, TraceID, API security
// headers, MaxBody and, when enabled, the rate limiter.
func Stack(cfg Config) []func(http.Handler) http.Handler {
	cfg.defaults()
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		TraceID,
		SecurityHeaders(APIHeaders()),
		MaxBody(cfg.MaxBody),
	}
	if cfg.RateLimit > 0 {
		stack = append(stack, NewRateLimiter(cfg.RateLimit, cfg.Window).Middleware)
	}
	return stack
}
