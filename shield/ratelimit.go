package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter caps mutating requests per client address in fixed windows.
// GET, HEAD and OPTIONS pass untouched so event streams and previews are
// never throttled.
type RateLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	sweep   time.Time
}

// NewRateLimiter allows limit requests per period per client.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, period: period, now: time.Now, windows: make(map[string]*window)}
}

// Allow records one request from client and reports whether it fits.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.After(rl.sweep) {
		for k, w := range rl.windows {
			if now.After(w.resetAt) {
				delete(rl.windows, k)
			}
		}
		rl.sweep = now.Add(rl.period)
	}
	w, ok := rl.windows[client]
	if !ok || now.After(w.resetAt) {
		rl.windows[client] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Middleware answers 429 with a JSON body once a client is over its limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r)
		if rl.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("shield: rate limited", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.period.Seconds())))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the first X-Forwarded-For hop, else the remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
