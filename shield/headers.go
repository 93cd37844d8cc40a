package shield

import "net/http"

// HeaderConfig is the set of security headers written on every response.
// Empty fields are not written.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	PermissionsPolicy   string
}

// APIHeaders suits JSON and event-stream routes.
func APIHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		PermissionsPolicy:   "camera=(), microphone=(), geolocation=()",
	}
}

// PreviewHeaders suits rendered preview documents. They are framed by the
// editor on the same origin and run in an opaque origin, so component code
// cannot reach the editor's cookies or storage.
func PreviewHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "sandbox allow-scripts; default-src * data: blob: 'unsafe-inline'; frame-ancestors 'self'",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		PermissionsPolicy:   "camera=(), microphone=(), geolocation=()",
	}
}

// SecurityHeaders writes cfg on every response. A handler may override a
// header afterwards, which is how preview routes swap in PreviewHeaders.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Apply(w.Header(), cfg)
			next.ServeHTTP(w, r)
		})
	}
}

// Apply sets cfg on h, replacing existing values.
func Apply(h http.Header, cfg HeaderConfig) {
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		} else {
			h.Del(k)
		}
	}
	set("Content-Security-Policy", cfg.CSP)
	set("X-Frame-Options", cfg.XFrameOptions)
	set("X-Content-Type-Options", cfg.XContentTypeOptions)
	set("Referrer-Policy", cfg.ReferrerPolicy)
	set("Permissions-Policy", cfg.PermissionsPolicy)
}
