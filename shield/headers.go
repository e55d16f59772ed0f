package shield

import "net/http"

// Headers are response headers set on every request, in order. Empty
// values are skipped.
type Headers [][2]string

// DefaultHeaders suit a JSON API that also returns rendered documents:
// nothing in a response may run script or be framed.
func DefaultHeaders() Headers {
	return Headers{
		{"Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline' https:; font-src https:; img-src data: https:; frame-ancestors 'none'"},
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
	}
}

// SecurityHeaders sets hs before the handler runs.
func SecurityHeaders(hs Headers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, kv := range hs {
				if kv[1] != "" {
					w.Header().Set(kv[0], kv[1])
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
