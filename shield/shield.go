// Package shield is the HTTP middleware stack of the webtex control API:
// HEAD handling, security headers, body limits, request tracing and bearer
// token checks.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//		r.Use(mw)
//	}
//	r.Use(shield.RequireToken(hash, "/ping"))
package shield

import "net/http"

// DefaultStack returns the control API middleware, outermost first.
// /render is exempt from the 1 MiB body cap; its handler reads with its
// own limit.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1<<20, "/render"),
		TraceID,
	}
}

// HeadToGet serves HEAD through the GET routes; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
