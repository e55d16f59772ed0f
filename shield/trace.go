package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/webtex/idgen"
	"github.com/hazyhaar/webtex/kit"
)

// maxTraceID bounds an incoming X-Trace-ID; longer ones are replaced.
const maxTraceID = 64

var traceIDs = idgen.NanoID(8)

// TraceID tags each request with a trace ID, echoed in X-Trace-ID and
// stored under kit.TraceIDKey, and with a request logger carrying it. An
// incoming X-Trace-ID is kept.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-ID")
		if id == "" || len(id) > maxTraceID {
			id = traceIDs()
		}
		w.Header().Set("X-Trace-ID", id)

		logger := slog.Default().With("trace_id", id, "method", r.Method, "path", r.URL.Path)
		ctx := kit.WithRemoteAddr(kit.WithTraceID(r.Context(), id), r.RemoteAddr)
		ctx = context.WithValue(ctx, loggerKey{}, logger)
		logger.Debug("shield: request", "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loggerKey struct{}

// GetLogger returns the request logger set by TraceID, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
