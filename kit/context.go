package kit

import "context"

type contextKey string

// Context keys set by the transports.
const (
	TransportKey  contextKey = "kit_transport" // "http" or "mcp"
	TraceIDKey    contextKey = "kit_trace_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	PageIDKey     contextKey = "kit_page_id"
)

func str(ctx context.Context, k contextKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if t := str(ctx, TransportKey); t != "" {
		return t
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string { return str(ctx, TraceIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string { return str(ctx, RemoteAddrKey) }

// WithPageID scopes ctx to one page session.
func WithPageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PageIDKey, id)
}

func GetPageID(ctx context.Context) string { return str(ctx, PageIDKey) }
