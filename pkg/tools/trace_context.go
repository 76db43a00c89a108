package tools

import "context"

// traceIDKey is an unexported type so the trace ID stored under it can
// never collide with a value some other package stashed via context.
type traceIDKey struct{}

// WithTraceID returns a derived context carrying traceID, so a tool
// execution can be correlated back to the inbound message that triggered
// it across log lines. A blank traceID is a no-op.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace ID attached by WithTraceID, or ""
// if ctx is nil or carries none.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceIDKey{}).(string)
	return traceID
}
