package types

import "context"

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID stores the per-unit trace ID in the context. The queue
// consumer and HTTP ingestion layer assign one trace ID per inbound unit;
// outbound HTTP clients propagate it to the directory API.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID retrieves the trace ID from the context, or "" if unset.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
