package traceutil

import (
	"context"

	"github.com/rs/zerolog"
)

type traceIDKey struct{}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// LogCtx attaches the context's traceID to a zerolog context.
// It is a no-op if the traceID is not set.
func LogCtx(ctx context.Context, logCtx zerolog.Context) zerolog.Context {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok && traceID != "" {
		return logCtx.Str("trace_id", traceID)
	}
	return logCtx
}
