package tools

import "context"

type contextKey string

const threadIDKey contextKey = "thread_id"

// WithThreadID records the conversation thread a tool call belongs to.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// ThreadIDFromContext returns the thread recorded by WithThreadID, or
// the empty string.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}
