package observability

import "context"

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	sessionIDKey  contextKey = "session_id"
	toolCallIDKey contextKey = "tool_call_id"
)

// WithRunID attaches an agent run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID returns the agent run id, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithSessionID attaches a session id to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID returns the session id, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithToolCallID attaches a tool call id to the context.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallID returns the tool call id, or "".
func ToolCallID(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}

// LogAttrs returns the correlation ids present in the context as alternating
// slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if id := RunID(ctx); id != "" {
		attrs = append(attrs, "run_id", id)
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, "session_id", id)
	}
	if id := ToolCallID(ctx); id != "" {
		attrs = append(attrs, "tool_call_id", id)
	}
	return attrs
}
