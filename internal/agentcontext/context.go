// Package agentcontext carries per-task identity through tool execution.
package agentcontext

import "context"

type contextKey string

const (
	taskIDKey contextKey = "task_id"
	modeKey   contextKey = "mode"
)

func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, taskID)
}

func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(taskIDKey).(string); ok {
		return val
	}
	return ""
}

func WithMode(ctx context.Context, mode string) context.Context {
	if mode == "" {
		return ctx
	}
	return context.WithValue(ctx, modeKey, mode)
}

func ModeFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(modeKey).(string); ok {
		return val
	}
	return ""
}
