package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// PluginIDKey is the context key for the plugin an operation acts on
	PluginIDKey ContextKey = "plugin_id"
	// TaskIDKey is the context key for a hot reload task ID
	TaskIDKey ContextKey = "task_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID  string
	PluginID string
	TaskID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithPluginID adds a plugin ID to the context
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, PluginIDKey, pluginID)
}

// WithTaskID adds a reload task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetPluginID retrieves the plugin ID from the context
func GetPluginID(ctx context.Context) string {
	return stringValue(ctx, PluginIDKey)
}

// GetTaskID retrieves the reload task ID from the context
func GetTaskID(ctx context.Context) string {
	return stringValue(ctx, TaskIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		PluginID: GetPluginID(ctx),
		TaskID:   GetTaskID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.PluginID != "" {
		ctx = WithPluginID(ctx, tc.PluginID)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	return ctx
}

// NewRequestContext creates a context carrying a fresh trace ID, used for
// each CLI command
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
