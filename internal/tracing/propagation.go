package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger with the trace fields found in ctx
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.PluginID == "" && tc.TaskID == "" {
		return baseLogger
	}

	logCtx := baseLogger.With()
	if tc.TraceID != "" {
		logCtx = logCtx.Str("trace_id", tc.TraceID)
	}
	if tc.PluginID != "" {
		logCtx = logCtx.Str("plugin", tc.PluginID)
	}
	if tc.TaskID != "" {
		logCtx = logCtx.Str("task", tc.TaskID)
	}
	return logCtx.Logger()
}
