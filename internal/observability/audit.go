// Package observability records plugin lifecycle events to an audit log
package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	PluginID  string         `json:"plugin_id,omitempty"`
	Action    string         `json:"action"` // e.g. "plugin:registered", "plugin:state-changed"
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewAuditLogger writes audit events to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLogger appends audit events to the file at path
func OpenAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	a := NewAuditLogger(file)
	a.closer = file
	return a, nil
}

// Record emits an audit event to the log and, when ctx carries a span, to OpenTelemetry
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.plugin", event.PluginID),
		))
	} else if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.PluginID != "" {
		entry.Str("plugin_id", event.PluginID)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Observe records every event published on bus until the returned function is called
func (a *AuditLogger) Observe(ctx context.Context, bus *plugin.EventBus) func() {
	return bus.OnAny(func(e plugin.Event) {
		a.Record(ctx, pluginAuditEvent(e))
	})
}

func pluginAuditEvent(e plugin.Event) AuditEvent {
	event := AuditEvent{
		Type:      "plugin",
		Timestamp: e.Timestamp,
		PluginID:  e.PluginID,
		Action:    string(e.Type),
		Status:    StatusSuccess,
	}

	metadata := map[string]any{}
	switch e.Type {
	case plugin.EventStateChanged:
		metadata["from"] = string(e.OldState)
		metadata["to"] = string(e.NewState)
		if e.NewState == plugin.StateError {
			event.Status = StatusFailure
		}
	case plugin.EventDependencyChanged:
		metadata["dependencies"] = e.Dependencies
		metadata["dependents"] = e.Dependents
	case plugin.EventComponentChanged, plugin.EventStyleChanged, plugin.EventScriptChanged:
		metadata["path"] = e.Path
	}
	if e.Error != "" {
		event.Status = StatusFailure
		metadata["error"] = e.Error
	}
	if len(metadata) > 0 {
		event.Metadata = metadata
	}
	return event
}

// Close closes the audit log file, if any
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}
