package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the plugin runtime components
const (
	AttrPluginID   = attribute.Key("mira.plugin.id")
	AttrComponent  = attribute.Key("mira.component")
	AttrPluginDirs = attribute.Key("mira.plugin.directories")
	AttrDevMode    = attribute.Key("mira.dev_mode")
)

// ProviderConfig describes the runtime process on every exported span
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	PluginDirs     []string
	DevMode        bool
}

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitOpenTelemetry installs a process-wide tracer provider. Extra options,
// such as span processors, are passed to the provider. Only the first call
// has an effect.
func InitOpenTelemetry(cfg ProviderConfig, opts ...sdktrace.TracerProviderOption) error {
	providerOnce.Do(func() {
		attrs := []attribute.KeyValue{
			semconv.ServiceName(cfg.ServiceName),
			AttrDevMode.Bool(cfg.DevMode),
		}
		if cfg.ServiceVersion != "" {
			attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
		}
		if len(cfg.PluginDirs) > 0 {
			attrs = append(attrs, AttrPluginDirs.StringSlice(cfg.PluginDirs))
		}

		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			providerErr = err
			return
		}

		// Hot reload tasks start their own roots, so honour parents but keep every root.
		opts = append([]sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		}, opts...)
		tp := sdktrace.NewTracerProvider(opts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and records its trace ID in the context so log
// lines can be correlated with it
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// StartPluginSpan starts a span for an operation on one plugin. The plugin
// id is set as a span attribute and stored in the context for loggers.
func StartPluginSpan(ctx context.Context, component, operation, pluginID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		AttrComponent.String(component),
		AttrPluginID.String(pluginID),
	}, attrs...)
	ctx, span := StartSpan(ctx, component, operation, attrs...)
	return WithPluginID(ctx, pluginID), span
}
