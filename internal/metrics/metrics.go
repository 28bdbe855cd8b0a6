package metrics

import (
	"net/http"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mira"

// Metrics holds all Prometheus metrics for the plugin runtime
type Metrics struct {
	registry *prometheus.Registry

	// Discovery and validation
	PluginsDiscoveredTotal *prometheus.CounterVec
	StartFailuresTotal     *prometheus.CounterVec

	// Loading
	LoadsTotal   *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec

	// Registry
	PluginsRegistered      prometheus.Gauge
	StateTransitionsTotal  *prometheus.CounterVec
	PluginErrorsTotal      *prometheus.CounterVec
	DependencyChangesTotal prometheus.Counter

	// Hot reload
	ReloadsTotal      prometheus.Counter
	AssetChangesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		PluginsDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugins_discovered_total",
				Help:      "Total number of plugins found by discovery",
			},
			[]string{"valid"},
		),
		StartFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_start_failures_total",
				Help:      "Plugins that stopped during start-up, by stage",
			},
			[]string{"stage"},
		),
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_loads_total",
				Help:      "Total number of plugin module loads",
			},
			[]string{"status"},
		),
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_load_duration_seconds",
				Help:      "Duration of plugin module loads in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		PluginsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_registered",
				Help:      "Number of plugins currently registered",
			},
		),
		StateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_state_transitions_total",
				Help:      "Plugin lifecycle state transitions",
			},
			[]string{"from", "to"},
		),
		PluginErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Plugins entering the error state",
			},
			[]string{"plugin_id"},
		),
		DependencyChangesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependency_changes_total",
				Help:      "Dependency graph changes",
			},
		),
		ReloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_reloads_total",
				Help:      "Completed full plugin reloads",
			},
		),
		AssetChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_asset_changes_total",
				Help:      "Partial reload notifications by asset kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.PluginsDiscoveredTotal,
		m.StartFailuresTotal,
		m.LoadsTotal,
		m.LoadDuration,
		m.PluginsRegistered,
		m.StateTransitionsTotal,
		m.PluginErrorsTotal,
		m.DependencyChangesTotal,
		m.ReloadsTotal,
		m.AssetChangesTotal,
	)

	return m
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordLoad records one load result. Pass it to plugin.WithLoadObserver.
func (m *Metrics) RecordLoad(result *plugin.PluginLoadResult) {
	s := status(result.Success)
	m.LoadsTotal.WithLabelValues(s).Inc()
	m.LoadDuration.WithLabelValues(s).Observe(result.LoadTime.Seconds())
}

// RecordStart records the discovery and failure counts of a start report
func (m *Metrics) RecordStart(report *plugin.StartReport) {
	for _, outcome := range report.Plugins {
		valid := outcome.Stage != plugin.StageDiscovery
		m.PluginsDiscoveredTotal.WithLabelValues(boolLabel(valid)).Inc()
		if outcome.Failed() {
			m.StartFailuresTotal.WithLabelValues(string(outcome.Stage)).Inc()
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Observe subscribes the registry and reload metrics to the event bus.
// The returned function unsubscribes.
func (m *Metrics) Observe(bus *plugin.EventBus) func() {
	return bus.OnAny(m.handleEvent)
}

func (m *Metrics) handleEvent(e plugin.Event) {
	switch e.Type {
	case plugin.EventPluginRegistered:
		m.PluginsRegistered.Inc()
	case plugin.EventPluginUnregistered:
		m.PluginsRegistered.Dec()
	case plugin.EventStateChanged:
		m.StateTransitionsTotal.WithLabelValues(string(e.OldState), string(e.NewState)).Inc()
	case plugin.EventPluginError:
		m.PluginErrorsTotal.WithLabelValues(e.PluginID).Inc()
	case plugin.EventDependencyChanged:
		m.DependencyChangesTotal.Inc()
	case plugin.EventPluginReloaded:
		m.ReloadsTotal.Inc()
	case plugin.EventComponentChanged:
		m.AssetChangesTotal.WithLabelValues("component").Inc()
	case plugin.EventStyleChanged:
		m.AssetChangesTotal.WithLabelValues("style").Inc()
	case plugin.EventScriptChanged:
		m.AssetChangesTotal.WithLabelValues("script").Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
