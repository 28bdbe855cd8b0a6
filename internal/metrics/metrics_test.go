package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m.Registry())

	// counters without labels are exported right away
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "mira_plugins_registered")
	assert.Contains(t, names, "mira_plugin_reloads_total")
}

func TestRecordLoad(t *testing.T) {
	m := NewMetrics()

	m.RecordLoad(&plugin.PluginLoadResult{PluginID: "a", Success: true, LoadTime: 20 * time.Millisecond})
	m.RecordLoad(&plugin.PluginLoadResult{PluginID: "b", Success: true, LoadTime: 5 * time.Millisecond})
	m.RecordLoad(&plugin.PluginLoadResult{PluginID: "c", Error: "boom"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues("failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.LoadDuration))
}

func TestRecordStart(t *testing.T) {
	m := NewMetrics()

	m.RecordStart(&plugin.StartReport{Plugins: []plugin.PluginOutcome{
		{PluginID: "ok", State: plugin.StateActive},
		{PluginID: "broken", Stage: plugin.StageDiscovery, Errors: []string{"Missing required field: version"}},
		{PluginID: "slow", Stage: plugin.StageLoad, Errors: []string{"timed out"}},
	}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PluginsDiscoveredTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginsDiscoveredTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StartFailuresTotal.WithLabelValues("discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StartFailuresTotal.WithLabelValues("load")))
}

func TestObserve(t *testing.T) {
	m := NewMetrics()
	bus := plugin.NewEventBus(zerolog.New(os.Stdout).Level(zerolog.Disabled))
	unsubscribe := m.Observe(bus)

	bus.Emit(plugin.Event{Type: plugin.EventPluginRegistered, PluginID: "a"})
	bus.Emit(plugin.Event{Type: plugin.EventPluginRegistered, PluginID: "b"})
	bus.Emit(plugin.Event{Type: plugin.EventStateChanged, PluginID: "a", OldState: plugin.StateRegistered, NewState: plugin.StateActive})
	bus.Emit(plugin.Event{Type: plugin.EventPluginError, PluginID: "b", Error: "boom"})
	bus.Emit(plugin.Event{Type: plugin.EventPluginUnregistered, PluginID: "b"})
	bus.Emit(plugin.Event{Type: plugin.EventPluginReloaded, PluginID: "a"})
	bus.Emit(plugin.Event{Type: plugin.EventStyleChanged, PluginID: "a"})
	bus.Emit(plugin.Event{Type: plugin.EventScriptChanged, PluginID: "a"})
	bus.Emit(plugin.Event{Type: plugin.EventDependencyChanged, PluginID: "a"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginsRegistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitionsTotal.WithLabelValues("registered", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginErrorsTotal.WithLabelValues("b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReloadsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssetChangesTotal.WithLabelValues("style")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssetChangesTotal.WithLabelValues("script")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DependencyChangesTotal))

	unsubscribe()
	bus.Emit(plugin.Event{Type: plugin.EventPluginReloaded, PluginID: "a"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReloadsTotal))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordLoad(&plugin.PluginLoadResult{PluginID: "a", Success: true, LoadTime: time.Millisecond})
	m.PluginsRegistered.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `mira_plugin_loads_total{status="success"} 1`), body)
	assert.Contains(t, body, "mira_plugins_registered 3")
	assert.Contains(t, body, "mira_plugin_load_duration_seconds_bucket")
}
