package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, hooks ...Hook) *Manager {
	t.Helper()
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   hooks,
	})
	require.NoError(t, err)
	return manager
}

func TestManagerTriggerExecutesHookScript(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "reloaded.txt")
	manager := newTestManager(t, Hook{
		ID:      "reloaded",
		Event:   "plugin:reloaded",
		Script:  "echo reloaded > " + outputPath,
		Enabled: true,
	})

	require.NoError(t, manager.Trigger(context.Background(), "plugin:reloaded", nil))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "reloaded\n", string(content))
}

func TestManagerTriggerInjectsEventDataIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	manager := newTestManager(t, Hook{
		ID:      "state",
		Event:   "plugin:state-changed",
		Script:  "echo \"$MIRA_HOOK_EVENT:$MIRA_HOOK_DATA_PLUGIN_ID\" > " + outputPath,
		Enabled: true,
	})

	require.NoError(t, manager.Trigger(context.Background(), "plugin:state-changed", map[string]any{
		"plugin_id": "hello",
	}))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "plugin:state-changed:hello\n", string(content))
}

func TestManagerTriggerReturnsJoinedErrors(t *testing.T) {
	manager := newTestManager(t,
		Hook{ID: "fail-1", Event: "plugin:error", Script: "exit 2", Enabled: true},
		Hook{ID: "fail-2", Event: AnyEvent, Script: "exit 3", Enabled: true},
	)

	err := manager.Trigger(context.Background(), "plugin:error", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook fail-1 failed")
	assert.Contains(t, err.Error(), "hook fail-2 failed")
}

func TestManagerTriggerRespectsTimeout(t *testing.T) {
	manager := newTestManager(t, Hook{
		ID:      "timeout",
		Event:   "plugin:registered",
		Script:  "sleep 1",
		Enabled: true,
		Timeout: 30 * time.Millisecond,
	})

	err := manager.Trigger(context.Background(), "plugin:registered", nil)
	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
		"expected timeout-related error, got: %v",
		err,
	)
}

func TestNewManagerValidatesHooks(t *testing.T) {
	t.Run("missing event", func(t *testing.T) {
		_, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Script: "true", Enabled: true}}})
		assert.Error(t, err)
	})

	t.Run("missing script", func(t *testing.T) {
		_, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "plugin:error", Enabled: true}}})
		assert.Error(t, err)
	})

	t.Run("disabled hooks are not checked", func(t *testing.T) {
		_, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "plugin:error"}}})
		assert.NoError(t, err)
	})

	t.Run("disabled manager never runs", func(t *testing.T) {
		manager, err := NewManager(Config{Enabled: false, Hooks: []Hook{{Event: "x", Script: "exit 1", Enabled: true}}})
		require.NoError(t, err)
		assert.NoError(t, manager.Trigger(context.Background(), "x", nil))
	})
}

func TestManagerObserve(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "events.txt")
	manager := newTestManager(t, Hook{
		ID:      "errors",
		Event:   "plugin:error",
		Script:  "echo \"$MIRA_HOOK_DATA_PLUGIN_ID:$MIRA_HOOK_DATA_ERROR\" >> " + outputPath,
		Enabled: true,
	})
	bus := plugin.NewEventBus(zerolog.Nop())

	stop := manager.Observe(context.Background(), bus)
	bus.Emit(plugin.Event{Type: plugin.EventPluginRegistered, PluginID: "hello"})
	bus.Emit(plugin.Event{Type: plugin.EventPluginError, PluginID: "hello", Error: "boom"})
	stop()
	bus.Emit(plugin.Event{Type: plugin.EventPluginError, PluginID: "late", Error: "ignored"})
	manager.Wait()

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "hello:boom\n", string(content))
}
