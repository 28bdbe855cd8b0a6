package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	t.Run("all plugins valid", func(t *testing.T) {
		_, pluginsDir := setupDataDir(t)
		writeLuaPlugin(t, pluginsDir, "hello", luaPluginSource)
		writeLuaPlugin(t, pluginsDir, "greeter", luaPluginSource, "hello")

		output, err := executeCommand(t, "validate")
		require.NoError(t, err)
		assert.Contains(t, output, "2 plugins validated, 2 valid, 0 invalid")
	})

	t.Run("missing dependency fails", func(t *testing.T) {
		_, pluginsDir := setupDataDir(t)
		writeLuaPlugin(t, pluginsDir, "greeter", luaPluginSource, "ghost")

		output, err := executeCommand(t, "validate", "-o", "json")
		require.ErrorIs(t, err, ErrInvalidPlugins)

		var report validateReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		require.Len(t, report.Plugins, 1)
		assert.False(t, report.Plugins[0].Valid)
		assert.Contains(t, report.Plugins[0].Errors, "missing dependency: ghost")
		assert.Equal(t, []string{"ghost"}, report.Plugins[0].Dependencies.Missing)
		assert.Equal(t, 1, report.Summary.Invalid)
	})

	t.Run("dependency cycle fails", func(t *testing.T) {
		_, pluginsDir := setupDataDir(t)
		writeLuaPlugin(t, pluginsDir, "alpha", luaPluginSource, "beta")
		writeLuaPlugin(t, pluginsDir, "beta", luaPluginSource, "alpha")

		output, err := executeCommand(t, "validate", "-o", "json")
		require.ErrorIs(t, err, ErrInvalidPlugins)

		var report validateReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		assert.Equal(t, 2, report.Summary.Invalid)
		for _, p := range report.Plugins {
			assert.NotEmpty(t, p.Dependencies.Circular, p.PluginID)
		}
	})

	t.Run("invalid manifest is reported", func(t *testing.T) {
		_, pluginsDir := setupDataDir(t)
		writeLuaPlugin(t, pluginsDir, "broken", "")

		output, err := executeCommand(t, "validate")
		require.ErrorIs(t, err, ErrInvalidPlugins)
		assert.Contains(t, output, "broken")
		assert.Contains(t, output, "1 plugins validated, 0 valid, 1 invalid")
	})
}
