package cli

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/hotreload"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped without a status file", func(t *testing.T) {
		setupDataDir(t)

		output, err := executeCommand(t, "status")
		require.NoError(t, err)
		assert.Equal(t, "Status: stopped\n", output)
	})

	t.Run("running process", func(t *testing.T) {
		dataDir, _ := setupDataDir(t)
		require.NoError(t, writeStatusFile(statusFilePath(dataDir), &runStatus{
			PID:       os.Getpid(),
			Version:   version,
			StartedAt: time.Now().Add(-90 * time.Second),
			Plugins: []pluginStatus{
				{ID: "hello", Name: "Hello", Version: "1.0.0", State: plugin.StateActive, Activations: 1},
				{ID: "crash", Name: "Crash", Version: "0.1.0", State: plugin.StateError, Error: "boom"},
			},
			HotReload: &hotReloadStatus{Enabled: true, Stats: hotreload.Stats{TotalReloads: 3, SuccessfulReloads: 2, FailedReloads: 1}},
		}))

		output, err := executeCommand(t, "status")
		require.NoError(t, err)

		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, fmt.Sprintf("PID: %d", os.Getpid()))
		assert.Contains(t, output, "Uptime: 1m3")
		assert.Contains(t, output, "Plugins: 1 active, 1 error")
		assert.Contains(t, output, "Hot reload: 3 reloads, 2 succeeded, 1 failed")
		assert.Contains(t, output, "boom")
	})

	t.Run("json output", func(t *testing.T) {
		dataDir, _ := setupDataDir(t)
		require.NoError(t, writeStatusFile(statusFilePath(dataDir), &runStatus{
			PID:       os.Getpid(),
			StartedAt: time.Now(),
			Plugins:   []pluginStatus{{ID: "hello", State: plugin.StateActive}},
		}))

		output, err := executeCommand(t, "status", "-o", "json")
		require.NoError(t, err)

		var status runStatus
		require.NoError(t, json.Unmarshal([]byte(output), &status))
		assert.Equal(t, os.Getpid(), status.PID)
		require.Len(t, status.Plugins, 1)
		assert.Equal(t, "hello", status.Plugins[0].ID)
	})

	t.Run("stale status file", func(t *testing.T) {
		dataDir, _ := setupDataDir(t)
		require.NoError(t, writeStatusFile(statusFilePath(dataDir), &runStatus{PID: math.MaxInt32, StartedAt: time.Now()}))

		output, err := executeCommand(t, "status")
		require.NoError(t, err)
		assert.Equal(t, "Status: stopped\n", output)
	})

	t.Run("corrupt status file", func(t *testing.T) {
		dataDir, _ := setupDataDir(t)
		require.NoError(t, os.WriteFile(statusFilePath(dataDir), []byte("{"), 0644))

		_, err := executeCommand(t, "status")
		assert.Error(t, err)
	})
}

func TestFormatStates(t *testing.T) {
	assert.Equal(t, "none", formatStates(nil))
	assert.Equal(t, "2 active, 1 inactive", formatStates([]pluginStatus{
		{State: plugin.StateInactive},
		{State: plugin.StateActive},
		{State: plugin.StateActive},
	}))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
