package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/hotreload"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
)

const statusFileName = "mira.status.json"

// pluginStatus is one registered plugin as reported by the status file
type pluginStatus struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Version     string             `json:"version" yaml:"version"`
	State       plugin.PluginState `json:"state" yaml:"state"`
	Error       string             `json:"error,omitempty" yaml:"error,omitempty"`
	Activations int                `json:"activations" yaml:"activations"`
}

// hotReloadStatus is the part of the hot reload status worth persisting
type hotReloadStatus struct {
	Enabled bool            `json:"enabled" yaml:"enabled"`
	Stats   hotreload.Stats `json:"stats" yaml:"stats"`
}

// runStatus is what a running `mira run` publishes for `mira status`
type runStatus struct {
	PID         int              `json:"pid" yaml:"pid"`
	Version     string           `json:"version" yaml:"version"`
	StartedAt   time.Time        `json:"startedAt" yaml:"startedAt"`
	UpdatedAt   time.Time        `json:"updatedAt" yaml:"updatedAt"`
	Directories []string         `json:"directories" yaml:"directories"`
	Plugins     []pluginStatus   `json:"plugins" yaml:"plugins"`
	HotReload   *hotReloadStatus `json:"hotReload,omitempty" yaml:"hotReload,omitempty"`
}

func statusFilePath(dataDir string) string {
	return filepath.Join(dataDir, statusFileName)
}

func pluginStatuses(plugins []*plugin.RegisteredPlugin) []pluginStatus {
	out := make([]pluginStatus, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, pluginStatus{
			ID:          p.ID,
			Name:        p.Metadata.Name,
			Version:     p.Metadata.Version,
			State:       p.State,
			Error:       p.Error,
			Activations: p.Stats.ActivationCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// writeStatusFile replaces the status file atomically
func writeStatusFile(path string, status *runStatus) error {
	status.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// readStatusFile returns the status file, or nil when there is none
func readStatusFile(path string) (*runStatus, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status runStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("invalid status file %s: %w", path, err)
	}
	return &status, nil
}

// isRunning reports whether a process with pid exists
func isRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
