// Package hooks runs shell scripts when plugin events fire, for example to
// rebuild assets after a plugin reload
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
)

// AnyEvent subscribes a hook to every event
const AnyEvent = "*"

// Hook defines a script run for an event.
type Hook struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured hooks for plugin events.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook

	wg sync.WaitGroup
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Trigger executes hooks registered for an event, then the ones registered
// for every event.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]any) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	hooks = append(hooks, m.hooksByEvent[AnyEvent]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Observe triggers hooks for every event published on bus until the
// returned function is called. Scripts run in the background so a slow
// hook never holds up the publisher; failures are logged.
func (m *Manager) Observe(ctx context.Context, bus *plugin.EventBus) func() {
	if m == nil || !m.enabled {
		return func() {}
	}
	return bus.OnAny(func(e plugin.Event) {
		event := string(e.Type)
		data := eventData(e)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Trigger(ctx, event, data); err != nil {
				m.logger.Warn().Err(err).Str("event", event).Str("plugin", e.PluginID).Msg("Hook failed")
			}
		}()
	})
}

// Wait blocks until every hook started by Observe has finished
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func eventData(e plugin.Event) map[string]any {
	data := map[string]any{}
	if e.PluginID != "" {
		data["plugin_id"] = e.PluginID
	}
	if e.OldState != "" {
		data["old_state"] = string(e.OldState)
	}
	if e.NewState != "" {
		data["new_state"] = string(e.NewState)
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	if e.Path != "" {
		data["path"] = e.Path
	}
	if len(e.Dependencies) > 0 {
		data["dependencies"] = strings.Join(e.Dependencies, ",")
	}
	if len(e.Dependents) > 0 {
		data["dependents"] = strings.Join(e.Dependents, ",")
	}
	return data
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if outputText != "" {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("Hook executed")
	}

	return nil
}

func buildHookEnvironment(event string, data map[string]any) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "MIRA_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "MIRA_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
