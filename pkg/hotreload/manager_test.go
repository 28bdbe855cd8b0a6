package hotreload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

// fakeReloader records what the manager asks of the runtime
type fakeReloader struct {
	mu       sync.Mutex
	plugins  []*plugin.PluginDiscoveryResult
	reloads  []string
	options  []plugin.ReloadOptions
	added    []string
	failWith map[string]error
	events   *plugin.EventBus
}

func newFakeReloader(plugins ...*plugin.PluginDiscoveryResult) *fakeReloader {
	return &fakeReloader{
		plugins:  plugins,
		failWith: make(map[string]error),
		events:   plugin.NewEventBus(testLogger()),
	}
}

func (f *fakeReloader) ReloadPlugin(ctx context.Context, id string, opts plugin.ReloadOptions) (*plugin.ReloadResult, error) {
	f.mu.Lock()
	f.reloads = append(f.reloads, id)
	f.options = append(f.options, opts)
	err := f.failWith[id]
	f.mu.Unlock()

	for _, p := range []plugin.ReloadPhase{plugin.PhasePending, plugin.PhaseDeactivating, plugin.PhaseLoading} {
		opts.OnPhase(p)
	}
	if err != nil {
		opts.OnPhase(plugin.PhaseError)
		return nil, err
	}
	opts.OnPhase(plugin.PhaseReloaded)
	return &plugin.ReloadResult{PluginID: id, Version: "1.0.1"}, nil
}

func (f *fakeReloader) AddPlugin(ctx context.Context, dir string) (*plugin.PluginOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, dir)
	return &plugin.PluginOutcome{PluginID: filepath.Base(dir), State: plugin.StateActive}, nil
}

func (f *fakeReloader) DiscoveredPlugins() []*plugin.PluginDiscoveryResult {
	return append([]*plugin.PluginDiscoveryResult(nil), f.plugins...)
}

func (f *fakeReloader) ManifestName() string     { return "plugin.json" }
func (f *fakeReloader) Events() *plugin.EventBus { return f.events }

func (f *fakeReloader) Reloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reloads...)
}

func discovered(id, dir string) *plugin.PluginDiscoveryResult {
	return &plugin.PluginDiscoveryResult{
		Metadata:   plugin.PluginMetadata{ID: id, Name: id, Version: "1.0.0"},
		PluginPath: dir,
		EntryPath:  filepath.Join(dir, "main.lua"),
		IsValid:    true,
	}
}

// quietConfig never flushes on its own so tests call Flush
func quietConfig() Config {
	config := DefaultConfig()
	config.DebounceDelay = time.Hour
	return config
}

func change(path string, t ChangeType) FileChange {
	return FileChange{Path: path, Type: t}
}

func TestManager_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("manifest and entry changes force a full reload", func(t *testing.T) {
		fake := newFakeReloader(discovered("a", "/plugins/a"), discovered("b", "/plugins/b"))
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/a/plugin.json", ChangeChanged))
		m.Notify(change("/plugins/b/main.lua", ChangeChanged))
		tasks := m.Flush(ctx)

		require.Len(t, tasks, 2)
		for _, task := range tasks {
			assert.Equal(t, KindFull, task.Kind, task.PluginID)
			assert.Equal(t, plugin.PhaseReloaded, task.Phase)
			assert.NotEmpty(t, task.ID)
			assert.NotNil(t, task.FinishedAt)
		}
		assert.Equal(t, []string{"a", "b"}, fake.Reloads())
		assert.True(t, fake.options[0].PreserveState)
	})

	t.Run("deletion forces a full reload", func(t *testing.T) {
		fake := newFakeReloader(discovered("a", "/plugins/a"))
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/a/styles/theme.css", ChangeDeleted))
		tasks := m.Flush(ctx)

		require.Len(t, tasks, 1)
		assert.Equal(t, KindFull, tasks[0].Kind)
	})

	t.Run("asset changes reload partially", func(t *testing.T) {
		fake := newFakeReloader(discovered("ui", "/plugins/ui"))
		var got []plugin.Event
		fake.events.OnAny(func(e plugin.Event) { got = append(got, e) })
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/ui/panel.vue", ChangeChanged))
		m.Notify(change("/plugins/ui/theme.css", ChangeChanged))
		m.Notify(change("/plugins/ui/lib/util.js", ChangeAdded))
		tasks := m.Flush(ctx)

		require.Len(t, tasks, 1)
		assert.Equal(t, KindPartial, tasks[0].Kind)
		assert.Equal(t, plugin.PhaseReloaded, tasks[0].Phase)
		assert.Len(t, tasks[0].Changes, 3)
		assert.Empty(t, fake.Reloads())

		require.Len(t, got, 3)
		assert.Equal(t, plugin.EventComponentChanged, got[0].Type)
		assert.Equal(t, plugin.EventStyleChanged, got[1].Type)
		assert.Equal(t, plugin.EventScriptChanged, got[2].Type)
		assert.Equal(t, "ui", got[2].PluginID)
		assert.Equal(t, "/plugins/ui/lib/util.js", got[2].Path)
	})

	t.Run("nested plugin directories belong to the deepest owner", func(t *testing.T) {
		fake := newFakeReloader(discovered("outer", "/plugins/outer"), discovered("inner", "/plugins/outer/inner"))
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/outer/inner/main.lua", ChangeChanged))
		m.Notify(change("/plugins/outer-two/main.lua", ChangeChanged))
		m.Flush(ctx)

		assert.Equal(t, []string{"inner"}, fake.Reloads())
	})

	t.Run("a new manifest adds the plugin", func(t *testing.T) {
		fake := newFakeReloader()
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/fresh/plugin.json", ChangeAdded))
		m.Notify(change("/plugins/fresh/plugin.json", ChangeChanged))
		tasks := m.Flush(ctx)

		assert.Empty(t, tasks)
		assert.Equal(t, []string{"/plugins/fresh"}, fake.added)
	})

	t.Run("failures are counted", func(t *testing.T) {
		fake := newFakeReloader(discovered("a", "/plugins/a"), discovered("b", "/plugins/b"))
		fake.failWith["a"] = errors.New("syntax error")
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/a/main.lua", ChangeChanged))
		m.Notify(change("/plugins/b/main.lua", ChangeChanged))
		tasks := m.Flush(ctx)

		require.Len(t, tasks, 2)
		assert.Equal(t, plugin.PhaseError, tasks[0].Phase)
		assert.Equal(t, "syntax error", tasks[0].Error)
		assert.False(t, tasks[0].Succeeded())
		assert.True(t, tasks[1].Succeeded())

		stats := m.GetStatus().Stats
		assert.Equal(t, 2, stats.TotalReloads)
		assert.Equal(t, 1, stats.SuccessfulReloads)
		assert.Equal(t, 1, stats.FailedReloads)
		assert.NotNil(t, stats.LastReloadTime)
	})

	t.Run("empty queue does nothing", func(t *testing.T) {
		m := NewManager(testLogger(), quietConfig(), newFakeReloader())
		assert.Nil(t, m.Flush(ctx))
		assert.Equal(t, 0, m.GetStatus().Stats.TotalReloads)
	})
}

func TestManager_Notify(t *testing.T) {
	t.Run("filters by extension", func(t *testing.T) {
		m := NewManager(testLogger(), quietConfig(), newFakeReloader(discovered("a", "/plugins/a")))

		m.Notify(change("/plugins/a/README.md", ChangeChanged))
		m.Notify(change("/plugins/a/main.lua", ChangeChanged))
		m.Notify(change("/plugins/a/plugin.json", ChangeChanged))
		m.Notify(change("/plugins/a/assets", ChangeDeleted))

		assert.Equal(t, 3, m.GetStatus().QueueLength)
	})

	t.Run("disabled manager ignores changes", func(t *testing.T) {
		config := quietConfig()
		config.Enabled = false
		m := NewManager(testLogger(), config, newFakeReloader(discovered("a", "/plugins/a")))

		require.NoError(t, m.Start(context.Background(), t.TempDir()))
		m.Notify(change("/plugins/a/main.lua", ChangeChanged))

		status := m.GetStatus()
		assert.False(t, status.IsEnabled)
		assert.Equal(t, 0, status.QueueLength)
		require.NoError(t, m.Stop())
	})

	t.Run("bursts are debounced into one reload", func(t *testing.T) {
		fake := newFakeReloader(discovered("a", "/plugins/a"))
		config := DefaultConfig()
		config.DebounceDelay = 30 * time.Millisecond
		m := NewManager(testLogger(), config, fake)
		defer m.Stop()

		for i := 0; i < 5; i++ {
			m.Notify(change("/plugins/a/main.lua", ChangeChanged))
			time.Sleep(5 * time.Millisecond)
		}

		assert.Eventually(t, func() bool {
			return m.GetStatus().Stats.TotalReloads == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"a"}, fake.Reloads())

		task := m.GetStatus().Tasks[0]
		assert.Len(t, task.Changes, 5)
	})

	t.Run("stop drops queued changes", func(t *testing.T) {
		fake := newFakeReloader(discovered("a", "/plugins/a"))
		m := NewManager(testLogger(), quietConfig(), fake)

		m.Notify(change("/plugins/a/main.lua", ChangeChanged))
		require.NoError(t, m.Stop())
		m.Notify(change("/plugins/a/main.lua", ChangeChanged))

		assert.Equal(t, 0, m.GetStatus().QueueLength)
		assert.Empty(t, fake.Reloads())
	})
}

func TestManager_ManualReload(t *testing.T) {
	ctx := context.Background()
	fake := newFakeReloader(discovered("a", "/plugins/a"))
	fake.failWith["broken"] = errors.New("missing entry")
	m := NewManager(testLogger(), quietConfig(), fake)

	task, err := m.ManualReload(ctx, "a")
	require.NoError(t, err)
	assert.True(t, task.Manual)
	assert.Equal(t, KindFull, task.Kind)
	assert.Equal(t, "1.0.1", task.Result.Version)

	task, err = m.ManualReload(ctx, "broken")
	assert.EqualError(t, err, "missing entry")
	assert.Equal(t, plugin.PhaseError, task.Phase)

	status := m.GetStatus()
	require.Len(t, status.Tasks, 2)
	assert.Equal(t, "a", status.Tasks[0].PluginID)
	assert.Equal(t, "broken", status.Tasks[1].PluginID)
}

func TestManager_TaskHistory(t *testing.T) {
	config := quietConfig()
	config.TaskHistory = 3
	m := NewManager(testLogger(), config, newFakeReloader())

	for i := 0; i < 5; i++ {
		m.ManualReload(context.Background(), "a")
	}

	status := m.GetStatus()
	assert.Len(t, status.Tasks, 3)
	assert.Equal(t, 5, status.Stats.TotalReloads)
}

func TestManager_WatchesDirectories(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "a")
	require.NoError(t, os.MkdirAll(pluginDir, 0755))

	fake := newFakeReloader(discovered("a", pluginDir))
	config := DefaultConfig()
	config.DebounceDelay = 50 * time.Millisecond
	m := NewManager(testLogger(), config, fake)
	require.NoError(t, m.Start(context.Background(), dir))
	defer m.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte("return {}"), 0644))

	assert.Eventually(t, func() bool {
		return len(fake.Reloads()) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "a", fake.Reloads()[0])
}
