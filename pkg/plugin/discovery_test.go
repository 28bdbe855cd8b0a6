package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscovery(dirs ...string) *PluginDiscovery {
	config := DefaultDiscoveryConfig()
	config.Directories = dirs
	return NewPluginDiscovery(testLogger(), config)
}

func TestPluginDiscovery_DiscoverPlugins(t *testing.T) {
	ctx := context.Background()

	t.Run("discovers plugins from all directories", func(t *testing.T) {
		tempDir := t.TempDir()
		builtinDir := filepath.Join(tempDir, "builtin")
		userDir := filepath.Join(tempDir, "user")

		createTestPlugin(t, builtinDir, "plugin1")
		createTestPlugin(t, builtinDir, "plugin2")
		createTestPlugin(t, userDir, "plugin3")

		discovery := newTestDiscovery(builtinDir, userDir)
		discovered, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)
		require.Len(t, discovered, 3)

		for _, p := range discovered {
			assert.True(t, p.IsValid, p.Errors)
			assert.Equal(t, filepath.Join(p.PluginPath, "main.lua"), p.EntryPath)
			assert.Equal(t, filepath.Join(p.PluginPath, "plugin.json"), p.ManifestPath)
		}
	})

	t.Run("skips directories without plugin.json", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "valid-plugin")
		require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "empty-plugin"), 0755))

		discovered, err := newTestDiscovery(tempDir).DiscoverPlugins(ctx)
		require.NoError(t, err)
		require.Len(t, discovered, 1)
		assert.Equal(t, "valid-plugin", discovered[0].Metadata.ID)
	})

	t.Run("handles missing directories gracefully", func(t *testing.T) {
		discovered, err := newTestDiscovery(filepath.Join(t.TempDir(), "nonexistent")).DiscoverPlugins(ctx)
		require.NoError(t, err)
		assert.Empty(t, discovered)
	})

	t.Run("skips hidden and node_modules directories", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "visible")
		createTestPlugin(t, filepath.Join(tempDir, ".hidden"), "secret")
		createTestPlugin(t, filepath.Join(tempDir, "node_modules"), "vendored")

		discovered, err := newTestDiscovery(tempDir).DiscoverPlugins(ctx)
		require.NoError(t, err)
		require.Len(t, discovered, 1)
		assert.Equal(t, "visible", discovered[0].Metadata.ID)
	})

	t.Run("respects max depth", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, filepath.Join(tempDir, "a", "b"), "shallow")
		createTestPlugin(t, filepath.Join(tempDir, "a", "b", "c", "d"), "deep")

		discovered, err := newTestDiscovery(tempDir).DiscoverPlugins(ctx)
		require.NoError(t, err)
		require.Len(t, discovered, 1)
		assert.Equal(t, "shallow", discovered[0].Metadata.ID)
	})

	t.Run("does not descend when not recursive", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "nested")

		config := DefaultDiscoveryConfig()
		config.Directories = []string{tempDir}
		config.Recursive = false
		discovered, err := NewPluginDiscovery(testLogger(), config).DiscoverPlugins(ctx)
		require.NoError(t, err)
		assert.Empty(t, discovered)
	})

	t.Run("a new scan replaces the cache", func(t *testing.T) {
		tempDir := t.TempDir()
		dir := createTestPlugin(t, tempDir, "transient")
		discovery := newTestDiscovery(tempDir)

		_, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(dir))

		discovered, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)
		assert.Empty(t, discovered)
		_, ok := discovery.GetPluginByID("transient")
		assert.False(t, ok)
	})
}

func TestPluginDiscovery_InvalidPlugins(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed manifest is reported, not fatal", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "good")
		badDir := filepath.Join(tempDir, "broken")
		require.NoError(t, os.MkdirAll(badDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(badDir, "plugin.json"), []byte("{not json"), 0644))

		discovery := newTestDiscovery(tempDir)
		discovered, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)
		require.Len(t, discovered, 2)

		broken, ok := discovery.GetPluginByID("broken")
		require.True(t, ok)
		assert.False(t, broken.IsValid)
		require.NotEmpty(t, broken.Errors)
		assert.Contains(t, broken.Errors[0], "Invalid manifest")

		assert.Len(t, discovery.GetValidPlugins(), 1)
		assert.Len(t, discovery.GetInvalidPlugins(), 1)
	})

	t.Run("reports missing fields", func(t *testing.T) {
		tempDir := t.TempDir()
		writeManifest(t, filepath.Join(tempDir, "partial"), map[string]any{
			"id": "partial",
		})

		discovery := newTestDiscovery(tempDir)
		_, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)

		p, ok := discovery.GetPluginByID("partial")
		require.True(t, ok)
		assert.False(t, p.IsValid)
		assert.Contains(t, p.Errors, "Missing plugin name")
		assert.Contains(t, p.Errors, "Missing plugin version")
		assert.Contains(t, p.Errors, "Missing plugin entry file")
	})

	t.Run("reports missing entry file", func(t *testing.T) {
		tempDir := t.TempDir()
		writeManifest(t, filepath.Join(tempDir, "no-entry"), map[string]any{
			"id": "no-entry", "name": "No Entry", "version": "1.0.0", "entry": "main.lua",
		})

		discovery := newTestDiscovery(tempDir)
		_, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)

		p, _ := discovery.GetPluginByID("no-entry")
		assert.False(t, p.IsValid)
		require.Len(t, p.Errors, 1)
		assert.Contains(t, p.Errors[0], "Entry file not found")
	})

	t.Run("reports unsupported extension", func(t *testing.T) {
		tempDir := t.TempDir()
		dir := filepath.Join(tempDir, "py")
		writeManifest(t, dir, map[string]any{
			"id": "py", "name": "Py", "version": "1.0.0", "entry": "main.py",
		})
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte(""), 0644))

		discovery := newTestDiscovery(tempDir)
		_, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)

		p, _ := discovery.GetPluginByID("py")
		assert.False(t, p.IsValid)
		assert.Contains(t, p.Errors, "Unsupported entry file extension: .py")
	})

	t.Run("stats count invalid plugins", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "ok")
		writeManifest(t, filepath.Join(tempDir, "bad"), map[string]any{"id": "bad"})

		discovery := newTestDiscovery(tempDir)
		_, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)

		stats := discovery.GetStats()
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.Valid)
		assert.Equal(t, 1, stats.Invalid)
		assert.NotEmpty(t, stats.Errors)
	})
}

func TestPluginDiscovery_Dependencies(t *testing.T) {
	ctx := context.Background()

	t.Run("sorts by dependencies", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "app", "lib")
		createTestPlugin(t, tempDir, "lib", "core")
		createTestPlugin(t, tempDir, "core")

		discovery := newTestDiscovery(tempDir)
		discovered, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)

		sorted, err := discovery.SortPluginsByDependencies(discovered)
		require.NoError(t, err)
		ids := make([]string, 0, len(sorted))
		for _, p := range sorted {
			ids = append(ids, p.Metadata.ID)
		}
		assert.Equal(t, []string{"core", "lib", "app"}, ids)
	})

	t.Run("sort rejects cycles", func(t *testing.T) {
		discovery := newTestDiscovery()
		_, err := discovery.SortPluginsByDependencies([]*PluginDiscoveryResult{
			testDiscovery("a", "b"),
			testDiscovery("b", "a"),
		})
		assert.ErrorIs(t, err, ErrCircularDependency)
	})

	t.Run("check dependencies reports missing and circular", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestPlugin(t, tempDir, "a", "b")
		createTestPlugin(t, tempDir, "b", "a")
		createTestPlugin(t, tempDir, "c", "ghost")

		discovery := newTestDiscovery(tempDir)
		_, err := discovery.DiscoverPlugins(ctx)
		require.NoError(t, err)

		a, _ := discovery.GetPluginByID("a")
		check := discovery.CheckDependencies(a)
		assert.False(t, check.Satisfied)
		assert.Equal(t, []string{"a", "b"}, check.Circular)

		c, _ := discovery.GetPluginByID("c")
		check = discovery.CheckDependencies(c)
		assert.False(t, check.Satisfied)
		assert.Equal(t, []string{"ghost"}, check.Missing)
	})

	t.Run("discover single plugin updates cache", func(t *testing.T) {
		tempDir := t.TempDir()
		dir := createTestPlugin(t, tempDir, "single")

		discovery := newTestDiscovery()
		result, err := discovery.DiscoverPlugin(dir)
		require.NoError(t, err)
		assert.True(t, result.IsValid)

		cached, ok := discovery.GetPluginByID("single")
		require.True(t, ok)
		assert.Same(t, result, cached)

		discovery.ClearCache()
		assert.Empty(t, discovery.GetAllPlugins())
	})

	t.Run("discover single plugin without manifest", func(t *testing.T) {
		_, err := newTestDiscovery().DiscoverPlugin(t.TempDir())
		assert.Error(t, err)
	})
}
