package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/mira.json")
	assert.Equal(t, "/path/to/mira.json", loader.GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".mira", "mira.json"), NewLoader("").GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when the file does not exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("MIRA_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, []string{filepath.Join(tmpDir, "plugins")}, cfg.Plugins.Directories)
		assert.Equal(t, filepath.Join(tmpDir, "state"), cfg.Registry.StorePath)
		assert.Equal(t, filepath.Join(tmpDir, "mira.log"), cfg.Logging.File)
		assert.Equal(t, "plugin.json", cfg.Plugins.ManifestName)
	})

	t.Run("reads the file over the defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "mira.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{
			"data_dir": "`+filepath.ToSlash(tmpDir)+`",
			"plugins": {
				"directories": ["/srv/plugins", "/opt/plugins"],
				"dev_mode": true,
				"supported_extensions": [".lua"]
			},
			"loader": {"load_timeout": "2s"},
			"registry": {"store": "sqlite"},
			"hot_reload": {"debounce_delay": "150ms"},
			"logging": {"level": "debug"}
		}`), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"/srv/plugins", "/opt/plugins"}, cfg.Plugins.Directories)
		assert.True(t, cfg.Plugins.DevMode)
		assert.Equal(t, []string{".lua"}, cfg.Plugins.SupportedExtensions)
		assert.Equal(t, 2*time.Second, cfg.Loader.LoadTimeout)
		assert.Equal(t, 150*time.Millisecond, cfg.HotReload.DebounceDelay)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, filepath.Join(tmpDir, "registry.db"), cfg.Registry.StorePath)

		// untouched sections keep their defaults
		assert.Equal(t, 128, cfg.Loader.CacheSize)
		assert.Equal(t, "strict", cfg.Validator.Mode)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "mira.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "debug"}}`), 0644))
		t.Setenv("MIRA_DATA_DIR", tmpDir)
		t.Setenv("MIRA_LOGGING_LEVEL", "error")
		t.Setenv("MIRA_REGISTRY_STORE", "memory")
		t.Setenv("MIRA_LOADER_LOAD_TIMEOUT", "3s")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "error", cfg.Logging.Level)
		assert.Equal(t, "memory", cfg.Registry.Store)
		assert.Equal(t, 3*time.Second, cfg.Loader.LoadTimeout)
	})

	t.Run("malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "mira.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"plugins": `), 0644))

		_, err := NewLoader(configPath).Load()
		assert.ErrorContains(t, err, "failed to read config file")
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "mira.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Plugins.Directories = []string{"/srv/plugins"}
	cfg.Registry.Store = "sqlite"
	cfg.Logging.Level = "warn"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/plugins"}, loaded.Plugins.Directories)
	assert.Equal(t, "sqlite", loaded.Registry.Store)
	assert.Equal(t, "warn", loaded.Logging.Level)
	assert.Equal(t, 10*time.Second, loaded.Loader.LoadTimeout)
}

func TestLoad(t *testing.T) {
	t.Setenv("MIRA_DATA_DIR", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "mira.json"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
