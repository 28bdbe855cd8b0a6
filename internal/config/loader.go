package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hunmer/mira-launcher-sub001/pkg/pluginstore"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MIRA_LOGGING_LEVEL
const EnvPrefix = "MIRA"

// envKeys are the settings that can be overridden from the environment
var envKeys = []string{
	"data_dir",
	"plugins.directories",
	"plugins.dev_mode",
	"plugins.auto_activate",
	"plugins.app_version",
	"loader.load_timeout",
	"loader.concurrency",
	"validator.mode",
	"registry.store",
	"registry.store_path",
	"registry.redis_addr",
	"registry.redis_password",
	"registry.redis_db",
	"hot_reload.enabled",
	"hot_reload.debounce_delay",
	"logging.level",
	"logging.file",
	"logging.pretty",
	"logging.audit_file",
	"metrics.enabled",
	"metrics.address",
	"tracing.enabled",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path means
// $HOME/.mira/mira.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills in
// derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerivedPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDerivedPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".mira")
	}

	if len(cfg.Plugins.Directories) == 0 {
		cfg.Plugins.Directories = []string{filepath.Join(cfg.DataDir, "plugins")}
	}

	if cfg.Registry.StorePath == "" {
		switch cfg.Registry.Store {
		case pluginstore.KindSQLite:
			cfg.Registry.StorePath = filepath.Join(cfg.DataDir, "registry.db")
		default:
			cfg.Registry.StorePath = filepath.Join(cfg.DataDir, "state")
		}
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "mira.log")
	}
	return nil
}

// Save writes the configuration to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("plugins", cfg.Plugins)
	v.Set("loader", cfg.Loader)
	v.Set("validator", cfg.Validator)
	v.Set("registry", cfg.Registry)
	v.Set("hot_reload", cfg.HotReload)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("hooks", cfg.Hooks)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".mira", "mira.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
