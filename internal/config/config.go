package config

import (
	"encoding/json"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/hooks"
	"github.com/hunmer/mira-launcher-sub001/pkg/hotreload"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/hunmer/mira-launcher-sub001/pkg/pluginstore"
	"github.com/rs/zerolog"
)

// Config represents the main Mira configuration
type Config struct {
	// Plugins controls where plugins are found and how the runtime starts
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Loader
	Loader LoaderConfig `json:"loader" mapstructure:"loader"`

	// Validator
	Validator ValidatorConfig `json:"validator" mapstructure:"validator"`

	// Registry
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Hot reload, only honoured in dev mode
	HotReload HotReloadConfig `json:"hot_reload" mapstructure:"hot_reload"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Hooks run shell scripts on plugin events
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// PluginsConfig holds discovery and runtime settings
type PluginsConfig struct {
	Directories         []string      `json:"directories" mapstructure:"directories"`
	Recursive           bool          `json:"recursive" mapstructure:"recursive"`
	MaxDepth            int           `json:"max_depth" mapstructure:"max_depth"`
	ManifestName        string        `json:"manifest_name" mapstructure:"manifest_name"`
	SupportedExtensions []string      `json:"supported_extensions" mapstructure:"supported_extensions"`
	AppVersion          string        `json:"app_version" mapstructure:"app_version"`
	DevMode             bool          `json:"dev_mode" mapstructure:"dev_mode"`
	AutoActivate        bool          `json:"auto_activate" mapstructure:"auto_activate"`
	LuaCallTimeout      time.Duration `json:"lua_call_timeout" mapstructure:"lua_call_timeout"`
}

// LoaderConfig holds module loading settings
type LoaderConfig struct {
	LoadTimeout         time.Duration `json:"load_timeout" mapstructure:"load_timeout"`
	EnableCache         bool          `json:"enable_cache" mapstructure:"enable_cache"`
	CacheSize           int           `json:"cache_size" mapstructure:"cache_size"`
	ValidatePluginClass bool          `json:"validate_plugin_class" mapstructure:"validate_plugin_class"`
	AllowedPermissions  []string      `json:"allowed_permissions" mapstructure:"allowed_permissions"`
	Concurrency         int           `json:"concurrency" mapstructure:"concurrency"`
}

// ValidatorConfig holds validation rule settings
type ValidatorConfig struct {
	Mode               string   `json:"mode" mapstructure:"mode"` // strict, permissive
	EnabledRules       []string `json:"enabled_rules" mapstructure:"enabled_rules"`
	DisabledRules      []string `json:"disabled_rules" mapstructure:"disabled_rules"`
	AllowedPermissions []string `json:"allowed_permissions" mapstructure:"allowed_permissions"`
}

// RegistryConfig holds registry and snapshot store settings
type RegistryConfig struct {
	MaxPlugins             int           `json:"max_plugins" mapstructure:"max_plugins"`
	EnableDependencyCheck  bool          `json:"enable_dependency_check" mapstructure:"enable_dependency_check"`
	EnableStatePersistence bool          `json:"enable_state_persistence" mapstructure:"enable_state_persistence"`
	PersistenceKey         string        `json:"persistence_key" mapstructure:"persistence_key"`
	CleanupInterval        time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	EnableStats            bool          `json:"enable_stats" mapstructure:"enable_stats"`
	Store                  string        `json:"store" mapstructure:"store"` // memory, file, sqlite, redis
	StorePath              string        `json:"store_path" mapstructure:"store_path"`
	RedisAddr              string        `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword          string        `json:"redis_password" mapstructure:"redis_password"`
	RedisDB                int           `json:"redis_db" mapstructure:"redis_db"`
}

// HotReloadConfig holds file watching settings
type HotReloadConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	DebounceDelay   time.Duration `json:"debounce_delay" mapstructure:"debounce_delay"`
	PreserveState   bool          `json:"preserve_state" mapstructure:"preserve_state"`
	WatchExtensions []string      `json:"watch_extensions" mapstructure:"watch_extensions"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`

	// AuditFile receives one JSON line per plugin lifecycle event. Empty disables the audit log.
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// HooksConfig holds the plugin event hooks
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []hooks.Hook `json:"hooks" mapstructure:"hooks"`
}

// HookSettings maps the configuration onto the hook manager
func (c *Config) HookSettings(logger zerolog.Logger) hooks.Config {
	return hooks.Config{
		Enabled: c.Hooks.Enabled,
		Hooks:   c.Hooks.Hooks,
		Logger:  logger,
	}
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	discovery := plugin.DefaultDiscoveryConfig()
	loader := plugin.DefaultLoaderConfig()
	validator := plugin.DefaultValidatorConfig()
	registry := plugin.DefaultRegistryConfig()
	reload := hotreload.DefaultConfig()

	return &Config{
		Plugins: PluginsConfig{
			Directories:         []string{},
			Recursive:           discovery.Recursive,
			MaxDepth:            discovery.MaxDepth,
			ManifestName:        discovery.ManifestName,
			SupportedExtensions: discovery.SupportedExtensions,
			AppVersion:          validator.AppVersion,
			DevMode:             false,
			AutoActivate:        true,
			LuaCallTimeout:      5 * time.Second,
		},
		Loader: LoaderConfig{
			LoadTimeout:         loader.LoadTimeout,
			EnableCache:         loader.EnableCache,
			CacheSize:           loader.CacheSize,
			ValidatePluginClass: loader.ValidatePluginClass,
			AllowedPermissions:  loader.AllowedPermissions,
			Concurrency:         loader.Concurrency,
		},
		Validator: ValidatorConfig{
			Mode:               string(validator.Mode),
			EnabledRules:       validator.EnabledRules,
			DisabledRules:      []string{},
			AllowedPermissions: validator.AllowedPermissions,
		},
		Registry: RegistryConfig{
			MaxPlugins:             registry.MaxPlugins,
			EnableDependencyCheck:  registry.EnableDependencyCheck,
			EnableStatePersistence: registry.EnableStatePersistence,
			PersistenceKey:         registry.PersistenceKey,
			CleanupInterval:        registry.CleanupInterval,
			EnableStats:            registry.EnableStats,
			Store:                  pluginstore.KindFile,
		},
		HotReload: HotReloadConfig{
			Enabled:         reload.Enabled,
			DebounceDelay:   reload.DebounceDelay,
			PreserveState:   reload.PreserveState,
			WatchExtensions: reload.WatchExtensions,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "mira",
		},
		Hooks: HooksConfig{
			Hooks: []hooks.Hook{},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// RuntimeConfig maps the configuration onto the plugin runtime
func (c *Config) RuntimeConfig() plugin.RuntimeConfig {
	rc := plugin.DefaultRuntimeConfig()

	rc.Discovery.Directories = c.Plugins.Directories
	rc.Discovery.Recursive = c.Plugins.Recursive
	rc.Discovery.MaxDepth = c.Plugins.MaxDepth
	rc.Discovery.ManifestName = c.Plugins.ManifestName
	rc.Discovery.SupportedExtensions = c.Plugins.SupportedExtensions

	rc.Loader.LoadTimeout = c.Loader.LoadTimeout
	rc.Loader.EnableCache = c.Loader.EnableCache
	rc.Loader.CacheSize = c.Loader.CacheSize
	rc.Loader.ValidatePluginClass = c.Loader.ValidatePluginClass
	rc.Loader.AllowedPermissions = c.Loader.AllowedPermissions
	rc.Loader.Concurrency = c.Loader.Concurrency
	rc.Loader.DevMode = c.Plugins.DevMode

	rc.Validator.AppVersion = c.Plugins.AppVersion
	rc.Validator.Mode = plugin.ValidationMode(c.Validator.Mode)
	rc.Validator.EnabledRules = c.Validator.EnabledRules
	rc.Validator.DisabledRules = c.Validator.DisabledRules
	rc.Validator.AllowedPermissions = c.Validator.AllowedPermissions
	rc.Validator.DevMode = c.Plugins.DevMode

	rc.Registry.MaxPlugins = c.Registry.MaxPlugins
	rc.Registry.EnableDependencyCheck = c.Registry.EnableDependencyCheck
	rc.Registry.EnableStatePersistence = c.Registry.EnableStatePersistence
	rc.Registry.PersistenceKey = c.Registry.PersistenceKey
	rc.Registry.CleanupInterval = c.Registry.CleanupInterval
	rc.Registry.EnableStats = c.Registry.EnableStats

	rc.AutoActivate = c.Plugins.AutoActivate
	return rc
}

// StoreConfig selects the registry snapshot store
func (c *Config) StoreConfig() pluginstore.Config {
	return pluginstore.Config{
		Kind: c.Registry.Store,
		Path: c.Registry.StorePath,
		Redis: pluginstore.RedisConfig{
			Addr:     c.Registry.RedisAddr,
			Password: c.Registry.RedisPassword,
			DB:       c.Registry.RedisDB,
		},
	}
}

// HotReloadSettings maps the configuration onto the hot reload manager.
// Hot reload only runs in dev mode.
func (c *Config) HotReloadSettings() hotreload.Config {
	hc := hotreload.DefaultConfig()
	hc.Enabled = c.Plugins.DevMode && c.HotReload.Enabled
	hc.DebounceDelay = c.HotReload.DebounceDelay
	hc.PreserveState = c.HotReload.PreserveState
	if len(c.HotReload.WatchExtensions) > 0 {
		hc.WatchExtensions = c.HotReload.WatchExtensions
	}
	return hc
}
