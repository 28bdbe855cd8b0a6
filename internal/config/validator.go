package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/hunmer/mira-launcher-sub001/pkg/pluginstore"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	if !oneOf(level, validLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
	}
	return nil
}

// ValidateMode validates the validator mode
func (v *Validator) ValidateMode(mode string) error {
	validModes := []string{string(plugin.ModeStrict), string(plugin.ModePermissive)}
	if !oneOf(mode, validModes) {
		return fmt.Errorf("invalid validator mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
	}
	return nil
}

// ValidateStore validates the snapshot store selection
func (v *Validator) ValidateStore(registry RegistryConfig) error {
	if !oneOf(registry.Store, pluginstore.Kinds) {
		return fmt.Errorf("invalid registry store: %s (must be one of: %s)", registry.Store, strings.Join(pluginstore.Kinds, ", "))
	}
	if registry.Store == pluginstore.KindRedis && registry.RedisAddr == "" {
		return fmt.Errorf("registry.redis_addr is required for the redis store")
	}
	if registry.RedisDB < 0 {
		return fmt.Errorf("registry.redis_db must be >= 0")
	}
	return nil
}

// ValidatePermissions checks that every name is a known permission
func (v *Validator) ValidatePermissions(field string, permissions []string) error {
	known := append(append([]plugin.Permission(nil), plugin.DefaultAllowedPermissions...), plugin.DangerousPermissions...)
	for _, p := range permissions {
		if !oneOf(p, known) {
			return fmt.Errorf("%s: unknown permission %s", field, p)
		}
	}
	return nil
}

// ValidateDirectories requires at least one non-empty plugin directory
func (v *Validator) ValidateDirectories(dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("at least one plugin directory must be configured")
	}
	for i, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("plugin directory %d is empty", i)
		}
	}
	return nil
}

// ValidateAddress validates a host:port listen address
func (v *Validator) ValidateAddress(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: invalid address %s: %w", field, addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateDirectories(cfg.Plugins.Directories))
	if cfg.Plugins.MaxDepth < 0 {
		add(fmt.Errorf("plugins.max_depth must be >= 0"))
	}
	if cfg.Plugins.ManifestName == "" {
		add(fmt.Errorf("plugins.manifest_name is required"))
	}
	if _, err := semver.NewVersion(cfg.Plugins.AppVersion); err != nil {
		add(fmt.Errorf("plugins.app_version %q is not a version: %w", cfg.Plugins.AppVersion, err))
	}
	if cfg.Plugins.LuaCallTimeout <= 0 {
		add(fmt.Errorf("plugins.lua_call_timeout must be positive"))
	}

	if cfg.Loader.LoadTimeout <= 0 {
		add(fmt.Errorf("loader.load_timeout must be positive"))
	}
	if cfg.Loader.EnableCache && cfg.Loader.CacheSize <= 0 {
		add(fmt.Errorf("loader.cache_size must be positive when the cache is enabled"))
	}
	if cfg.Loader.Concurrency < 0 {
		add(fmt.Errorf("loader.concurrency must be >= 0"))
	}
	add(v.ValidatePermissions("loader.allowed_permissions", cfg.Loader.AllowedPermissions))

	add(v.ValidateMode(cfg.Validator.Mode))
	add(v.ValidatePermissions("validator.allowed_permissions", cfg.Validator.AllowedPermissions))

	if cfg.Registry.MaxPlugins <= 0 {
		add(fmt.Errorf("registry.max_plugins must be positive"))
	}
	if cfg.Registry.CleanupInterval < 0 {
		add(fmt.Errorf("registry.cleanup_interval must be >= 0"))
	}
	if cfg.Registry.EnableStatePersistence && cfg.Registry.PersistenceKey == "" {
		add(fmt.Errorf("registry.persistence_key is required when persistence is enabled"))
	}
	add(v.ValidateStore(cfg.Registry))

	if cfg.HotReload.Enabled && cfg.HotReload.DebounceDelay <= 0 {
		add(fmt.Errorf("hot_reload.debounce_delay must be positive"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Metrics.Enabled {
		add(v.ValidateAddress("metrics.address", cfg.Metrics.Address))
	}
	if cfg.Tracing.Enabled && cfg.Tracing.ServiceName == "" {
		add(fmt.Errorf("tracing.service_name is required when tracing is enabled"))
	}

	return errs
}

// Validate returns every configuration problem joined into one error
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
