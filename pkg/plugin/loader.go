package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// LoaderConfig configures the plugin loader
type LoaderConfig struct {
	LoadTimeout time.Duration
	// EnableCache keeps loaded modules for reuse. Without it the loader
	// keeps no reference and the module belongs to the caller.
	EnableCache         bool
	CacheSize           int
	ValidatePluginClass bool
	AllowedPermissions  []Permission
	Concurrency         int
	DevMode             bool
}

// DefaultLoaderConfig returns the default loader configuration
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		LoadTimeout:         10 * time.Second,
		EnableCache:         true,
		CacheSize:           128,
		ValidatePluginClass: true,
		AllowedPermissions:  append([]Permission(nil), DefaultAllowedPermissions...),
		Concurrency:         4,
	}
}

type loadedModule struct {
	module   *Module
	class    *Class
	metadata PluginMetadata
}

// PluginLoader imports entry modules through module sources and extracts plugin classes
type PluginLoader struct {
	logger      zerolog.Logger
	config      LoaderConfig
	sources     []ModuleSource
	permissions *PermissionSet

	inflight singleflight.Group
	modules  *lru.Cache[string, *loadedModule]

	loadingMu sync.Mutex
	loading   map[string]int

	observer func(*PluginLoadResult)
}

// NewPluginLoader creates a loader consulting sources in order
func NewPluginLoader(logger zerolog.Logger, config LoaderConfig, sources ...ModuleSource) (*PluginLoader, error) {
	defaults := DefaultLoaderConfig()
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = defaults.LoadTimeout
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.AllowedPermissions == nil {
		config.AllowedPermissions = defaults.AllowedPermissions
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}

	l := &PluginLoader{
		logger:      logger.With().Str("component", "plugin-loader").Logger(),
		config:      config,
		sources:     sources,
		permissions: NewPermissionSet(config.AllowedPermissions),
		loading:     make(map[string]int),
	}

	cache, err := lru.NewWithEvict(config.CacheSize, func(id string, _ *loadedModule) {
		l.logger.Debug().Str("plugin", id).Msg("Module evicted from cache")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create module cache: %w", err)
	}
	l.modules = cache
	return l, nil
}

// LoadPlugin loads a discovered plugin. Concurrent calls for the same id
// share one import and receive the same result. Failures are reported in
// the result, never as a panic or error return.
func (l *PluginLoader) LoadPlugin(ctx context.Context, discovery *PluginDiscoveryResult) *PluginLoadResult {
	id := discovery.Metadata.ID

	v, _, shared := l.inflight.Do(id, func() (interface{}, error) {
		l.trackLoading(id, 1)
		defer l.trackLoading(id, -1)
		result := l.load(ctx, discovery)
		if l.observer != nil {
			l.observer(result)
		}
		return result, nil
	})
	if shared {
		l.logger.Debug().Str("plugin", id).Msg("Joined in-flight load")
	}
	return v.(*PluginLoadResult)
}

// SetObserver registers a function called with every load result,
// including failures and cache hits. Callers joining an in-flight load
// are not reported again. It must be set before loading starts.
func (l *PluginLoader) SetObserver(fn func(*PluginLoadResult)) {
	l.observer = fn
}

func (l *PluginLoader) trackLoading(id string, delta int) {
	l.loadingMu.Lock()
	defer l.loadingMu.Unlock()
	l.loading[id] += delta
	if l.loading[id] <= 0 {
		delete(l.loading, id)
	}
}

func (l *PluginLoader) load(ctx context.Context, discovery *PluginDiscoveryResult) (result *PluginLoadResult) {
	start := time.Now()
	id := discovery.Metadata.ID

	ctx, span := tracing.StartPluginSpan(ctx, "plugin-loader", "plugin.load", id)
	defer span.End()

	result = &PluginLoadResult{
		PluginID: id,
		Metadata: discovery.Metadata,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("Plugin load panicked: %v", r)
		}
		result.LoadTime = time.Since(start)
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
			l.logger.Error().
				Str("plugin", id).
				Str("error", result.Error).
				Dur("load_time", result.LoadTime).
				Msg("Failed to load plugin")
			return
		}
		l.logger.Info().
			Str("plugin", id).
			Bool("cached", result.Cached).
			Dur("load_time", result.LoadTime).
			Msg("Plugin loaded")
	}()

	// Step 1: cache
	if l.config.EnableCache {
		if cached, ok := l.modules.Get(id); ok {
			result.Module = cached.module
			result.PluginClass = cached.class
			result.Success = true
			result.Cached = true
			return result
		}
	}

	// Step 2: permission pre-check, before any plugin code runs
	if err := l.permissions.Require(discovery.Metadata.Permissions); err != nil {
		result.Error = fmt.Sprintf("Invalid permissions: %v", err)
		return result
	}

	// Step 3: import
	source := l.sourceFor(discovery)
	if source == nil {
		result.Error = fmt.Sprintf("%v: %s", ErrNoModuleSource, discovery.EntryPath)
		return result
	}
	module, err := l.importWithTimeout(ctx, source, discovery)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to import plugin module: %v", err)
		return result
	}

	// Step 4: class extraction
	class := l.extractClass(module, discovery.Metadata)
	if class == nil {
		_ = module.Close()
		result.Error = "No valid plugin class found in module"
		return result
	}

	if l.config.EnableCache {
		l.modules.Add(id, &loadedModule{module: module, class: class, metadata: discovery.Metadata})
	}

	result.Module = module
	result.PluginClass = class
	result.Success = true
	return result
}

func (l *PluginLoader) sourceFor(discovery *PluginDiscoveryResult) ModuleSource {
	for _, s := range l.sources {
		if s.Supports(discovery) {
			return s
		}
	}
	return nil
}

// importWithTimeout races the import against the load timeout. An import
// that finishes after the caller gave up is closed and never cached.
func (l *PluginLoader) importWithTimeout(ctx context.Context, source ModuleSource, discovery *PluginDiscoveryResult) (*Module, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.LoadTimeout)
	defer cancel()

	type outcome struct {
		module *Module
		err    error
	}
	done := make(chan outcome, 1)

	var mu sync.Mutex
	abandoned := false

	go func() {
		var out outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					out.err = fmt.Errorf("%s source panicked: %v", source.Name(), r)
				}
			}()
			out.module, out.err = source.Import(ctx, discovery)
		}()

		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if out.module != nil {
				_ = out.module.Close()
			}
			l.logger.Warn().
				Str("plugin", discovery.Metadata.ID).
				Msg("Discarded module import that finished after timeout")
			return
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out.module, out.err
	case <-ctx.Done():
		mu.Lock()
		select {
		case out := <-done:
			mu.Unlock()
			return out.module, out.err
		default:
			abandoned = true
			mu.Unlock()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrLoadTimeout, l.config.LoadTimeout)
		}
		return nil, ctx.Err()
	}
}

// extractClass tries the module's exports in order: default export,
// Plugin, the plugin name, name+"Plugin", the id, the id without hyphens,
// then every remaining export.
func (l *PluginLoader) extractClass(module *Module, metadata PluginMetadata) *Class {
	type candidate struct {
		name  string
		value any
	}
	var candidates []candidate
	seen := make(map[string]bool)

	if module.Default != nil {
		candidates = append(candidates, candidate{name: "default", value: module.Default})
	}
	named := []string{"Plugin", metadata.Name, metadata.Name + "Plugin", metadata.ID, strings.ReplaceAll(metadata.ID, "-", "")}
	for _, name := range named {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if v, ok := module.Export(name); ok {
			candidates = append(candidates, candidate{name: name, value: v})
		}
	}
	for _, name := range module.ExportNames() {
		if seen[name] {
			continue
		}
		seen[name] = true
		if v, ok := module.Export(name); ok {
			candidates = append(candidates, candidate{name: name, value: v})
		}
	}

	for _, c := range candidates {
		className := c.name
		if className == "default" {
			className = metadata.Name
		}
		class, ok := ClassFromExport(className, c.value)
		if !ok {
			continue
		}
		if !l.config.ValidatePluginClass || l.isPluginClass(class) {
			l.logger.Debug().
				Str("plugin", metadata.ID).
				Str("export", c.name).
				Bool("nominal", class.Nominal).
				Msg("Extracted plugin class")
			return class
		}
	}
	return nil
}

// isPluginClass checks the nominal fast path, then the class method set,
// then in dev mode a throwaway instance
func (l *PluginLoader) isPluginClass(class *Class) bool {
	if hasContractMethods(class) {
		return true
	}
	if !l.config.DevMode {
		return false
	}

	raw, err := class.Probe()
	if err != nil {
		l.logger.Debug().Err(err).Str("class", class.Name).Msg("Probe instance failed")
		return false
	}
	if _, _, _, ok := InstanceIdentity(raw); !ok {
		return false
	}
	return InstanceHasMethod(raw, MethodOnLoad) || InstanceHasMethod(raw, MethodOnActivate)
}

// LoadPlugins loads plugins concurrently. Every input gets a result, in input order.
func (l *PluginLoader) LoadPlugins(ctx context.Context, discoveries []*PluginDiscoveryResult) []*PluginLoadResult {
	results := make([]*PluginLoadResult, len(discoveries))

	var g errgroup.Group
	g.SetLimit(l.config.Concurrency)
	for i, d := range discoveries {
		i, d := i, d
		g.Go(func() error {
			results[i] = l.LoadPlugin(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	loaded := 0
	for _, r := range results {
		if r.Success {
			loaded++
		}
	}
	l.logger.Info().
		Int("total", len(results)).
		Int("loaded", loaded).
		Int("failed", len(results)-loaded).
		Msg("Batch load completed")

	return results
}

// UnloadPlugin evicts a module and releases it
func (l *PluginLoader) UnloadPlugin(pluginID string) bool {
	entry, ok := l.modules.Peek(pluginID)
	if !ok {
		return false
	}
	l.modules.Remove(pluginID)
	if err := entry.module.Close(); err != nil {
		l.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Failed to close module")
	}
	l.logger.Info().Str("plugin", pluginID).Msg("Plugin module unloaded")
	return true
}

// ReloadPlugin unloads and loads a plugin again
func (l *PluginLoader) ReloadPlugin(ctx context.Context, discovery *PluginDiscoveryResult) *PluginLoadResult {
	l.UnloadPlugin(discovery.Metadata.ID)
	return l.LoadPlugin(ctx, discovery)
}

// GetLoadedModule returns the cached module for a plugin
func (l *PluginLoader) GetLoadedModule(pluginID string) (*Module, bool) {
	entry, ok := l.modules.Peek(pluginID)
	if !ok {
		return nil, false
	}
	return entry.module, true
}

// IsPluginLoaded reports whether a module is cached for a plugin
func (l *PluginLoader) IsPluginLoaded(pluginID string) bool {
	return l.modules.Contains(pluginID)
}

// GetLoadStats returns cache and in-flight counts
func (l *PluginLoader) GetLoadStats() LoadStats {
	cached := l.modules.Keys()
	sort.Strings(cached)

	l.loadingMu.Lock()
	loading := make([]string, 0, len(l.loading))
	for id := range l.loading {
		loading = append(loading, id)
	}
	l.loadingMu.Unlock()
	sort.Strings(loading)

	return LoadStats{
		CachedModules: len(cached),
		LoadingCount:  len(loading),
		CachedIDs:     cached,
		LoadingIDs:    loading,
	}
}

// ClearCache closes and drops every cached module
func (l *PluginLoader) ClearCache() {
	for _, id := range l.modules.Keys() {
		l.UnloadPlugin(id)
	}
	l.logger.Info().Msg("Module cache cleared")
}

// Close releases every module
func (l *PluginLoader) Close() error {
	l.ClearCache()
	return nil
}
