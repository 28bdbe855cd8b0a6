package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DiscoveryConfig configures plugin discovery
type DiscoveryConfig struct {
	Directories         []string
	Recursive           bool
	MaxDepth            int
	ManifestName        string
	SupportedExtensions []string
}

// DefaultDiscoveryConfig returns the default discovery configuration
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Recursive:           true,
		MaxDepth:            3,
		ManifestName:        "plugin.json",
		SupportedExtensions: []string{".lua", ".so", ".plugin"},
	}
}

// PluginDiscovery scans directories to find plugins
type PluginDiscovery struct {
	logger    zerolog.Logger
	config    DiscoveryConfig
	manifests *ManifestLoader
	resolver  *DependencyResolver

	mu         sync.RWMutex
	cache      map[string]*PluginDiscoveryResult
	order      []string
	scanErrors []string
}

// NewPluginDiscovery creates a new plugin discovery instance
func NewPluginDiscovery(logger zerolog.Logger, config DiscoveryConfig) *PluginDiscovery {
	defaults := DefaultDiscoveryConfig()
	if config.ManifestName == "" {
		config.ManifestName = defaults.ManifestName
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = defaults.MaxDepth
	}
	if len(config.SupportedExtensions) == 0 {
		config.SupportedExtensions = defaults.SupportedExtensions
	}

	return &PluginDiscovery{
		logger:    logger.With().Str("component", "plugin-discovery").Logger(),
		config:    config,
		manifests: NewManifestLoader(logger),
		resolver:  NewDependencyResolver(logger),
		cache:     make(map[string]*PluginDiscoveryResult),
	}
}

// DiscoverPlugins scans every configured directory. The scan replaces the
// cache; a broken plugin is reported as invalid and never stops the scan.
func (d *PluginDiscovery) DiscoverPlugins(ctx context.Context) ([]*PluginDiscoveryResult, error) {
	d.mu.Lock()
	d.cache = make(map[string]*PluginDiscoveryResult)
	d.order = nil
	d.scanErrors = nil
	d.mu.Unlock()

	for _, dir := range d.config.Directories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if dir == "" {
			continue
		}
		if err := d.scanDirectory(ctx, dir, 0); err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan plugin directory")
			d.mu.Lock()
			d.scanErrors = append(d.scanErrors, err.Error())
			d.mu.Unlock()
		}
	}

	results := d.GetAllPlugins()
	valid := 0
	for _, r := range results {
		if r.IsValid {
			valid++
		}
	}
	d.logger.Info().
		Int("count", len(results)).
		Int("valid", valid).
		Msg("Plugin discovery completed")

	return results, nil
}

// DiscoverPlugin parses the plugin in a single directory and caches it,
// overwriting any earlier result for the same id.
func (d *PluginDiscovery) DiscoverPlugin(dir string) (*PluginDiscoveryResult, error) {
	manifestPath := filepath.Join(dir, d.config.ManifestName)
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, fmt.Errorf("no %s in %s: %w", d.config.ManifestName, dir, err)
	}

	result := d.parsePlugin(dir, manifestPath)
	d.store(result)
	return result, nil
}

// scanDirectory scans a directory, descending until MaxDepth
func (d *PluginDiscovery) scanDirectory(ctx context.Context, dir string, depth int) error {
	if depth > d.config.MaxDepth {
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Debug().Str("dir", dir).Msg("Directory does not exist, skipping")
			return nil
		}
		return fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		if entry.IsDir() {
			if !d.config.Recursive || shouldSkipDir(name) {
				continue
			}
			if err := d.scanDirectory(ctx, path, depth+1); err != nil {
				d.logger.Warn().Err(err).Str("dir", path).Msg("Failed to scan subdirectory")
			}
			continue
		}

		if name == d.config.ManifestName {
			d.store(d.parsePlugin(dir, path))
		}
	}

	return nil
}

func shouldSkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

func (d *PluginDiscovery) store(result *PluginDiscoveryResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := result.Metadata.ID
	if existing, ok := d.cache[id]; ok {
		if existing.PluginPath != result.PluginPath {
			d.logger.Warn().
				Str("id", id).
				Str("previous", existing.PluginPath).
				Str("path", result.PluginPath).
				Msg("Duplicate plugin id, replacing earlier result")
		}
	} else {
		d.order = append(d.order, id)
	}
	d.cache[id] = result

	d.logger.Debug().
		Str("id", id).
		Str("path", result.PluginPath).
		Bool("valid", result.IsValid).
		Msg("Discovered plugin")
}

// parsePlugin builds the discovery result for one manifest
func (d *PluginDiscovery) parsePlugin(dir, manifestPath string) *PluginDiscoveryResult {
	result := &PluginDiscoveryResult{
		PluginPath:   dir,
		ManifestPath: manifestPath,
		Errors:       []string{},
		DiscoveredAt: time.Now(),
	}

	manifest, schemaErrors, err := d.manifests.LoadManifest(manifestPath)
	result.Errors = append(result.Errors, schemaErrors...)
	if err != nil {
		result.Metadata = PluginMetadata{
			ID:           filepath.Base(dir),
			Dependencies: []string{},
			Permissions:  []string{},
		}
		result.Errors = append(result.Errors, fmt.Sprintf("Invalid manifest: %v", err))
		return result
	}
	result.Metadata = manifest.PluginMetadata

	if manifest.ID == "" {
		result.Errors = append(result.Errors, "Missing plugin id")
		result.Metadata.ID = filepath.Base(dir)
	}
	if manifest.Name == "" {
		result.Errors = append(result.Errors, "Missing plugin name")
	}
	if manifest.Version == "" {
		result.Errors = append(result.Errors, "Missing plugin version")
	}
	if manifest.Entry == "" {
		result.Errors = append(result.Errors, "Missing plugin entry file")
	} else {
		result.EntryPath = filepath.Join(dir, manifest.Entry)
		if _, err := os.Stat(result.EntryPath); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Entry file not found: %s", result.EntryPath))
		}
		ext := strings.ToLower(filepath.Ext(manifest.Entry))
		if !d.supportsExtension(ext) {
			result.Errors = append(result.Errors, fmt.Sprintf("Unsupported entry file extension: %s", ext))
		}
	}

	result.IsValid = len(result.Errors) == 0
	return result
}

func (d *PluginDiscovery) supportsExtension(ext string) bool {
	for _, supported := range d.config.SupportedExtensions {
		if strings.EqualFold(supported, ext) {
			return true
		}
	}
	return false
}

// GetPluginByID returns the cached result for an id
func (d *PluginDiscovery) GetPluginByID(id string) (*PluginDiscoveryResult, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result, ok := d.cache[id]
	return result, ok
}

// GetAllPlugins returns every cached result in discovery order
func (d *PluginDiscovery) GetAllPlugins() []*PluginDiscoveryResult {
	return d.filter(func(*PluginDiscoveryResult) bool { return true })
}

// GetValidPlugins returns the cached results without errors
func (d *PluginDiscovery) GetValidPlugins() []*PluginDiscoveryResult {
	return d.filter(func(r *PluginDiscoveryResult) bool { return r.IsValid })
}

// GetInvalidPlugins returns the cached results with errors
func (d *PluginDiscovery) GetInvalidPlugins() []*PluginDiscoveryResult {
	return d.filter(func(r *PluginDiscoveryResult) bool { return !r.IsValid })
}

func (d *PluginDiscovery) filter(keep func(*PluginDiscoveryResult) bool) []*PluginDiscoveryResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	results := make([]*PluginDiscoveryResult, 0, len(d.order))
	for _, id := range d.order {
		if r := d.cache[id]; r != nil && keep(r) {
			results = append(results, r)
		}
	}
	return results
}

// SortPluginsByDependencies orders plugins so each follows its dependencies.
// Dependencies outside the supplied set are ignored; a cycle is an error.
func (d *PluginDiscovery) SortPluginsByDependencies(plugins []*PluginDiscoveryResult) ([]*PluginDiscoveryResult, error) {
	byID := make(map[string]*PluginDiscoveryResult, len(plugins))
	ids := make([]string, 0, len(plugins))
	for _, p := range plugins {
		if _, dup := byID[p.Metadata.ID]; dup {
			continue
		}
		byID[p.Metadata.ID] = p
		ids = append(ids, p.Metadata.ID)
	}

	order, err := d.resolver.Sort(ids, func(id string) []string {
		return byID[id].Metadata.Dependencies
	})
	if err != nil {
		return nil, err
	}

	sorted := make([]*PluginDiscoveryResult, 0, len(order))
	for _, id := range order {
		sorted = append(sorted, byID[id])
	}
	return sorted, nil
}

// CheckDependencies checks a plugin's declared dependencies against the
// discovered set and reports any cycle running through it
func (d *PluginDiscovery) CheckDependencies(plugin *PluginDiscoveryResult) DependencyCheck {
	check := DependencyCheck{
		Missing:  []string{},
		Circular: []string{},
	}

	for _, dep := range plugin.Metadata.Dependencies {
		if _, ok := d.GetPluginByID(dep); !ok {
			check.Missing = append(check.Missing, dep)
		}
	}

	cycle := d.resolver.FindCycle(plugin.Metadata.ID, func(id string) []string {
		if id == plugin.Metadata.ID {
			return plugin.Metadata.Dependencies
		}
		if r, ok := d.GetPluginByID(id); ok {
			return r.Metadata.Dependencies
		}
		return nil
	})
	if len(cycle) > 1 {
		check.Circular = append(check.Circular, cycle[:len(cycle)-1]...)
	}

	check.Satisfied = len(check.Missing) == 0 && len(check.Circular) == 0
	return check
}

// ClearCache drops every cached discovery result
func (d *PluginDiscovery) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*PluginDiscoveryResult)
	d.order = nil
	d.scanErrors = nil
}

// GetStats summarises the cache
func (d *PluginDiscovery) GetStats() DiscoveryStats {
	all := d.GetAllPlugins()

	stats := DiscoveryStats{
		Total:       len(all),
		Directories: append([]string(nil), d.config.Directories...),
		Errors:      []string{},
	}
	for _, r := range all {
		if r.IsValid {
			stats.Valid++
			continue
		}
		stats.Invalid++
		for _, e := range r.Errors {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", r.Metadata.ID, e))
		}
	}

	d.mu.RLock()
	stats.Errors = append(stats.Errors, d.scanErrors...)
	d.mu.RUnlock()
	return stats
}

// Config returns the discovery configuration
func (d *PluginDiscovery) Config() DiscoveryConfig {
	return d.config
}
