package plugin

import (
	"time"
)

// PluginState represents where a registered plugin is in its lifecycle
type PluginState string

const (
	StateRegistered   PluginState = "registered"
	StateLoaded       PluginState = "loaded"
	StateActive       PluginState = "active"
	StateInactive     PluginState = "inactive"
	StateError        PluginState = "error"
	StateUnregistered PluginState = "unregistered"
)

// Permission is a capability a plugin declares in its manifest
type Permission = string

const (
	PermissionStorage      Permission = "storage"
	PermissionNotification Permission = "notification"
	PermissionMenu         Permission = "menu"
	PermissionComponent    Permission = "component"
	PermissionShortcut     Permission = "shortcut"
	PermissionSystem       Permission = "system"
	PermissionFileSystem   Permission = "file-system"
	PermissionNetwork      Permission = "network"
)

// DefaultAllowedPermissions is the permission allow-list used when none is configured
var DefaultAllowedPermissions = []Permission{
	PermissionStorage,
	PermissionNotification,
	PermissionMenu,
	PermissionComponent,
	PermissionShortcut,
}

// DangerousPermissions are permissions that grant host-level access
var DangerousPermissions = []Permission{
	PermissionSystem,
	PermissionFileSystem,
	PermissionNetwork,
}

// PluginMetadata describes a plugin independent of how it is packaged
type PluginMetadata struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Version       string   `json:"version" yaml:"version"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author        string   `json:"author,omitempty" yaml:"author,omitempty"`
	Dependencies  []string `json:"dependencies" yaml:"dependencies"`
	Permissions   []string `json:"permissions" yaml:"permissions"`
	MinAppVersion string   `json:"minAppVersion,omitempty" yaml:"minAppVersion,omitempty"`
	Keywords      []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// PluginManifest represents the plugin.json file structure
type PluginManifest struct {
	PluginMetadata `yaml:",inline"`
	Entry          string `json:"entry" yaml:"entry"`
}

// PluginDiscoveryResult is produced once per manifest found during a scan
type PluginDiscoveryResult struct {
	Metadata     PluginMetadata `json:"metadata" yaml:"metadata"`
	PluginPath   string         `json:"pluginPath" yaml:"pluginPath"`
	EntryPath    string         `json:"entryPath" yaml:"entryPath"`
	ManifestPath string         `json:"manifestPath" yaml:"manifestPath"`
	IsValid      bool           `json:"isValid" yaml:"isValid"`
	Errors       []string       `json:"errors" yaml:"errors"`
	DiscoveredAt time.Time      `json:"discoveredAt" yaml:"discoveredAt"`
}

// Severity classifies a validation result
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationResult is the outcome of a single rule
type ValidationResult struct {
	Valid    bool           `json:"valid" yaml:"valid"`
	Severity Severity       `json:"severity" yaml:"severity"`
	Message  string         `json:"message" yaml:"message"`
	Rule     string         `json:"rule" yaml:"rule"`
	Details  map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// PluginValidationResult aggregates every rule run against one plugin
type PluginValidationResult struct {
	PluginID     string             `json:"pluginId" yaml:"pluginId"`
	Valid        bool               `json:"valid" yaml:"valid"`
	ErrorCount   int                `json:"errorCount" yaml:"errorCount"`
	WarningCount int                `json:"warningCount" yaml:"warningCount"`
	Results      []ValidationResult `json:"results" yaml:"results"`
	Duration     time.Duration      `json:"duration" yaml:"duration"`
}

// PluginLoadResult is the structured outcome of a load attempt. Loads never
// fail with an error return; failures are described here.
type PluginLoadResult struct {
	PluginID    string
	PluginClass *Class
	Metadata    PluginMetadata
	Success     bool
	Error       string
	LoadTime    time.Duration
	Module      *Module
	Cached      bool
}

// PluginStats are the running counters kept per registered plugin
type PluginStats struct {
	ActivationCount int           `json:"activationCount"`
	TotalRuntime    time.Duration `json:"totalRuntime"`
	AvgLoadTime     time.Duration `json:"avgLoadTime"`
	ErrorCount      int           `json:"errorCount"`
	LastErrorAt     *time.Time    `json:"lastErrorAt,omitempty"`
	LastError       string        `json:"lastError,omitempty"`
}

// RegisteredPlugin is the registry's unit of record
type RegisteredPlugin struct {
	ID                string
	Metadata          PluginMetadata
	Instance          Plugin
	PluginClass       *Class
	State             PluginState
	RegisteredAt      time.Time
	LastActivatedAt   *time.Time
	LastDeactivatedAt *time.Time
	ValidationResult  *PluginValidationResult
	Error             string
	Dependencies      []string
	Dependents        []string
	Stats             PluginStats
}

// clone returns a copy that shares the instance and class but no slices
func (p *RegisteredPlugin) clone() *RegisteredPlugin {
	c := *p
	c.Dependencies = append([]string(nil), p.Dependencies...)
	c.Dependents = append([]string(nil), p.Dependents...)
	c.Metadata.Dependencies = append([]string(nil), p.Metadata.Dependencies...)
	c.Metadata.Permissions = append([]string(nil), p.Metadata.Permissions...)
	c.Metadata.Keywords = append([]string(nil), p.Metadata.Keywords...)
	return &c
}

// DependencyCheck reports how a discovered plugin's dependencies resolve
type DependencyCheck struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
	Circular  []string `json:"circular"`
}

// DiscoveryStats summarises the discovery cache
type DiscoveryStats struct {
	Total       int      `json:"total"`
	Valid       int      `json:"valid"`
	Invalid     int      `json:"invalid"`
	Directories []string `json:"directories"`
	Errors      []string `json:"errors"`
}

// LoadStats summarises the loader's cache and in-flight work
type LoadStats struct {
	CachedModules int      `json:"cachedModules"`
	LoadingCount  int      `json:"loadingCount"`
	CachedIDs     []string `json:"cachedIds"`
	LoadingIDs    []string `json:"loadingIds"`
}

// RegistryStats summarises the registry
type RegistryStats struct {
	Total            int                 `json:"total"`
	ByState          map[PluginState]int `json:"byState"`
	TotalActivations int                 `json:"totalActivations"`
	TotalErrors      int                 `json:"totalErrors"`
}

// DependencyGraph is a snapshot of registered plugins and their edges.
// Edges map plugin id to the ids it requires.
type DependencyGraph struct {
	Nodes []string            `json:"nodes"`
	Edges map[string][]string `json:"edges"`
}
