package plugin

import (
	"context"
)

// Lifecycle method names as they appear on a plugin class
const (
	MethodOnLoad       = "OnLoad"
	MethodOnActivate   = "OnActivate"
	MethodOnDeactivate = "OnDeactivate"
	MethodOnUnload     = "OnUnload"
	MethodGetMetadata  = "GetMetadata"
	MethodGetState     = "GetState"
	MethodSetState     = "SetState"
)

// LifecycleMethods are the methods every plugin instance must expose
var LifecycleMethods = []string{
	MethodOnLoad,
	MethodOnActivate,
	MethodOnDeactivate,
	MethodOnUnload,
}

// Plugin is the contract every activated plugin instance fulfils
type Plugin interface {
	// OnLoad is called once after the instance is created
	OnLoad(ctx context.Context) error

	// OnActivate is called each time the plugin becomes active
	OnActivate(ctx context.Context) error

	// OnDeactivate is called each time the plugin stops being active
	OnDeactivate(ctx context.Context) error

	// OnUnload is called before the instance is dropped
	OnUnload(ctx context.Context) error
}

// Factory constructs plugin instances. A module exporting a Factory passes
// class validation without structural inspection.
type Factory func() Plugin

// StatefulPlugin exposes internal state so it can survive a hot reload
type StatefulPlugin interface {
	GetState() (map[string]any, error)
	SetState(state map[string]any) error
}

// MetadataProvider is implemented by plugins that describe themselves
type MetadataProvider interface {
	GetMetadata() PluginMetadata
}

// CapabilityReceiver is implemented by plugins that want the host's
// capability object. It is handed over before OnLoad.
type CapabilityReceiver interface {
	SetCapabilities(api any)
}

// BasePlugin is an embeddable no-op implementation of Plugin
type BasePlugin struct {
	Meta PluginMetadata
}

func (b *BasePlugin) OnLoad(ctx context.Context) error       { return nil }
func (b *BasePlugin) OnActivate(ctx context.Context) error   { return nil }
func (b *BasePlugin) OnDeactivate(ctx context.Context) error { return nil }
func (b *BasePlugin) OnUnload(ctx context.Context) error     { return nil }

// GetMetadata returns the metadata the plugin was built with
func (b *BasePlugin) GetMetadata() PluginMetadata { return b.Meta }
