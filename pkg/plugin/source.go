package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	goplugin "plugin"
	"reflect"
	"strings"
	"sync"
)

// ModuleSource turns a discovered entry file into a Module. Sources are
// consulted in order; the first whose Supports returns true imports the entry.
type ModuleSource interface {
	Name() string
	Supports(discovery *PluginDiscoveryResult) bool
	Import(ctx context.Context, discovery *PluginDiscoveryResult) (*Module, error)
}

// StaticSource serves modules compiled into the host binary, keyed by plugin id
type StaticSource struct {
	mu      sync.RWMutex
	modules map[string]func() *Module
}

// NewStaticSource creates an empty static source
func NewStaticSource() *StaticSource {
	return &StaticSource{
		modules: make(map[string]func() *Module),
	}
}

// Register makes a module available for a plugin id
func (s *StaticSource) Register(pluginID string, build func() *Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[pluginID] = build
}

// RegisterFactory registers a module whose default export is factory
func (s *StaticSource) RegisterFactory(pluginID string, factory Factory) {
	s.Register(pluginID, func() *Module {
		return NewModule("static:"+pluginID, "static", factory, nil, nil)
	})
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Supports(d *PluginDiscoveryResult) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.modules[d.Metadata.ID]
	return ok
}

func (s *StaticSource) Import(ctx context.Context, d *PluginDiscoveryResult) (*Module, error) {
	s.mu.RLock()
	build, ok := s.modules[d.Metadata.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no static module for %s", d.Metadata.ID)
	}
	m := build()
	if m == nil {
		return nil, fmt.Errorf("static module for %s is nil", d.Metadata.ID)
	}
	return m, nil
}

// NativeSource imports Go plugins (.so) built with -buildmode=plugin.
// Shared objects cannot be unloaded, so modules from this source are never closed.
type NativeSource struct{}

// NewNativeSource creates a native source
func NewNativeSource() *NativeSource {
	return &NativeSource{}
}

func (s *NativeSource) Name() string { return "native" }

func (s *NativeSource) Supports(d *PluginDiscoveryResult) bool {
	return strings.EqualFold(filepath.Ext(d.EntryPath), ".so")
}

func (s *NativeSource) Import(ctx context.Context, d *PluginDiscoveryResult) (*Module, error) {
	p, err := goplugin.Open(d.EntryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open native plugin: %w", err)
	}

	exports := make(map[string]any)
	for _, name := range exportCandidates(d.Metadata, "New", "Plugin") {
		if sym, err := p.Lookup(name); err == nil {
			exports[name] = derefSymbol(sym)
		}
	}

	var def any
	if sym, err := p.Lookup("Default"); err == nil {
		def = derefSymbol(sym)
	}

	return NewModule(d.EntryPath, s.Name(), def, exports, nil), nil
}

// exportCandidates lists the symbol names a plugin class may be exported under
func exportCandidates(md PluginMetadata, extra ...string) []string {
	names := append([]string(nil), extra...)
	for _, n := range []string{md.Name, md.Name + "Plugin", md.ID, strings.ReplaceAll(md.ID, "-", "")} {
		if n != "" && n != "Plugin" {
			names = append(names, n)
		}
	}
	return names
}

// derefSymbol unwraps exported variables, which plugin.Lookup returns as pointers
func derefSymbol(sym goplugin.Symbol) any {
	v := reflect.ValueOf(sym)
	if v.Kind() == reflect.Ptr && !v.IsNil() && v.Elem().Kind() == reflect.Func {
		return v.Elem().Interface()
	}
	return sym
}
