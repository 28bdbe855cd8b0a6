package lua

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// classMethods are the method names looked up on a class table
var classMethods = []string{
	plugin.MethodOnLoad,
	plugin.MethodOnActivate,
	plugin.MethodOnDeactivate,
	plugin.MethodOnUnload,
	plugin.MethodGetMetadata,
	plugin.MethodGetState,
	plugin.MethodSetState,
}

// SourceConfig configures the Lua module source
type SourceConfig struct {
	// Extensions are the entry file extensions handled by the source
	Extensions []string

	// CallTimeout bounds the entry file and every call into plugin code
	CallTimeout time.Duration
}

// DefaultSourceConfig returns the default Lua source configuration
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Extensions:  []string{".lua"},
		CallTimeout: DefaultCallTimeout,
	}
}

// Source imports Lua entry files. Every import gets a fresh state which is
// closed together with the module.
type Source struct {
	logger zerolog.Logger
	config SourceConfig
}

// NewSource creates a Lua module source
func NewSource(logger zerolog.Logger, config SourceConfig) *Source {
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultSourceConfig().Extensions
	}
	return &Source{
		logger: logger.With().Str("component", "lua-source").Logger(),
		config: config,
	}
}

func (s *Source) Name() string { return "lua" }

func (s *Source) Supports(d *plugin.PluginDiscoveryResult) bool {
	ext := filepath.Ext(d.EntryPath)
	for _, e := range s.config.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func (s *Source) Import(ctx context.Context, d *plugin.PluginDiscoveryResult) (*plugin.Module, error) {
	md := d.Metadata
	st := newState(s.logger.With().Str("plugin", md.ID).Logger(), s.config.CallTimeout)

	_ = st.locked(func(L *lua.LState) {
		L.SetGlobal("plugin", toLua(L, map[string]any{
			"id":          md.ID,
			"name":        md.Name,
			"version":     md.Version,
			"permissions": md.Permissions,
		}))
	})

	ret, err := st.exec(ctx, d.EntryPath)
	if err != nil {
		st.close()
		return nil, err
	}
	classTable, ok := ret.(*lua.LTable)
	if !ok {
		st.close()
		return nil, fmt.Errorf("entry %s must return a table, got %s", filepath.Base(d.EntryPath), ret.Type())
	}

	var methods []string
	_ = st.locked(func(L *lua.LState) {
		for _, name := range classMethods {
			if lookup(L, classTable, name) != nil {
				methods = append(methods, name)
			}
		}
	})

	name := md.Name
	if name == "" {
		name = md.ID
	}
	class := plugin.NewClass(name, methods, func() (any, error) {
		return newInstance(st, classTable)
	})

	s.logger.Debug().
		Str("plugin", md.ID).
		Strs("methods", methods).
		Msg("Imported Lua module")

	return plugin.NewModule(d.EntryPath, s.Name(), class, nil, st.close), nil
}

// lookup finds a method by its lower camel name first, then as spelled
func lookup(L *lua.LState, tbl lua.LValue, name string) *lua.LFunction {
	for _, key := range []string{lowerFirst(name), name} {
		if fn, ok := L.GetField(tbl, key).(*lua.LFunction); ok {
			return fn
		}
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
