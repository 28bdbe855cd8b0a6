package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

// writeManifest writes plugin.json into dir, creating dir as needed
func writeManifest(t *testing.T, dir string, manifest map[string]any) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "plugin.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// createTestPlugin creates <baseDir>/<id> with a manifest and a main.lua entry
func createTestPlugin(t *testing.T, baseDir, id string, deps ...string) string {
	t.Helper()
	if deps == nil {
		deps = []string{}
	}
	dir := filepath.Join(baseDir, id)
	writeManifest(t, dir, map[string]any{
		"id":           id,
		"name":         "Test " + id,
		"version":      "1.0.0",
		"entry":        "main.lua",
		"dependencies": deps,
		"permissions":  []string{},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("return {}"), 0644))
	return dir
}

func testMetadata(id string, deps ...string) PluginMetadata {
	if deps == nil {
		deps = []string{}
	}
	return PluginMetadata{
		ID:           id,
		Name:         "Test " + id,
		Version:      "1.0.0",
		Dependencies: deps,
		Permissions:  []string{},
	}
}

func testDiscovery(id string, deps ...string) *PluginDiscoveryResult {
	return &PluginDiscoveryResult{
		Metadata:  testMetadata(id, deps...),
		EntryPath: "/plugins/" + id + "/main.lua",
		IsValid:   true,
		Errors:    []string{},
	}
}

// recordingPlugin records every lifecycle call and can be told to fail one
type recordingPlugin struct {
	BasePlugin

	mu     sync.Mutex
	calls  []string
	failOn map[string]error
	state  map[string]any
}

func newRecordingPlugin(id string) *recordingPlugin {
	return &recordingPlugin{
		BasePlugin: BasePlugin{Meta: testMetadata(id)},
		failOn:     make(map[string]error),
		state:      make(map[string]any),
	}
}

func (p *recordingPlugin) record(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, method)
	return p.failOn[method]
}

func (p *recordingPlugin) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *recordingPlugin) OnLoad(ctx context.Context) error     { return p.record(MethodOnLoad) }
func (p *recordingPlugin) OnActivate(ctx context.Context) error { return p.record(MethodOnActivate) }
func (p *recordingPlugin) OnDeactivate(ctx context.Context) error {
	return p.record(MethodOnDeactivate)
}
func (p *recordingPlugin) OnUnload(ctx context.Context) error { return p.record(MethodOnUnload) }

func (p *recordingPlugin) GetState() (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.state))
	for k, v := range p.state {
		out[k] = v
	}
	return out, nil
}

func (p *recordingPlugin) SetState(state map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	return nil
}

// pluginFactory hands out recording plugins and remembers them by id
type pluginFactory struct {
	mu        sync.Mutex
	instances map[string][]*recordingPlugin
	failOn    map[string]map[string]error
}

func newPluginFactory() *pluginFactory {
	return &pluginFactory{
		instances: make(map[string][]*recordingPlugin),
		failOn:    make(map[string]map[string]error),
	}
}

func (f *pluginFactory) fail(id, method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[id] == nil {
		f.failOn[id] = make(map[string]error)
	}
	f.failOn[id][method] = err
}

func (f *pluginFactory) factory(id string) Factory {
	return func() Plugin {
		f.mu.Lock()
		defer f.mu.Unlock()
		p := newRecordingPlugin(id)
		for m, err := range f.failOn[id] {
			p.failOn[m] = err
		}
		f.instances[id] = append(f.instances[id], p)
		return p
	}
}

func (f *pluginFactory) latest(id string) *recordingPlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.instances[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *pluginFactory) load(id string, deps ...string) *PluginLoadResult {
	return &PluginLoadResult{
		PluginID:    id,
		PluginClass: NewFactoryClass("Test "+id, f.factory(id)),
		Metadata:    testMetadata(id, deps...),
		Success:     true,
	}
}

// blockingSource blocks every import until release is closed
type blockingSource struct {
	release chan struct{}
	imports atomic.Int32
	closed  atomic.Int32
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{})}
}

func (s *blockingSource) Name() string                           { return "blocking" }
func (s *blockingSource) Supports(d *PluginDiscoveryResult) bool { return true }

func (s *blockingSource) Import(ctx context.Context, d *PluginDiscoveryResult) (*Module, error) {
	s.imports.Add(1)
	<-s.release
	factory := func() Plugin { return newRecordingPlugin(d.Metadata.ID) }
	return NewModule(d.EntryPath, s.Name(), Factory(factory), nil, func() error {
		s.closed.Add(1)
		return nil
	}), nil
}

// failingSource fails every import
type failingSource struct{}

func (failingSource) Name() string                           { return "failing" }
func (failingSource) Supports(d *PluginDiscoveryResult) bool { return true }
func (failingSource) Import(ctx context.Context, d *PluginDiscoveryResult) (*Module, error) {
	return nil, fmt.Errorf("cannot import %s", d.EntryPath)
}
