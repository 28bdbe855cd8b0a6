package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MIRA_PLUGIN",
	MagicCookieValue: "mira-plugin-runtime-v1",
}

// PluginMap is the map of plugins we can dispense
var PluginMap = map[string]plugin.Plugin{
	"plugin": &LifecycleRPCPlugin{},
}

// Serve runs impl as a subprocess plugin. It is called from the main
// function of a plugin binary and blocks until the host disconnects.
func Serve(impl Plugin) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"plugin": &LifecycleRPCPlugin{Impl: impl},
		},
	})
}

// LifecycleRPCPlugin is the implementation of plugin.Plugin for net/rpc
type LifecycleRPCPlugin struct {
	Impl Plugin
}

func (p *LifecycleRPCPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &LifecycleRPCServer{Impl: p.Impl}, nil
}

func (p *LifecycleRPCPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &LifecycleRPCClient{client: c}, nil
}

// LifecycleResp carries a plugin error across the wire as text
type LifecycleResp struct {
	Error string
}

// StateResp carries JSON-encoded plugin state
type StateResp struct {
	State []byte
	Error string
}

// MetadataResp carries plugin metadata
type MetadataResp struct {
	Metadata PluginMetadata
	Found    bool
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LifecycleRPCServer is the RPC server that LifecycleRPCClient talks to
type LifecycleRPCServer struct {
	Impl Plugin
}

func (s *LifecycleRPCServer) OnLoad(args interface{}, resp *LifecycleResp) error {
	resp.Error = errString(s.Impl.OnLoad(context.Background()))
	return nil
}

func (s *LifecycleRPCServer) OnActivate(args interface{}, resp *LifecycleResp) error {
	resp.Error = errString(s.Impl.OnActivate(context.Background()))
	return nil
}

func (s *LifecycleRPCServer) OnDeactivate(args interface{}, resp *LifecycleResp) error {
	resp.Error = errString(s.Impl.OnDeactivate(context.Background()))
	return nil
}

func (s *LifecycleRPCServer) OnUnload(args interface{}, resp *LifecycleResp) error {
	resp.Error = errString(s.Impl.OnUnload(context.Background()))
	return nil
}

func (s *LifecycleRPCServer) GetState(args interface{}, resp *StateResp) error {
	sp, ok := s.Impl.(StatefulPlugin)
	if !ok {
		resp.Error = ErrStateUnsupported.Error()
		return nil
	}
	state, err := sp.GetState()
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		resp.Error = fmt.Sprintf("failed to encode state: %v", err)
		return nil
	}
	resp.State = data
	return nil
}

func (s *LifecycleRPCServer) SetState(args []byte, resp *LifecycleResp) error {
	sp, ok := s.Impl.(StatefulPlugin)
	if !ok {
		resp.Error = ErrStateUnsupported.Error()
		return nil
	}
	var state map[string]any
	if err := json.Unmarshal(args, &state); err != nil {
		resp.Error = fmt.Sprintf("failed to decode state: %v", err)
		return nil
	}
	resp.Error = errString(sp.SetState(state))
	return nil
}

func (s *LifecycleRPCServer) GetMetadata(args interface{}, resp *MetadataResp) error {
	if mp, ok := s.Impl.(MetadataProvider); ok {
		resp.Metadata = mp.GetMetadata()
		resp.Found = true
	}
	return nil
}

// LifecycleRPCClient is the host-side view of a subprocess plugin
type LifecycleRPCClient struct {
	client *rpc.Client
}

func (c *LifecycleRPCClient) call(ctx context.Context, method string, args, reply interface{}) error {
	call := c.client.Go("Plugin."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func (c *LifecycleRPCClient) lifecycle(ctx context.Context, method string) error {
	var resp LifecycleResp
	if err := c.call(ctx, method, new(interface{}), &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

func (c *LifecycleRPCClient) OnLoad(ctx context.Context) error {
	return c.lifecycle(ctx, MethodOnLoad)
}

func (c *LifecycleRPCClient) OnActivate(ctx context.Context) error {
	return c.lifecycle(ctx, MethodOnActivate)
}

func (c *LifecycleRPCClient) OnDeactivate(ctx context.Context) error {
	return c.lifecycle(ctx, MethodOnDeactivate)
}

func (c *LifecycleRPCClient) OnUnload(ctx context.Context) error {
	return c.lifecycle(ctx, MethodOnUnload)
}

func (c *LifecycleRPCClient) GetState() (map[string]any, error) {
	var resp StateResp
	if err := c.call(context.Background(), MethodGetState, new(interface{}), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	var state map[string]any
	if err := json.Unmarshal(resp.State, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return state, nil
}

func (c *LifecycleRPCClient) SetState(state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	var resp LifecycleResp
	if err := c.call(context.Background(), MethodSetState, data, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// ProcessSource starts plugin executables as subprocesses speaking the
// lifecycle RPC protocol. Each module owns one process.
type ProcessSource struct {
	logger       zerolog.Logger
	extensions   []string
	startTimeout time.Duration
}

// NewProcessSource creates a process source for entries with the given extensions
func NewProcessSource(logger zerolog.Logger, extensions ...string) *ProcessSource {
	if len(extensions) == 0 {
		extensions = []string{".plugin"}
	}
	return &ProcessSource{
		logger:       logger.With().Str("component", "process-source").Logger(),
		extensions:   extensions,
		startTimeout: 10 * time.Second,
	}
}

func (s *ProcessSource) Name() string { return "process" }

func (s *ProcessSource) Supports(d *PluginDiscoveryResult) bool {
	ext := filepath.Ext(d.EntryPath)
	for _, e := range s.extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func (s *ProcessSource) Import(ctx context.Context, d *PluginDiscoveryResult) (*Module, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(d.EntryPath),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		StartTimeout:     s.startTimeout,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + d.Metadata.ID,
			Level:  hclog.Warn,
			Output: s.logger,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("plugin")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	remote, ok := raw.(*LifecycleRPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin type %T", raw)
	}

	var md MetadataResp
	if err := remote.call(ctx, MethodGetMetadata, new(interface{}), &md); err != nil {
		s.logger.Debug().Err(err).Str("plugin", d.Metadata.ID).Msg("Plugin does not report metadata")
	}

	methods := append([]string{MethodGetState, MethodSetState}, LifecycleMethods...)
	if md.Found {
		methods = append(methods, MethodGetMetadata)
	}
	class := NewClass(d.Metadata.Name, methods, func() (any, error) {
		if client.Exited() {
			return nil, fmt.Errorf("plugin process for %s has exited", d.Metadata.ID)
		}
		return remote, nil
	})

	s.logger.Info().
		Str("plugin", d.Metadata.ID).
		Str("entry", d.EntryPath).
		Msg("Plugin process started")

	return NewModule(d.EntryPath, s.Name(), class, nil, func() error {
		client.Kill()
		return nil
	}), nil
}
