package cli

import (
	"context"
	"fmt"

	"github.com/hunmer/mira-launcher-sub001/internal/config"
	"github.com/hunmer/mira-launcher-sub001/internal/logger"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin/lua"
	"github.com/hunmer/mira-launcher-sub001/pkg/pluginstore"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// session is the configuration and logger shared by one command run
type session struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger
}

// newSession loads and validates the configuration, applies the global
// flags and mutate, and builds the logger. Logs go to the command's
// stderr so stdout only carries command output.
func newSession(cmd *cobra.Command, mutate func(*config.Config)) (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &session{cfg: cfg, log: log, logger: log.GetZerolog()}, nil
}

func (s *session) Close() error {
	return s.log.Close()
}

// sources returns the module sources in lookup order
func (s *session) sources() []plugin.ModuleSource {
	return []plugin.ModuleSource{
		lua.NewSource(s.logger, lua.SourceConfig{
			Extensions:  []string{".lua"},
			CallTimeout: s.cfg.Plugins.LuaCallTimeout,
		}),
		plugin.NewNativeSource(),
		plugin.NewProcessSource(s.logger),
	}
}

// newDiscovery builds a standalone discovery for the configured directories
func (s *session) newDiscovery() *plugin.PluginDiscovery {
	return plugin.NewPluginDiscovery(s.logger, s.cfg.RuntimeConfig().Discovery)
}

// newRuntime builds the plugin runtime with the configured snapshot store
func (s *session) newRuntime(ctx context.Context, opts ...plugin.RuntimeOption) (*plugin.PluginRuntime, error) {
	opts = append([]plugin.RuntimeOption{plugin.WithSources(s.sources()...)}, opts...)

	if s.cfg.Registry.EnableStatePersistence {
		store, err := pluginstore.Open(ctx, s.logger, s.cfg.StoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		opts = append(opts, plugin.WithSnapshotStore(store))
	}

	runtime, err := plugin.NewPluginRuntime(s.logger, s.cfg.RuntimeConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin runtime: %w", err)
	}
	return runtime, nil
}
