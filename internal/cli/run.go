package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hunmer/mira-launcher-sub001/internal/config"
	"github.com/hunmer/mira-launcher-sub001/internal/metrics"
	"github.com/hunmer/mira-launcher-sub001/internal/observability"
	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/hunmer/mira-launcher-sub001/pkg/hooks"
	"github.com/hunmer/mira-launcher-sub001/pkg/hotreload"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	runDirs        []string
	runWatch       bool
	runOnce        bool
	runMetricsAddr string
	runOutput      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the plugin runtime",
	Long: `Discover, validate, load, register and activate every plugin, then keep
the runtime alive until interrupted. With --watch, plugin directories are
watched and plugins are reloaded when their files change.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runDirs, "dir", nil, "plugin directory to load instead of the configured ones (repeatable)")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "enable dev mode and reload plugins when their files change")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "start the runtime, print the start report and shut down")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", OutputTable, "start report format (table, json, yaml)")
	rootCmd.AddCommand(runCmd)
}

func runConfigOverrides(cfg *config.Config) {
	overrideDirectories(runDirs)(cfg)
	if runWatch {
		cfg.Plugins.DevMode = true
		cfg.HotReload.Enabled = true
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = runMetricsAddr
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(runOutput); err != nil {
		return err
	}

	s, err := newSession(cmd, runConfigOverrides)
	if err != nil {
		return err
	}
	defer s.Close()
	log := s.log.Component("cli")

	statusPath := statusFilePath(s.cfg.DataDir)
	if !runOnce {
		if existing, err := readStatusFile(statusPath); err == nil && existing != nil && isRunning(existing.PID) && existing.PID != os.Getpid() {
			return fmt.Errorf("plugin runtime is already running (PID %d)", existing.PID)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = tracing.NewRequestContext(ctx)

	if s.cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.ProviderConfig{
			ServiceName:    s.cfg.Tracing.ServiceName,
			ServiceVersion: GetVersion(),
			PluginDirs:     s.cfg.Plugins.Directories,
			DevMode:        s.cfg.Plugins.DevMode,
		})
		if err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
		defer tracing.ShutdownOpenTelemetry(context.Background())
	}

	m := metrics.NewMetrics()
	runtime, err := s.newRuntime(ctx, plugin.WithLoadObserver(m.RecordLoad))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := runtime.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Plugin runtime shutdown failed")
		}
	}()
	defer m.Observe(runtime.Events())()

	if s.cfg.Logging.AuditFile != "" {
		audit, err := observability.OpenAuditLogger(s.cfg.Logging.AuditFile)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer audit.Close()
		defer audit.Observe(ctx, runtime.Events())()
	}

	hookManager, err := hooks.NewManager(s.cfg.HookSettings(s.logger))
	if err != nil {
		return fmt.Errorf("invalid hooks: %w", err)
	}
	defer hookManager.Wait()
	defer hookManager.Observe(ctx, runtime.Events())()

	if s.cfg.Metrics.Enabled {
		srv := startMetricsServer(log, s.cfg.Metrics.Address, m)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	report, err := runtime.Start(ctx)
	if err != nil {
		return err
	}
	m.RecordStart(report)

	if runOnce {
		return writeStartReport(cmd, report)
	}

	var reloads *hotreload.Manager
	if settings := s.cfg.HotReloadSettings(); settings.Enabled {
		reloads = hotreload.NewManager(s.logger, settings, runtime)
		if err := reloads.Start(ctx, s.cfg.Plugins.Directories...); err != nil {
			return fmt.Errorf("failed to start hot reload: %w", err)
		}
		defer reloads.Stop()
	}

	publisher := newStatusPublisher(log, statusPath, runtime, reloads, s.cfg.Plugins.Directories)
	defer publisher.close()
	defer runtime.Events().OnAny(func(plugin.Event) { publisher.refresh() })()
	publisher.refresh()

	log.Info().
		Int("active", report.Active).
		Int("failed", report.Failed).
		Bool("hot_reload", reloads != nil).
		Msg("Plugin runtime running, press Ctrl+C to stop")

	<-ctx.Done()
	log.Info().Msg("Shutting down plugin runtime")
	return nil
}

func startMetricsServer(log zerolog.Logger, addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("address", addr).Msg("Starting metrics server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

func writeStartReport(cmd *cobra.Command, report *plugin.StartReport) error {
	out := cmd.OutOrStdout()
	if runOutput != OutputTable {
		return writeStructured(out, runOutput, report)
	}

	rows := make([][]string, 0, len(report.Plugins))
	for _, p := range report.Plugins {
		state := string(p.State)
		if state == "" {
			state = "-"
		}
		stage := "-"
		if p.Failed() {
			stage = string(p.Stage)
		}
		rows = append(rows, []string{p.PluginID, state, stage, joinOrDash(p.Errors)})
	}
	if err := writeTable(out, []string{"ID", "STATE", "FAILED AT", "ERRORS"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d discovered, %d registered, %d active, %d failed in %s\n",
		report.Discovered, report.Registered, report.Active, report.Failed,
		report.Duration.Round(time.Millisecond))
	return err
}

// statusPublisher rewrites the status file in the background whenever
// the runtime changes
type statusPublisher struct {
	logger  zerolog.Logger
	path    string
	runtime *plugin.PluginRuntime
	reloads *hotreload.Manager
	status  runStatus

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newStatusPublisher(logger zerolog.Logger, path string, runtime *plugin.PluginRuntime, reloads *hotreload.Manager, dirs []string) *statusPublisher {
	p := &statusPublisher{
		logger:  logger,
		path:    path,
		runtime: runtime,
		reloads: reloads,
		status: runStatus{
			PID:         os.Getpid(),
			Version:     version,
			StartedAt:   time.Now(),
			Directories: dirs,
		},
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *statusPublisher) refresh() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *statusPublisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.signal:
			p.write()
		}
	}
}

func (p *statusPublisher) write() {
	p.status.Plugins = pluginStatuses(p.runtime.Registry().GetAll())
	if p.reloads != nil {
		st := p.reloads.GetStatus()
		p.status.HotReload = &hotReloadStatus{Enabled: st.IsEnabled, Stats: st.Stats}
	}
	if err := writeStatusFile(p.path, &p.status); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to write status file")
	}
}

// close stops publishing and removes the status file
func (p *statusPublisher) close() {
	close(p.done)
	p.wg.Wait()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn().Err(err).Str("path", p.path).Msg("Failed to remove status file")
	}
}
