package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RuntimeConfig configures every component of the plugin runtime
type RuntimeConfig struct {
	Discovery DiscoveryConfig
	Loader    LoaderConfig
	Validator ValidatorConfig
	Registry  RegistryConfig

	// AutoActivate activates every registered plugin on start. When off,
	// only plugins active in the restored snapshot are activated.
	AutoActivate bool
}

// DefaultRuntimeConfig returns the default runtime configuration
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Discovery:    DefaultDiscoveryConfig(),
		Loader:       DefaultLoaderConfig(),
		Validator:    DefaultValidatorConfig(),
		Registry:     DefaultRegistryConfig(),
		AutoActivate: true,
	}
}

// RuntimeOption customises a runtime
type RuntimeOption func(*PluginRuntime)

// WithSources sets the module sources the loader consults, in order
func WithSources(sources ...ModuleSource) RuntimeOption {
	return func(r *PluginRuntime) {
		r.sources = append(r.sources, sources...)
	}
}

// WithSnapshotStore sets where the registry persists its snapshot
func WithSnapshotStore(store SnapshotStore) RuntimeOption {
	return func(r *PluginRuntime) {
		r.store = store
	}
}

// WithEventBus shares an existing event bus
func WithEventBus(bus *EventBus) RuntimeOption {
	return func(r *PluginRuntime) {
		r.events = bus
	}
}

// WithCapabilities sets the object handed to plugins implementing CapabilityReceiver
func WithCapabilities(api any) RuntimeOption {
	return func(r *PluginRuntime) {
		r.capabilities = api
	}
}

// WithLoadObserver receives every load result, e.g. for metrics
func WithLoadObserver(fn func(*PluginLoadResult)) RuntimeOption {
	return func(r *PluginRuntime) {
		r.loadObserver = fn
	}
}

// Stage names the step of start-up at which a plugin stopped
type Stage string

const (
	StageDiscovery  Stage = "discovery"
	StageValidation Stage = "validation"
	StageDependency Stage = "dependency"
	StageLoad       Stage = "load"
	StageRegister   Stage = "register"
	StageActivate   Stage = "activate"
)

// PluginOutcome is what happened to one plugin during Start
type PluginOutcome struct {
	PluginID   string                  `json:"pluginId"`
	Path       string                  `json:"path"`
	State      PluginState             `json:"state,omitempty"`
	Stage      Stage                   `json:"stage,omitempty"`
	Errors     []string                `json:"errors,omitempty"`
	Validation *PluginValidationResult `json:"validation,omitempty"`
}

// Failed reports whether the plugin stopped before reaching its target state
func (o PluginOutcome) Failed() bool {
	return len(o.Errors) > 0
}

// StartReport summarises a Start call
type StartReport struct {
	Discovered int             `json:"discovered"`
	Registered int             `json:"registered"`
	Active     int             `json:"active"`
	Failed     int             `json:"failed"`
	Duration   time.Duration   `json:"duration"`
	Plugins    []PluginOutcome `json:"plugins"`
}

// PluginRuntime wires discovery, validation, loading and the registry
// into a single start-up pipeline
type PluginRuntime struct {
	logger       zerolog.Logger
	config       RuntimeConfig
	sources      []ModuleSource
	store        SnapshotStore
	events       *EventBus
	capabilities any
	loadObserver func(*PluginLoadResult)

	discovery *PluginDiscovery
	validator *PluginValidator
	loader    *PluginLoader
	registry  *PluginRegistry

	// reloadMu serialises reloads and late additions
	reloadMu sync.Mutex
}

// NewPluginRuntime creates a new plugin runtime
func NewPluginRuntime(logger zerolog.Logger, config RuntimeConfig, opts ...RuntimeOption) (*PluginRuntime, error) {
	r := &PluginRuntime{
		logger: logger.With().Str("component", "plugin-runtime").Logger(),
		config: config,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.events == nil {
		r.events = NewEventBus(logger)
	}

	loader, err := NewPluginLoader(logger, config.Loader, r.sources...)
	if err != nil {
		return nil, err
	}

	r.discovery = NewPluginDiscovery(logger, config.Discovery)
	r.validator = NewPluginValidator(logger, config.Validator)
	r.loader = loader
	if r.loadObserver != nil {
		loader.SetObserver(r.loadObserver)
	}
	r.registry = NewPluginRegistry(logger, config.Registry, r.events, r.store)
	if r.capabilities != nil {
		r.registry.SetCapabilities(r.capabilities)
	}
	return r, nil
}

// Start discovers, validates, loads, registers and activates plugins. A
// failing plugin is reported in the returned outcome and never stops the
// others; the error return is reserved for failures of the runtime itself.
func (r *PluginRuntime) Start(ctx context.Context) (*StartReport, error) {
	start := time.Now()
	r.logger.Info().Strs("directories", r.config.Discovery.Directories).Msg("Starting plugin runtime")

	if err := r.registry.Restore(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to restore registry snapshot")
	}
	if err := r.registry.StartCleanup(); err != nil {
		return nil, err
	}

	discovered, err := r.discovery.DiscoverPlugins(ctx)
	if err != nil {
		return nil, fmt.Errorf("plugin discovery failed: %w", err)
	}

	report := &StartReport{Discovered: len(discovered)}
	outcomes := make(map[string]*PluginOutcome, len(discovered))
	var order []string
	reject := func(id string, stage Stage, msgs ...string) {
		o, ok := outcomes[id]
		if !ok {
			o = &PluginOutcome{PluginID: id}
			outcomes[id] = o
			order = append(order, id)
		}
		o.Stage = stage
		o.Errors = append(o.Errors, msgs...)
	}

	// Discovery and metadata validation
	var candidates []*PluginDiscoveryResult
	for _, d := range discovered {
		id := d.Metadata.ID
		outcomes[id] = &PluginOutcome{PluginID: id, Path: d.PluginPath}
		order = append(order, id)

		if !d.IsValid {
			reject(id, StageDiscovery, d.Errors...)
			continue
		}
		v := r.validator.ValidateDiscovery(d)
		outcomes[id].Validation = v
		if !v.Valid {
			reject(id, StageValidation, validationErrors(v)...)
			continue
		}
		candidates = append(candidates, d)
	}

	// Plugins on a cycle can never load; drop them before sorting
	var acyclic []*PluginDiscoveryResult
	for _, d := range candidates {
		if check := r.discovery.CheckDependencies(d); len(check.Circular) > 0 {
			cycle := append(append([]string{}, check.Circular...), check.Circular[0])
			reject(d.Metadata.ID, StageDependency, (&CycleError{Cycle: cycle}).Error())
			continue
		}
		acyclic = append(acyclic, d)
	}
	sorted, err := r.discovery.SortPluginsByDependencies(acyclic)
	if err != nil {
		return nil, fmt.Errorf("failed to order plugins: %w", err)
	}

	// Load concurrently, then validate and register in dependency order
	loads := r.loader.LoadPlugins(ctx, sorted)
	for i, load := range loads {
		d := sorted[i]
		id := d.Metadata.ID
		if !load.Success {
			reject(id, StageLoad, load.Error)
			continue
		}

		v := r.validator.ValidateLoad(load, d)
		outcomes[id].Validation = v
		if !v.Valid {
			r.loader.UnloadPlugin(id)
			reject(id, StageValidation, validationErrors(v)...)
			continue
		}

		if err := r.registry.Register(ctx, load, v); err != nil {
			r.loader.UnloadPlugin(id)
			reject(id, StageRegister, err.Error())
			continue
		}
		outcomes[id].State = StateRegistered
		report.Registered++
	}

	// Activation
	for _, id := range r.activationSet() {
		if err := r.registry.Activate(ctx, id); err != nil {
			reject(id, StageActivate, err.Error())
		}
	}

	for _, id := range order {
		o := outcomes[id]
		if p, ok := r.registry.Get(id); ok {
			o.State = p.State
			if p.State == StateActive {
				report.Active++
			}
		}
		if o.Failed() {
			report.Failed++
		}
		report.Plugins = append(report.Plugins, *o)
	}
	report.Duration = time.Since(start)

	r.logger.Info().
		Int("discovered", report.Discovered).
		Int("registered", report.Registered).
		Int("active", report.Active).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Plugin runtime started")

	return report, nil
}

func (r *PluginRuntime) activationSet() []string {
	if r.config.AutoActivate {
		var ids []string
		for _, p := range r.registry.GetAll() {
			ids = append(ids, p.ID)
		}
		return ids
	}

	var ids []string
	for _, id := range r.registry.PreviouslyActive() {
		if _, ok := r.registry.Get(id); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func validationErrors(v *PluginValidationResult) []string {
	var msgs []string
	for _, res := range v.Results {
		if !res.Valid && res.Severity == SeverityError {
			msgs = append(msgs, fmt.Sprintf("[%s] %s", res.Rule, res.Message))
		}
	}
	return msgs
}

// Discovery returns the runtime's discovery component
func (r *PluginRuntime) Discovery() *PluginDiscovery { return r.discovery }

// Validator returns the runtime's validator
func (r *PluginRuntime) Validator() *PluginValidator { return r.validator }

// Loader returns the runtime's loader
func (r *PluginRuntime) Loader() *PluginLoader { return r.loader }

// Registry returns the runtime's registry
func (r *PluginRuntime) Registry() *PluginRegistry { return r.registry }

// Events returns the runtime's event bus
func (r *PluginRuntime) Events() *EventBus { return r.events }

// Shutdown deactivates and unloads every plugin, then releases modules
// and the snapshot store
func (r *PluginRuntime) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down plugin runtime")

	var errs []error
	active := r.registry.GetActive()
	ids := make([]string, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.ID)
	}
	if len(ids) > 0 {
		r.logger.Debug().Str("plugins", strings.Join(ids, ",")).Msg("Deactivating plugins")
	}
	// Snapshot before clearing so the next start knows what was active
	if err := r.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	r.registry.Clear(ctx)

	if err := r.loader.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info().Msg("Plugin runtime shutdown complete")
	return errors.Join(errs...)
}
