package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"go.opentelemetry.io/otel/codes"
)

// ReloadPhase is the step a reload has reached. A reload always ends in
// PhaseReloaded or PhaseError.
type ReloadPhase string

const (
	PhasePending      ReloadPhase = "pending"
	PhaseDeactivating ReloadPhase = "deactivating"
	PhaseUnloading    ReloadPhase = "unloading"
	PhaseLoading      ReloadPhase = "loading"
	PhaseRegistering  ReloadPhase = "registering"
	PhaseActivating   ReloadPhase = "activating"
	PhaseReloaded     ReloadPhase = "reloaded"
	PhaseError        ReloadPhase = "error"
)

// Terminal reports whether no further phase follows
func (p ReloadPhase) Terminal() bool {
	return p == PhaseReloaded || p == PhaseError
}

// ReloadOptions tunes a single reload
type ReloadOptions struct {
	// PreserveState carries GetState output of the old instance into
	// SetState of the new one
	PreserveState bool

	// OnPhase is called as the reload enters each phase
	OnPhase func(ReloadPhase)
}

// ReloadResult describes a completed reload
type ReloadResult struct {
	PluginID       string        `json:"pluginId"`
	Version        string        `json:"version"`
	Reactivated    []string      `json:"reactivated"`
	StatePreserved bool          `json:"statePreserved"`
	Duration       time.Duration `json:"duration"`
}

// ReloadPlugin replaces a registered plugin with the code currently on
// disk: deactivate, unload, rediscover, load, validate, replace and
// reactivate. Plugins that were active before, including dependents that
// went down with it, are activated again in dependency order. On failure
// the plugin is left registered without an instance and marked as errored.
func (r *PluginRuntime) ReloadPlugin(ctx context.Context, pluginID string, opts ReloadOptions) (*ReloadResult, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	ctx, span := tracing.StartPluginSpan(ctx, "plugin-runtime", "plugin.reload", pluginID)
	defer span.End()
	log := tracing.LoggerFromContext(ctx, r.logger)

	start := time.Now()
	phase := func(p ReloadPhase) {
		r.logger.Debug().Str("plugin", pluginID).Str("phase", string(p)).Msg("Reload phase")
		if opts.OnPhase != nil {
			opts.OnPhase(p)
		}
	}
	failed := func(err error) (*ReloadResult, error) {
		span.SetStatus(codes.Error, err.Error())
		if _, ok := r.registry.Get(pluginID); ok {
			if uerr := r.registry.UpdatePluginState(ctx, pluginID, StateError, err.Error()); uerr != nil {
				r.logger.Debug().Err(uerr).Str("plugin", pluginID).Msg("Could not mark plugin as errored")
			}
		}
		log.Error().Err(err).Msg("Plugin reload failed")
		phase(PhaseError)
		return nil, err
	}

	phase(PhasePending)
	current, ok := r.registry.Get(pluginID)
	if !ok {
		return failed(fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID))
	}
	known, ok := r.discovery.GetPluginByID(pluginID)
	if !ok {
		return failed(fmt.Errorf("no discovery result for plugin %s", pluginID))
	}

	var wasActive []string
	for _, p := range r.registry.GetActive() {
		wasActive = append(wasActive, p.ID)
	}

	phase(PhaseDeactivating)
	var saved map[string]any
	if opts.PreserveState && current.Instance != nil {
		if sp, ok := StateAccessors(current.Instance); ok {
			state, err := sp.GetState()
			switch {
			case err == nil:
				saved = state
			case errors.Is(err, ErrStateUnsupported):
			default:
				r.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Failed to capture plugin state")
			}
		}
	}
	if current.State == StateActive {
		if err := r.registry.Deactivate(ctx, pluginID); err != nil {
			return failed(err)
		}
	}

	phase(PhaseUnloading)
	if err := r.registry.UnloadPlugin(ctx, pluginID); err != nil {
		return failed(err)
	}
	r.loader.UnloadPlugin(pluginID)

	phase(PhaseLoading)
	discovery, err := r.discovery.DiscoverPlugin(known.PluginPath)
	if err != nil {
		return failed(err)
	}
	if discovery.Metadata.ID != pluginID {
		return failed(fmt.Errorf("plugin id changed from %s to %s; restart to pick it up", pluginID, discovery.Metadata.ID))
	}
	if !discovery.IsValid {
		return failed(fmt.Errorf("invalid manifest: %v", discovery.Errors))
	}
	if v := r.validator.ValidateDiscovery(discovery); !v.Valid {
		return failed(fmt.Errorf("validation failed: %v", validationErrors(v)))
	}
	load := r.loader.ReloadPlugin(ctx, discovery)
	if !load.Success {
		return failed(errors.New(load.Error))
	}
	validation := r.validator.ValidateLoad(load, discovery)
	if !validation.Valid {
		r.loader.UnloadPlugin(pluginID)
		return failed(fmt.Errorf("validation failed: %v", validationErrors(validation)))
	}

	phase(PhaseRegistering)
	if err := r.registry.Replace(ctx, load, validation); err != nil {
		r.loader.UnloadPlugin(pluginID)
		return failed(err)
	}

	result := &ReloadResult{PluginID: pluginID, Version: load.Metadata.Version}

	phase(PhaseActivating)
	var reactivate []string
	for _, id := range wasActive {
		if p, ok := r.registry.Get(id); ok && p.State != StateActive {
			reactivate = append(reactivate, id)
		}
	}
	if len(reactivate) > 0 {
		ordered, err := r.registry.GetDependencyOrder(reactivate)
		if err != nil {
			return failed(err)
		}
		for _, id := range ordered {
			if err := r.registry.Activate(ctx, id); err != nil {
				if id == pluginID {
					return failed(err)
				}
				// A dependent that cannot come back does not undo this reload
				r.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to reactivate dependent")
				continue
			}
			result.Reactivated = append(result.Reactivated, id)
		}
	}

	if saved != nil {
		if p, ok := r.registry.Get(pluginID); ok && p.Instance != nil {
			if sp, ok := StateAccessors(p.Instance); ok {
				if err := sp.SetState(saved); err != nil {
					r.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Failed to restore plugin state")
				} else {
					result.StatePreserved = true
				}
			}
		}
	}

	result.Duration = time.Since(start)
	phase(PhaseReloaded)

	log.Info().
		Str("version", result.Version).
		Strs("reactivated", result.Reactivated).
		Bool("state_preserved", result.StatePreserved).
		Dur("duration", result.Duration).
		Msg("Plugin reloaded")

	if p, ok := r.registry.Get(pluginID); ok {
		r.events.Emit(Event{Type: EventPluginReloaded, PluginID: pluginID, Plugin: p, Path: discovery.PluginPath})
	}
	return result, nil
}

// AddPlugin brings a plugin directory that appeared after start into the
// runtime. It is activated when AutoActivate is set.
func (r *PluginRuntime) AddPlugin(ctx context.Context, dir string) (*PluginOutcome, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	discovery, err := r.discovery.DiscoverPlugin(dir)
	if err != nil {
		return nil, err
	}
	id := discovery.Metadata.ID
	outcome := &PluginOutcome{PluginID: id, Path: discovery.PluginPath}
	reject := func(stage Stage, msgs ...string) (*PluginOutcome, error) {
		outcome.Stage = stage
		outcome.Errors = append(outcome.Errors, msgs...)
		r.logger.Warn().Str("plugin", id).Str("stage", string(stage)).Strs("errors", msgs).Msg("Plugin not added")
		return outcome, nil
	}

	if _, exists := r.registry.Get(id); exists {
		return nil, fmt.Errorf("%w: Plugin %s is already registered", ErrAlreadyRegistered, id)
	}
	if !discovery.IsValid {
		return reject(StageDiscovery, discovery.Errors...)
	}
	v := r.validator.ValidateDiscovery(discovery)
	outcome.Validation = v
	if !v.Valid {
		return reject(StageValidation, validationErrors(v)...)
	}

	load := r.loader.LoadPlugin(ctx, discovery)
	if !load.Success {
		return reject(StageLoad, load.Error)
	}
	v = r.validator.ValidateLoad(load, discovery)
	outcome.Validation = v
	if !v.Valid {
		r.loader.UnloadPlugin(id)
		return reject(StageValidation, validationErrors(v)...)
	}
	if err := r.registry.Register(ctx, load, v); err != nil {
		r.loader.UnloadPlugin(id)
		return reject(StageRegister, err.Error())
	}

	if r.config.AutoActivate {
		if err := r.registry.Activate(ctx, id); err != nil {
			outcome.State = StateError
			return reject(StageActivate, err.Error())
		}
	}
	if p, ok := r.registry.Get(id); ok {
		outcome.State = p.State
	}
	r.logger.Info().Str("plugin", id).Str("state", string(outcome.State)).Msg("Plugin added")
	return outcome, nil
}

// DiscoveredPlugins returns the discovery results of registered plugins
func (r *PluginRuntime) DiscoveredPlugins() []*PluginDiscoveryResult {
	var results []*PluginDiscoveryResult
	for _, d := range r.discovery.GetAllPlugins() {
		if _, ok := r.registry.Get(d.Metadata.ID); ok {
			results = append(results, d)
		}
	}
	return results
}

// ManifestName is the manifest file name discovery looks for
func (r *PluginRuntime) ManifestName() string {
	return r.discovery.Config().ManifestName
}
