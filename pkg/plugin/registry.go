package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
)

// RegistryConfig configures the plugin registry
type RegistryConfig struct {
	MaxPlugins             int
	EnableDependencyCheck  bool
	EnableStatePersistence bool
	PersistenceKey         string
	CleanupInterval        time.Duration
	EnableStats            bool
	ErrorRetention         time.Duration
	ActivationCountCap     int
}

// DefaultRegistryConfig returns the default registry configuration
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxPlugins:             100,
		EnableDependencyCheck:  true,
		EnableStatePersistence: true,
		PersistenceKey:         "mira-plugin-registry",
		CleanupInterval:        5 * time.Minute,
		EnableStats:            true,
		ErrorRetention:         24 * time.Hour,
		ActivationCountCap:     10000,
	}
}

var allowedTransitions = map[PluginState][]PluginState{
	StateRegistered: {StateLoaded, StateError},
	StateLoaded:     {StateActive, StateRegistered, StateError},
	StateActive:     {StateInactive, StateError},
	StateInactive:   {StateActive, StateRegistered, StateError},
	StateError:      {StateRegistered, StateLoaded, StateActive, StateInactive, StateError},
}

func canTransition(from, to PluginState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PluginRegistry owns the dependency graph and lifecycle state of every
// registered plugin. Lifecycle operations are serialised; reads may run
// concurrently with them. Event handlers run synchronously and may read
// the registry but must not call lifecycle operations.
type PluginRegistry struct {
	logger   zerolog.Logger
	config   RegistryConfig
	events   *EventBus
	store    SnapshotStore
	resolver *DependencyResolver
	now      func() time.Time

	// opMu serialises lifecycle operations, including plugin callbacks
	opMu sync.Mutex

	mu           sync.RWMutex
	plugins      map[string]*RegisteredPlugin
	order        []string
	dependencies map[string][]string
	dependents   map[string][]string
	loadCounts   map[string]int
	restored     map[string]PersistedPlugin
	restoreOrder []string
	capabilities any
	closed       bool

	cron *cron.Cron
}

// NewPluginRegistry creates a registry. events and store may be nil.
func NewPluginRegistry(logger zerolog.Logger, config RegistryConfig, events *EventBus, store SnapshotStore) *PluginRegistry {
	defaults := DefaultRegistryConfig()
	if config.MaxPlugins <= 0 {
		config.MaxPlugins = defaults.MaxPlugins
	}
	if config.PersistenceKey == "" {
		config.PersistenceKey = defaults.PersistenceKey
	}
	if config.ErrorRetention <= 0 {
		config.ErrorRetention = defaults.ErrorRetention
	}
	if config.ActivationCountCap <= 0 {
		config.ActivationCountCap = defaults.ActivationCountCap
	}
	if events == nil {
		events = NewEventBus(logger)
	}

	return &PluginRegistry{
		logger:       logger.With().Str("component", "plugin-registry").Logger(),
		config:       config,
		events:       events,
		store:        store,
		resolver:     NewDependencyResolver(logger),
		now:          time.Now,
		plugins:      make(map[string]*RegisteredPlugin),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
		loadCounts:   make(map[string]int),
		restored:     make(map[string]PersistedPlugin),
	}
}

// Events returns the bus the registry publishes on
func (r *PluginRegistry) Events() *EventBus {
	return r.events
}

// SetCapabilities sets the object handed to plugins implementing CapabilityReceiver
func (r *PluginRegistry) SetCapabilities(api any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities = api
}

// Register adds a loaded plugin in state registered
func (r *PluginRegistry) Register(ctx context.Context, load *PluginLoadResult, validation *PluginValidationResult) error {
	if load == nil {
		return fmt.Errorf("cannot register plugin: no load result")
	}
	id := load.PluginID

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if load.PluginClass == nil {
		return fmt.Errorf("Cannot register plugin %s: %w", id, ErrMissingClass)
	}

	r.mu.Lock()
	if len(r.plugins) >= r.config.MaxPlugins {
		r.mu.Unlock()
		return fmt.Errorf("%w: maximum plugin limit (%d) reached", ErrCapacityReached, r.config.MaxPlugins)
	}
	if _, exists := r.plugins[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: Plugin %s is already registered", ErrAlreadyRegistered, id)
	}
	deps := uniqueStrings(load.Metadata.Dependencies)
	if err := r.checkDependenciesLocked(id, deps); err != nil {
		r.mu.Unlock()
		return err
	}

	now := r.now()
	p := &RegisteredPlugin{
		ID:               id,
		Metadata:         load.Metadata,
		PluginClass:      load.PluginClass,
		State:            StateRegistered,
		RegisteredAt:     now,
		ValidationResult: validation,
		Stats:            PluginStats{AvgLoadTime: load.LoadTime},
	}
	if persisted, ok := r.restored[id]; ok {
		p.Stats = persisted.Stats.restore()
		r.logger.Debug().Str("plugin", id).Msg("Restored persisted stats")
	}
	r.plugins[id] = p
	r.order = append(r.order, id)
	r.loadCounts[id] = 1
	r.linkLocked(id, deps)

	registered := r.viewLocked(p)
	changed := r.dependencyEventsLocked(append([]string{id}, deps...))
	r.mu.Unlock()

	r.logger.Info().
		Str("plugin", id).
		Str("version", load.Metadata.Version).
		Strs("dependencies", deps).
		Msg("Plugin registered")

	r.events.Emit(Event{Type: EventPluginRegistered, PluginID: id, Plugin: registered})
	r.emitAll(changed)
	r.persist(ctx)
	return nil
}

// checkDependenciesLocked rejects missing dependencies and, when dependency
// checking is on, cycles the new edges would create
func (r *PluginRegistry) checkDependenciesLocked(id string, deps []string) error {
	if !r.config.EnableDependencyCheck {
		return nil
	}

	var missing []string
	for _, dep := range deps {
		if _, ok := r.plugins[dep]; !ok && dep != id {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &MissingDependenciesError{PluginID: id, Missing: missing}
	}

	cycle := r.resolver.FindCycle(id, func(n string) []string {
		if n == id {
			return deps
		}
		return r.dependencies[n]
	})
	if cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

func (r *PluginRegistry) linkLocked(id string, deps []string) {
	r.dependencies[id] = deps
	for _, dep := range deps {
		if !containsString(r.dependents[dep], id) {
			r.dependents[dep] = append(r.dependents[dep], id)
		}
	}
}

func (r *PluginRegistry) unlinkLocked(id string) []string {
	deps := r.dependencies[id]
	for _, dep := range deps {
		r.dependents[dep] = removeString(r.dependents[dep], id)
		if len(r.dependents[dep]) == 0 {
			delete(r.dependents, dep)
		}
	}
	delete(r.dependencies, id)
	return deps
}

// registeredDependentsLocked returns dependents that are currently registered
func (r *PluginRegistry) registeredDependentsLocked(id string) []string {
	var out []string
	for _, d := range r.dependents[id] {
		if _, ok := r.plugins[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Unregister removes a plugin nobody depends on, deactivating and unloading it first
func (r *PluginRegistry) Unregister(ctx context.Context, pluginID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	p, ok := r.plugins[pluginID]
	var dependents []string
	if ok {
		dependents = r.registeredDependentsLocked(pluginID)
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	if len(dependents) > 0 {
		return &DependentsError{PluginID: pluginID, Dependents: dependents}
	}

	if p.State == StateActive {
		if err := r.deactivate(ctx, pluginID, make(map[string]bool)); err != nil {
			r.logger.Warn().Err(err).Str("plugin", pluginID).Msg("Deactivation failed during unregister")
		}
	}
	r.releaseInstance(ctx, pluginID)

	r.mu.Lock()
	delete(r.plugins, pluginID)
	r.order = removeString(r.order, pluginID)
	delete(r.loadCounts, pluginID)
	deps := r.unlinkLocked(pluginID)
	changed := r.dependencyEventsLocked(deps)
	r.mu.Unlock()

	r.logger.Info().Str("plugin", pluginID).Msg("Plugin unregistered")

	r.events.Emit(Event{Type: EventPluginUnregistered, PluginID: pluginID, OldState: p.State, NewState: StateUnregistered})
	r.emitAll(changed)
	r.persist(ctx)
	return nil
}

// releaseInstance calls OnUnload and drops the instance
func (r *PluginRegistry) releaseInstance(ctx context.Context, pluginID string) {
	r.mu.Lock()
	p, ok := r.plugins[pluginID]
	var instance Plugin
	if ok {
		instance = p.Instance
		p.Instance = nil
	}
	r.mu.Unlock()

	if instance == nil {
		return
	}
	if err := safeCall(func() error { return instance.OnUnload(ctx) }); err != nil {
		r.logger.Warn().Err(err).Str("plugin", pluginID).Msg("OnUnload failed")
	}
}

// Activate activates a plugin, activating its dependencies first. A plugin
// without an instance is instantiated and loaded on the way.
func (r *PluginRegistry) Activate(ctx context.Context, pluginID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	err := r.activate(ctx, pluginID, nil)
	r.persist(ctx)
	return err
}

// activate walks dependencies depth-first; path holds the ids being activated above this one
func (r *PluginRegistry) activate(ctx context.Context, pluginID string, path []string) error {
	p, ok := r.snapshot(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	if p.State == StateActive {
		return nil
	}
	if containsString(path, pluginID) {
		return &CycleError{Cycle: cycleFromStack(path, pluginID)}
	}
	path = append(path[:len(path):len(path)], pluginID)

	ctx, span := tracing.StartPluginSpan(ctx, "plugin-registry", "plugin.activate", pluginID)
	defer span.End()

	for _, dep := range p.Dependencies {
		if _, ok := r.snapshot(dep); !ok {
			err := &MissingDependenciesError{PluginID: pluginID, Missing: []string{dep}}
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("Failed to activate plugin %s: %w", pluginID, err)
		}
		if err := r.activate(ctx, dep, path); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("Failed to activate dependency %s of %s: %w", dep, pluginID, err)
		}
	}

	instance := p.Instance
	if instance == nil {
		var err error
		instance, err = r.instantiate(ctx, p)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return r.fail(pluginID, fmt.Errorf("Failed to load plugin %s: %w", pluginID, err))
		}
	}

	if err := safeCall(func() error { return instance.OnActivate(ctx) }); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return r.fail(pluginID, fmt.Errorf("Failed to activate plugin %s: %w", pluginID, err))
	}
	if err := r.transition(pluginID, StateActive, ""); err != nil {
		return err
	}

	r.logger.Info().Str("plugin", pluginID).Msg("Plugin activated")
	return nil
}

// instantiate creates the instance, hands it the capabilities and calls OnLoad
func (r *PluginRegistry) instantiate(ctx context.Context, p *RegisteredPlugin) (Plugin, error) {
	instance, err := p.PluginClass.New()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	capabilities := r.capabilities
	r.mu.RUnlock()
	if receiver, ok := instance.(CapabilityReceiver); ok && capabilities != nil {
		receiver.SetCapabilities(capabilities)
	}

	if err := safeCall(func() error { return instance.OnLoad(ctx) }); err != nil {
		return nil, err
	}
	if err := r.SetPluginInstance(p.ID, instance); err != nil {
		return nil, err
	}
	if err := r.transition(p.ID, StateLoaded, ""); err != nil {
		return nil, err
	}
	return instance, nil
}

// Deactivate deactivates a plugin after deactivating everything that depends on it
func (r *PluginRegistry) Deactivate(ctx context.Context, pluginID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	err := r.deactivate(ctx, pluginID, make(map[string]bool))
	r.persist(ctx)
	return err
}

func (r *PluginRegistry) deactivate(ctx context.Context, pluginID string, visiting map[string]bool) error {
	p, ok := r.snapshot(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	if p.State != StateActive || visiting[pluginID] {
		return nil
	}
	visiting[pluginID] = true
	defer delete(visiting, pluginID)

	ctx, span := tracing.StartPluginSpan(ctx, "plugin-registry", "plugin.deactivate", pluginID)
	defer span.End()

	// Dependents first. A dependent that fails lands in the error state,
	// which is not active, so the dependency may still go down.
	var errs []error
	for _, dependent := range p.Dependents {
		if err := r.deactivate(ctx, dependent, visiting); err != nil {
			errs = append(errs, err)
		}
	}

	if p.Instance == nil {
		errs = append(errs, r.transition(pluginID, StateInactive, ""))
		return errors.Join(errs...)
	}
	if err := safeCall(func() error { return p.Instance.OnDeactivate(ctx) }); err != nil {
		span.SetStatus(codes.Error, err.Error())
		errs = append(errs, r.fail(pluginID, fmt.Errorf("Failed to deactivate plugin %s: %w", pluginID, err)))
		return errors.Join(errs...)
	}
	if err := r.transition(pluginID, StateInactive, ""); err != nil {
		errs = append(errs, err)
	}

	r.logger.Info().Str("plugin", pluginID).Msg("Plugin deactivated")
	return errors.Join(errs...)
}

// UnloadPlugin deactivates a plugin if needed, calls OnUnload and drops
// its instance. The plugin stays registered.
func (r *PluginRegistry) UnloadPlugin(ctx context.Context, pluginID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	p, ok := r.snapshot(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	var errs []error
	if p.State == StateActive {
		if err := r.deactivate(ctx, pluginID, make(map[string]bool)); err != nil {
			errs = append(errs, err)
		}
	}
	r.releaseInstance(ctx, pluginID)
	if current, _ := r.snapshot(pluginID); current.State != StateRegistered {
		if err := r.transition(pluginID, StateRegistered, ""); err != nil {
			errs = append(errs, err)
		}
	}

	r.persist(ctx)
	return errors.Join(errs...)
}

// Replace swaps the class and metadata of a registered, inactive plugin
// for a freshly loaded version. The entry keeps its id, stats and place in
// the graph; dependency edges are re-linked to the new declaration.
func (r *PluginRegistry) Replace(ctx context.Context, load *PluginLoadResult, validation *PluginValidationResult) error {
	if load == nil {
		return fmt.Errorf("cannot replace plugin: no load result")
	}
	id := load.PluginID

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if load.PluginClass == nil {
		return fmt.Errorf("Cannot register plugin %s: %w", id, ErrMissingClass)
	}

	r.mu.Lock()
	p, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if p.State == StateActive || p.Instance != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: plugin %s must be unloaded before it is replaced", ErrInvalidTransition, id)
	}
	deps := uniqueStrings(load.Metadata.Dependencies)
	if err := r.checkDependenciesLocked(id, deps); err != nil {
		r.mu.Unlock()
		return err
	}

	oldDeps := r.unlinkLocked(id)
	r.linkLocked(id, deps)
	p.Metadata = load.Metadata
	p.PluginClass = load.PluginClass
	p.ValidationResult = validation
	n := r.loadCounts[id]
	p.Stats.AvgLoadTime = (p.Stats.AvgLoadTime*time.Duration(n) + load.LoadTime) / time.Duration(n+1)
	r.loadCounts[id] = n + 1
	changed := r.dependencyEventsLocked(append(append([]string{id}, oldDeps...), deps...))
	r.mu.Unlock()

	var err error
	if p.State != StateRegistered {
		err = r.transition(id, StateRegistered, "")
	}

	r.logger.Info().Str("plugin", id).Str("version", load.Metadata.Version).Msg("Plugin replaced")
	r.emitAll(changed)
	r.persist(ctx)
	return err
}

// UpdatePluginState moves a plugin to a new state. A non-empty errMsg is
// recorded against the plugin. Entering active requires every dependency
// to be active; leaving active requires no dependent to be active.
func (r *PluginRegistry) UpdatePluginState(ctx context.Context, pluginID string, state PluginState, errMsg string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	p, ok := r.snapshot(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	if state == StateActive && p.State != StateActive {
		for _, dep := range p.Dependencies {
			if d, ok := r.snapshot(dep); !ok || d.State != StateActive {
				return fmt.Errorf("%w: dependency %s of %s is not active", ErrInvalidTransition, dep, pluginID)
			}
		}
	}
	if p.State == StateActive && state != StateActive {
		for _, dependent := range p.Dependents {
			if d, ok := r.snapshot(dependent); ok && d.State == StateActive {
				return fmt.Errorf("%w: dependent %s of %s is still active", ErrInvalidTransition, dependent, pluginID)
			}
		}
	}

	err := r.transition(pluginID, state, errMsg)
	r.persist(ctx)
	return err
}

// fail records err against the plugin, moves it to the error state and returns err
func (r *PluginRegistry) fail(pluginID string, err error) error {
	if terr := r.transition(pluginID, StateError, err.Error()); terr != nil {
		r.logger.Error().Err(terr).Str("plugin", pluginID).Msg("Failed to record plugin error")
	}
	return err
}

// transition applies a state change and its bookkeeping, then emits events
func (r *PluginRegistry) transition(pluginID string, state PluginState, errMsg string) error {
	r.mu.Lock()
	p, ok := r.plugins[pluginID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	old := p.State
	if old == state && state != StateError {
		r.mu.Unlock()
		return nil
	}
	if !canTransition(old, state) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, pluginID, old, state)
	}

	now := r.now()
	p.State = state
	if state == StateActive {
		p.LastActivatedAt = &now
		if r.config.EnableStats {
			p.Stats.ActivationCount++
		}
	}
	if old == StateActive && state != StateActive {
		p.LastDeactivatedAt = &now
		if r.config.EnableStats && p.LastActivatedAt != nil {
			p.Stats.TotalRuntime += now.Sub(*p.LastActivatedAt)
		}
	}
	if errMsg != "" {
		p.Error = errMsg
		p.Stats.ErrorCount++
		p.Stats.LastError = errMsg
		p.Stats.LastErrorAt = &now
	} else if state != StateError {
		p.Error = ""
	}
	r.mu.Unlock()

	r.logger.Debug().
		Str("plugin", pluginID).
		Str("from", string(old)).
		Str("to", string(state)).
		Msg("Plugin state changed")

	r.events.Emit(Event{Type: EventStateChanged, PluginID: pluginID, OldState: old, NewState: state})
	if errMsg != "" {
		r.logger.Error().Str("plugin", pluginID).Str("error", errMsg).Msg("Plugin error")
		r.events.Emit(Event{Type: EventPluginError, PluginID: pluginID, Error: errMsg, NewState: state})
	}
	return nil
}

// SetPluginInstance attaches an instance to a registered plugin
func (r *PluginRegistry) SetPluginInstance(pluginID string, instance Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	p.Instance = instance
	return nil
}

// snapshot returns a copy of a plugin record with its graph edges filled in
func (r *PluginRegistry) snapshot(pluginID string) (*RegisteredPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[pluginID]
	if !ok {
		return nil, false
	}
	return r.viewLocked(p), true
}

func (r *PluginRegistry) viewLocked(p *RegisteredPlugin) *RegisteredPlugin {
	v := p.clone()
	v.Dependencies = append([]string{}, r.dependencies[p.ID]...)
	v.Dependents = append([]string{}, r.dependents[p.ID]...)
	return v
}

func (r *PluginRegistry) dependencyEventsLocked(ids []string) []Event {
	var events []Event
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := r.plugins[id]; !ok {
			continue
		}
		events = append(events, Event{
			Type:         EventDependencyChanged,
			PluginID:     id,
			Dependencies: append([]string{}, r.dependencies[id]...),
			Dependents:   append([]string{}, r.dependents[id]...),
		})
	}
	return events
}

func (r *PluginRegistry) emitAll(events []Event) {
	for _, e := range events {
		r.events.Emit(e)
	}
}

// Get returns a copy of a registered plugin
func (r *PluginRegistry) Get(pluginID string) (*RegisteredPlugin, bool) {
	return r.snapshot(pluginID)
}

// GetAll returns copies of every registered plugin in registration order
func (r *PluginRegistry) GetAll() []*RegisteredPlugin {
	return r.filter(func(*RegisteredPlugin) bool { return true })
}

// GetByState returns the plugins in a state
func (r *PluginRegistry) GetByState(state PluginState) []*RegisteredPlugin {
	return r.filter(func(p *RegisteredPlugin) bool { return p.State == state })
}

// GetActive returns the active plugins
func (r *PluginRegistry) GetActive() []*RegisteredPlugin {
	return r.GetByState(StateActive)
}

// Search matches a case-insensitive query against id, name, description and keywords
func (r *PluginRegistry) Search(query string) []*RegisteredPlugin {
	q := strings.ToLower(strings.TrimSpace(query))
	return r.filter(func(p *RegisteredPlugin) bool {
		if q == "" {
			return true
		}
		if strings.Contains(strings.ToLower(p.ID), q) ||
			strings.Contains(strings.ToLower(p.Metadata.Name), q) ||
			strings.Contains(strings.ToLower(p.Metadata.Description), q) {
			return true
		}
		for _, k := range p.Metadata.Keywords {
			if strings.Contains(strings.ToLower(k), q) {
				return true
			}
		}
		return false
	})
}

func (r *PluginRegistry) filter(keep func(*RegisteredPlugin) bool) []*RegisteredPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RegisteredPlugin, 0, len(r.order))
	for _, id := range r.order {
		if p := r.plugins[id]; p != nil && keep(p) {
			out = append(out, r.viewLocked(p))
		}
	}
	return out
}

// GetStats summarises the registry
func (r *PluginRegistry) GetStats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:   len(r.plugins),
		ByState: make(map[PluginState]int),
	}
	for _, p := range r.plugins {
		stats.ByState[p.State]++
		stats.TotalActivations += p.Stats.ActivationCount
		stats.TotalErrors += p.Stats.ErrorCount
	}
	return stats
}

// GetDependencyGraph returns the registered nodes and their dependency edges
func (r *PluginRegistry) GetDependencyGraph() DependencyGraph {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph := DependencyGraph{
		Nodes: append([]string{}, r.order...),
		Edges: make(map[string][]string, len(r.order)),
	}
	for _, id := range r.order {
		graph.Edges[id] = append([]string{}, r.dependencies[id]...)
	}
	return graph
}

// HasCircularDependency reports whether a plugin lies on a dependency cycle
func (r *PluginRegistry) HasCircularDependency(pluginID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolver.FindCycle(pluginID, r.edgesLocked) != nil
}

func (r *PluginRegistry) edgesLocked(id string) []string {
	return r.dependencies[id]
}

// GetDependencyOrder sorts registered ids so dependencies come first. A
// cycle among them is an error.
func (r *PluginRegistry) GetDependencyOrder(ids []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range ids {
		if _, ok := r.plugins[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
		}
	}
	return r.resolver.Sort(ids, r.edgesLocked)
}

// Cleanup clears errors older than the retention window and caps activation counters
func (r *PluginRegistry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.config.ErrorRetention)
	cleared, capped := 0, 0
	for _, p := range r.plugins {
		if p.Stats.LastErrorAt != nil && p.Stats.LastErrorAt.Before(cutoff) {
			p.Stats.LastErrorAt = nil
			p.Stats.LastError = ""
			if p.State != StateError {
				p.Error = ""
			}
			cleared++
		}
		if p.Stats.ActivationCount > r.config.ActivationCountCap {
			p.Stats.ActivationCount /= 10
			capped++
		}
	}
	for id, list := range r.dependents {
		if len(list) == 0 {
			delete(r.dependents, id)
		}
	}

	r.logger.Debug().Int("errors_cleared", cleared).Int("counters_capped", capped).Msg("Registry cleanup completed")
}

// StartCleanup schedules Cleanup every CleanupInterval
func (r *PluginRegistry) StartCleanup() error {
	if r.config.CleanupInterval <= 0 || r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.config.CleanupInterval), r.Cleanup); err != nil {
		return fmt.Errorf("failed to schedule registry cleanup: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Debug().Dur("interval", r.config.CleanupInterval).Msg("Registry cleanup scheduled")
	return nil
}

// Restore reads the persisted snapshot. Stats of plugins registered later
// are seeded from it, and PreviouslyActive reports what was active.
func (r *PluginRegistry) Restore(ctx context.Context) error {
	if !r.config.EnableStatePersistence || r.store == nil {
		return nil
	}
	data, err := r.store.Load(ctx, r.config.PersistenceKey)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load registry snapshot: %w", err)
	}

	var snapshot RegistrySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to decode registry snapshot: %w", err)
	}

	r.mu.Lock()
	r.restored = make(map[string]PersistedPlugin, len(snapshot.Plugins))
	r.restoreOrder = nil
	for _, p := range snapshot.Plugins {
		r.restored[p.ID] = p
		r.restoreOrder = append(r.restoreOrder, p.ID)
		if existing, ok := r.plugins[p.ID]; ok {
			existing.Stats = p.Stats.restore()
		}
	}
	r.mu.Unlock()

	r.logger.Info().
		Int("plugins", len(snapshot.Plugins)).
		Time("last_updated", snapshot.LastUpdated).
		Msg("Registry snapshot restored")
	return nil
}

// PreviouslyActive returns the ids that were active in the restored snapshot
func (r *PluginRegistry) PreviouslyActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.restoreOrder {
		if r.restored[id].State == StateActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot builds the persisted form of the registry
func (r *PluginRegistry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := RegistrySnapshot{
		Plugins:     make([]PersistedPlugin, 0, len(r.order)),
		LastUpdated: r.now(),
	}
	for _, id := range r.order {
		p := r.viewLocked(r.plugins[id])
		snapshot.Plugins = append(snapshot.Plugins, PersistedPlugin{
			ID:                p.ID,
			Metadata:          p.Metadata,
			State:             p.State,
			RegisteredAt:      p.RegisteredAt,
			LastActivatedAt:   p.LastActivatedAt,
			LastDeactivatedAt: p.LastDeactivatedAt,
			Error:             p.Error,
			Dependencies:      p.Dependencies,
			Dependents:        p.Dependents,
			Stats:             persistStats(p.Stats),
		})
	}
	return snapshot
}

func (r *PluginRegistry) persist(ctx context.Context) {
	if !r.config.EnableStatePersistence || r.store == nil {
		return
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode registry snapshot")
		return
	}
	if err := r.store.Save(ctx, r.config.PersistenceKey, data); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist registry snapshot")
	}
}

// Clear deactivates, unloads and removes every plugin
func (r *PluginRegistry) Clear(ctx context.Context) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	visiting := make(map[string]bool)
	for _, id := range ids {
		if err := r.deactivate(ctx, id, visiting); err != nil {
			r.logger.Warn().Err(err).Str("plugin", id).Msg("Deactivation failed during clear")
		}
	}
	for _, id := range ids {
		r.releaseInstance(ctx, id)
	}

	r.mu.Lock()
	r.plugins = make(map[string]*RegisteredPlugin)
	r.order = nil
	r.dependencies = make(map[string][]string)
	r.dependents = make(map[string][]string)
	r.loadCounts = make(map[string]int)
	r.mu.Unlock()

	for _, id := range ids {
		r.events.Emit(Event{Type: EventPluginUnregistered, PluginID: id, NewState: StateUnregistered})
	}
	r.logger.Info().Int("count", len(ids)).Msg("Registry cleared")
	r.persist(ctx)
}

// Close stops the cleanup schedule and writes a final snapshot. Later
// operations still work but are no longer persisted.
func (r *PluginRegistry) Close(ctx context.Context) error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.persist(ctx)

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// safeCall runs a plugin callback, converting a panic into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panicked: %v", rec)
		}
	}()
	return fn()
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
