package hotreload

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Reloader is the part of the plugin runtime the manager drives.
// *plugin.PluginRuntime implements it.
type Reloader interface {
	ReloadPlugin(ctx context.Context, pluginID string, opts plugin.ReloadOptions) (*plugin.ReloadResult, error)
	AddPlugin(ctx context.Context, dir string) (*plugin.PluginOutcome, error)
	DiscoveredPlugins() []*plugin.PluginDiscoveryResult
	ManifestName() string
	Events() *plugin.EventBus
}

// Manager batches file changes and turns them into reload tasks
type Manager struct {
	logger  zerolog.Logger
	config  Config
	runtime Reloader
	watcher *Watcher

	mu        sync.Mutex
	queue     []FileChange
	timer     *time.Timer
	reloading bool
	stopped   bool
	stats     Stats
	tasks     []*ReloadTask

	// flushMu keeps reload tasks strictly sequential
	flushMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager. Nothing is watched until Start.
func NewManager(logger zerolog.Logger, config Config, runtime Reloader) *Manager {
	defaults := DefaultConfig()
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = defaults.DebounceDelay
	}
	if config.TaskHistory <= 0 {
		config.TaskHistory = defaults.TaskHistory
	}
	if config.WatchExtensions == nil {
		config.WatchExtensions = defaults.WatchExtensions
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger.With().Str("component", "hot-reload").Logger(),
		config:  config,
		runtime: runtime,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start watches dirs and reloads plugins as their files change. It does
// nothing when hot reload is disabled.
func (m *Manager) Start(ctx context.Context, dirs ...string) error {
	if !m.config.Enabled {
		m.logger.Info().Msg("Hot reload disabled")
		return nil
	}

	watcher, err := NewWatcher(m.logger, WatcherConfig{
		Directories: dirs,
		OnChange:    m.Notify,
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	m.logger.Info().
		Dur("debounce", m.config.DebounceDelay).
		Bool("preserve_state", m.config.PreserveState).
		Msg("Hot reload started")
	return nil
}

// Stop stops watching, drops queued changes and waits for a running flush
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.queue = nil
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	m.cancel()
	var err error
	if watcher != nil {
		err = watcher.Stop()
	}
	m.wg.Wait()
	m.logger.Info().Msg("Hot reload stopped")
	return err
}

// Notify queues a change and restarts the debounce timer
func (m *Manager) Notify(change FileChange) {
	if !m.config.Enabled || !m.watches(change) {
		return
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.logger.Debug().Str("path", change.Path).Str("type", string(change.Type)).Msg("File change queued")
	m.queue = append(m.queue, change)

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.config.DebounceDelay, func() {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		m.Flush(m.ctx)
	})
}

// watches reports whether a change can affect a plugin
func (m *Manager) watches(change FileChange) bool {
	if change.Type == ChangeDeleted {
		return true
	}
	if filepath.Base(change.Path) == m.runtime.ManifestName() {
		return true
	}
	return hasExtension(change.Path, m.config.WatchExtensions)
}

// Flush processes every queued change now and returns the tasks it ran
func (m *Manager) Flush(ctx context.Context) []ReloadTask {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	changes := m.queue
	m.queue = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.reloading = len(changes) > 0
	m.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	defer func() {
		m.mu.Lock()
		m.reloading = false
		m.mu.Unlock()
	}()

	groups, order, added := m.groupChanges(changes)
	m.logger.Info().
		Int("changes", len(changes)).
		Strs("plugins", order).
		Msg("Processing file changes")

	for _, dir := range added {
		outcome, err := m.runtime.AddPlugin(ctx, dir)
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to add plugin")
		case outcome.Failed():
			m.logger.Warn().Str("plugin", outcome.PluginID).Strs("errors", outcome.Errors).Msg("New plugin rejected")
		default:
			m.logger.Info().Str("plugin", outcome.PluginID).Msg("New plugin picked up")
		}
	}

	var tasks []ReloadTask
	for _, id := range order {
		g := groups[id]
		kind := KindPartial
		if needsFullReload(g.owner, g.changes, m.runtime.ManifestName()) {
			kind = KindFull
		}
		task := m.newTask(id, kind, g.changes, false)
		tasks = append(tasks, m.run(ctx, task))
	}
	return tasks
}

type changeGroup struct {
	owner   *plugin.PluginDiscoveryResult
	changes []FileChange
}

// groupChanges assigns changes to the plugin whose directory contains them,
// the deepest directory winning. Manifests outside every known plugin are
// new plugins.
func (m *Manager) groupChanges(changes []FileChange) (map[string]*changeGroup, []string, []string) {
	owners := m.runtime.DiscoveredPlugins()
	sort.Slice(owners, func(i, j int) bool {
		return len(owners[i].PluginPath) > len(owners[j].PluginPath)
	})

	groups := make(map[string]*changeGroup)
	var order, added []string
	seenDirs := make(map[string]bool)
	for _, change := range changes {
		owner := ownerOf(owners, change.Path)
		if owner == nil {
			if change.Type != ChangeDeleted && filepath.Base(change.Path) == m.runtime.ManifestName() {
				dir := filepath.Dir(change.Path)
				if !seenDirs[dir] {
					seenDirs[dir] = true
					added = append(added, dir)
				}
			}
			continue
		}

		id := owner.Metadata.ID
		g, ok := groups[id]
		if !ok {
			g = &changeGroup{owner: owner}
			groups[id] = g
			order = append(order, id)
		}
		g.changes = append(g.changes, change)
	}
	return groups, order, added
}

func ownerOf(owners []*plugin.PluginDiscoveryResult, path string) *plugin.PluginDiscoveryResult {
	clean := filepath.Clean(path)
	for _, o := range owners {
		dir := filepath.Clean(o.PluginPath)
		if clean == dir || strings.HasPrefix(clean, dir+string(filepath.Separator)) {
			return o
		}
	}
	return nil
}

// needsFullReload is true when the manifest or entry changed or anything was deleted
func needsFullReload(owner *plugin.PluginDiscoveryResult, changes []FileChange, manifestName string) bool {
	for _, c := range changes {
		if c.Type == ChangeDeleted {
			return true
		}
		path := filepath.Clean(c.Path)
		if filepath.Base(path) == manifestName || path == filepath.Clean(owner.EntryPath) {
			return true
		}
	}
	return false
}

// ManualReload fully reloads a plugin regardless of file changes
func (m *Manager) ManualReload(ctx context.Context, pluginID string) (ReloadTask, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.logger.Info().Str("plugin", pluginID).Msg("Manual reload triggered")
	task := m.run(ctx, m.newTask(pluginID, KindFull, nil, true))
	if task.Error != "" {
		return task, errors.New(task.Error)
	}
	return task, nil
}

func (m *Manager) newTask(pluginID string, kind ReloadKind, changes []FileChange, manual bool) *ReloadTask {
	task := &ReloadTask{
		ID:        uuid.NewString(),
		PluginID:  pluginID,
		Kind:      kind,
		Phase:     plugin.PhasePending,
		Manual:    manual,
		Changes:   changes,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	if over := len(m.tasks) - m.config.TaskHistory; over > 0 {
		m.tasks = append([]*ReloadTask(nil), m.tasks[over:]...)
	}
	m.mu.Unlock()
	return task
}

// run drives a task to a terminal phase and returns a copy of it
func (m *Manager) run(ctx context.Context, task *ReloadTask) ReloadTask {
	ctx, span := tracing.StartPluginSpan(ctx, "hot-reload", "hotreload.task", task.PluginID,
		attribute.String("reload.kind", string(task.Kind)),
		attribute.String("reload.task_id", task.ID),
	)
	defer span.End()

	ctx = tracing.WithTaskID(ctx, task.ID)
	log := tracing.LoggerFromContext(ctx, m.logger)
	log.Info().
		Str("kind", string(task.Kind)).
		Int("changes", len(task.Changes)).
		Msg("Reloading plugin")

	var (
		result *plugin.ReloadResult
		err    error
	)
	switch task.Kind {
	case KindFull:
		result, err = m.runtime.ReloadPlugin(ctx, task.PluginID, plugin.ReloadOptions{
			PreserveState: m.config.PreserveState,
			OnPhase:       func(p plugin.ReloadPhase) { m.setPhase(task, p) },
		})
	default:
		m.partialReload(task)
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return m.finish(task, result, err)
}

// partialReload announces changed assets without touching the registry
func (m *Manager) partialReload(task *ReloadTask) {
	events := m.runtime.Events()
	for _, change := range task.Changes {
		var eventType plugin.EventType
		switch {
		case hasExtension(change.Path, componentExtensions):
			eventType = plugin.EventComponentChanged
		case hasExtension(change.Path, styleExtensions):
			eventType = plugin.EventStyleChanged
		case hasExtension(change.Path, scriptExtensions):
			eventType = plugin.EventScriptChanged
		default:
			continue
		}
		m.logger.Debug().Str("plugin", task.PluginID).Str("path", change.Path).Str("event", string(eventType)).Msg("Asset changed")
		events.Emit(plugin.Event{Type: eventType, PluginID: task.PluginID, Path: change.Path})
	}
}

func (m *Manager) setPhase(task *ReloadTask, phase plugin.ReloadPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !task.Phase.Terminal() {
		task.Phase = phase
	}
}

func (m *Manager) finish(task *ReloadTask, result *plugin.ReloadResult, err error) ReloadTask {
	now := time.Now()

	m.mu.Lock()
	task.FinishedAt = &now
	task.Result = result
	m.stats.TotalReloads++
	m.stats.LastReloadTime = &now
	if err != nil {
		task.Phase = plugin.PhaseError
		task.Error = err.Error()
		m.stats.FailedReloads++
	} else {
		task.Phase = plugin.PhaseReloaded
		m.stats.SuccessfulReloads++
	}
	done := *task
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Str("task", task.ID).Str("plugin", task.PluginID).Msg("Hot reload failed")
	} else {
		m.logger.Info().
			Str("task", task.ID).
			Str("plugin", task.PluginID).
			Dur("duration", now.Sub(task.StartedAt)).
			Msg("Hot reload completed")
	}
	return done
}

// GetStatus returns the current status and recent tasks, oldest first
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]ReloadTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, *t)
	}
	return Status{
		IsEnabled:   m.config.Enabled,
		IsReloading: m.reloading,
		QueueLength: len(m.queue),
		Stats:       m.stats,
		Tasks:       tasks,
	}
}

func hasExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	for _, e := range extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
