package hotreload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeCallback receives settled file changes
type ChangeCallback func(FileChange)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Directories []string

	// StabilityThreshold is how long a file must stay quiet before its
	// change is reported
	StabilityThreshold time.Duration

	OnChange ChangeCallback
}

// Watcher monitors plugin directories recursively
type Watcher struct {
	logger             zerolog.Logger
	watcher            *fsnotify.Watcher
	directories        []string
	stabilityThreshold time.Duration
	onChange           ChangeCallback
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// NewWatcher creates a new watcher
func NewWatcher(logger zerolog.Logger, config WatcherConfig) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 50 * time.Millisecond
	}

	return &Watcher{
		logger:             logger.With().Str("component", "plugin-watcher").Logger(),
		watcher:            watcher,
		directories:        config.Directories,
		stabilityThreshold: config.StabilityThreshold,
		onChange:           config.OnChange,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start starts watching every configured directory
func (w *Watcher) Start() error {
	for _, dir := range w.directories {
		if err := w.addDirectoryRecursive(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go w.eventLoop()

	w.logger.Info().
		Strs("directories", w.directories).
		Msg("Plugin watcher started")

	return nil
}

// Stop stops the watcher and drops pending changes
func (w *Watcher) Stop() error {
	var closeErr error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		if err := w.watcher.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close watcher: %w", err)
			return
		}
		w.logger.Info().Msg("Plugin watcher stopped")
	})
	return closeErr
}

// eventLoop processes file system events
func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if shouldIgnore(event.Name) {
		return
	}

	// New directories are watched straight away so files created in
	// them right after are not missed
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addDirectoryRecursive(event.Name)
		}
	}

	w.debounceEvent(event)
}

// debounceEvent reports a path once it has been quiet for the stability threshold
func (w *Watcher) debounceEvent(event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	eventCopy := event
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, eventCopy.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(eventCopy)
		}
	})
}

func (w *Watcher) processEvent(event fsnotify.Event) {
	var changeType ChangeType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		changeType = ChangeAdded
	case event.Op&fsnotify.Write == fsnotify.Write:
		changeType = ChangeChanged
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		changeType = ChangeDeleted
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		// The new name arrives as a create event
		changeType = ChangeDeleted
	default:
		return
	}

	if w.onChange != nil {
		w.onChange(FileChange{Path: event.Name, Type: changeType, Timestamp: time.Now()})
	}
}

// addDirectoryRecursive adds a directory and all its subdirectories to the watcher
func (w *Watcher) addDirectoryRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if walkPath != path && shouldIgnore(walkPath) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().
				Err(err).
				Str("path", walkPath).
				Msg("Failed to watch path")
		}
		return nil
	})
}

// shouldIgnore skips hidden entries, editor backups and node_modules
func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, part := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
		if part == "node_modules" {
			return true
		}
	}
	return false
}
