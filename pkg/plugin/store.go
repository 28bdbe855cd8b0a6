package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ErrSnapshotNotFound is returned by stores that hold nothing under a key
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore persists registry snapshots as opaque JSON documents
type SnapshotStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// RegistrySnapshot is the persisted form of the registry
type RegistrySnapshot struct {
	Plugins     []PersistedPlugin `json:"plugins"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// PersistedPlugin is one registered plugin as written to a snapshot
type PersistedPlugin struct {
	ID                string         `json:"id"`
	Metadata          PluginMetadata `json:"metadata"`
	State             PluginState    `json:"state"`
	RegisteredAt      time.Time      `json:"registeredAt"`
	LastActivatedAt   *time.Time     `json:"lastActivatedAt,omitempty"`
	LastDeactivatedAt *time.Time     `json:"lastDeactivatedAt,omitempty"`
	Error             string         `json:"error,omitempty"`
	Dependencies      []string       `json:"dependencies"`
	Dependents        []string       `json:"dependents"`
	Stats             PersistedStats `json:"stats"`
}

// PersistedStats stores durations in milliseconds
type PersistedStats struct {
	ActivationCount int        `json:"activationCount"`
	TotalRuntimeMs  int64      `json:"totalRuntime"`
	AvgLoadTimeMs   int64      `json:"avgLoadTime"`
	ErrorCount      int        `json:"errorCount"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

func persistStats(s PluginStats) PersistedStats {
	return PersistedStats{
		ActivationCount: s.ActivationCount,
		TotalRuntimeMs:  s.TotalRuntime.Milliseconds(),
		AvgLoadTimeMs:   s.AvgLoadTime.Milliseconds(),
		ErrorCount:      s.ErrorCount,
		LastErrorAt:     s.LastErrorAt,
		LastError:       s.LastError,
	}
}

func (s PersistedStats) restore() PluginStats {
	return PluginStats{
		ActivationCount: s.ActivationCount,
		TotalRuntime:    time.Duration(s.TotalRuntimeMs) * time.Millisecond,
		AvgLoadTime:     time.Duration(s.AvgLoadTimeMs) * time.Millisecond,
		ErrorCount:      s.ErrorCount,
		LastErrorAt:     s.LastErrorAt,
		LastError:       s.LastError,
	}
}

// MemoryStore keeps snapshots in memory
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Close() error { return nil }

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// FileStore writes each key to <dir>/<key>.json, replacing files atomically
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (s *FileStore) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func (s *FileStore) Close() error { return nil }
