// Package hotreload watches plugin directories and reloads plugins whose
// files change. Bursts of changes are queued and processed together once
// no new change has arrived for the debounce delay.
package hotreload

import (
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
)

// ChangeType is the kind of file system change
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeChanged ChangeType = "changed"
	ChangeDeleted ChangeType = "deleted"
)

// FileChange is a single file notification
type FileChange struct {
	Path      string     `json:"path"`
	Type      ChangeType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// ReloadKind says how much of a plugin a reload touches
type ReloadKind string

const (
	// KindFull tears the plugin down and brings it back from disk
	KindFull ReloadKind = "full"
	// KindPartial only announces changed assets on the event bus
	KindPartial ReloadKind = "partial"
)

// ReloadTask records one reload of one plugin
type ReloadTask struct {
	ID         string               `json:"id"`
	PluginID   string               `json:"pluginId"`
	Kind       ReloadKind           `json:"kind"`
	Phase      plugin.ReloadPhase   `json:"phase"`
	Manual     bool                 `json:"manual"`
	Changes    []FileChange         `json:"changes,omitempty"`
	Error      string               `json:"error,omitempty"`
	Result     *plugin.ReloadResult `json:"result,omitempty"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
}

// Succeeded reports whether the task finished without error
func (t ReloadTask) Succeeded() bool {
	return t.Phase == plugin.PhaseReloaded
}

// Stats are running reload counters
type Stats struct {
	TotalReloads      int        `json:"totalReloads"`
	SuccessfulReloads int        `json:"successfulReloads"`
	FailedReloads     int        `json:"failedReloads"`
	LastReloadTime    *time.Time `json:"lastReloadTime,omitempty"`
}

// Status is a point-in-time view of the manager
type Status struct {
	IsEnabled   bool         `json:"isEnabled"`
	IsReloading bool         `json:"isReloading"`
	QueueLength int          `json:"queueLength"`
	Stats       Stats        `json:"stats"`
	Tasks       []ReloadTask `json:"tasks"`
}

// Config configures the manager
type Config struct {
	Enabled         bool
	DebounceDelay   time.Duration
	PreserveState   bool
	WatchExtensions []string

	// TaskHistory is how many finished tasks GetStatus reports
	TaskHistory int
}

// DefaultConfig returns the default hot reload configuration
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		DebounceDelay:   300 * time.Millisecond,
		PreserveState:   true,
		WatchExtensions: []string{".json", ".lua", ".so", ".plugin", ".js", ".ts", ".vue", ".html", ".css"},
		TaskHistory:     50,
	}
}

// Asset classes for partial reloads
var (
	componentExtensions = []string{".vue", ".html", ".tmpl"}
	styleExtensions     = []string{".css", ".scss", ".less"}
	scriptExtensions    = []string{".js", ".ts", ".lua"}
)
