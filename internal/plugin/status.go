package plugin

import "time"

// State is the lifecycle state of one plugin.
type State string

const (
	StateUnloaded          State = "unloaded"
	StateLoading           State = "loading"
	StateHealthy           State = "healthy"
	StateCrashed           State = "crashed"
	StateRestarting        State = "restarting"
	StatePermanentlyFailed State = "permanently_failed"
)

// Health of the live isolate, as last observed.
const (
	HealthHealthy      = "healthy"
	HealthCrashed      = "crashed"
	HealthUnresponsive = "unresponsive"
)

// Plugin sources.
const (
	SourceAPI    = "api"
	SourceDir    = "dir"
	SourceConfig = "config"
	SourceStore  = "store"
)

// Status is a point-in-time view of one plugin.
type Status struct {
	ID       string   `json:"plugin_id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Source   string   `json:"source"`
	State    State    `json:"state"`
	Health   string   `json:"health,omitempty"`
	Enabled  bool     `json:"enabled"`
	Hooks    []string `json:"hooks,omitempty"`
	Allow    []string `json:"allow,omitempty"`

	RestartCount        int       `json:"restart_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRestartAt       time.Time `json:"last_restart_at"`
	LastLoadedAt        time.Time `json:"last_loaded_at"`
	FailureReason       string    `json:"failure_reason,omitempty"`

	Invocations  uint64  `json:"invocations"`
	Failures     uint64  `json:"failures"`
	QualityScore float64 `json:"quality_score"`
}

// Active reports whether the plugin receives exchanges.
func (s Status) Active() bool { return s.Enabled && s.State == StateHealthy }

// Snapshot lists every known plugin.
type Snapshot struct {
	Time    time.Time `json:"time"`
	Plugins []Status  `json:"plugins"`
}
