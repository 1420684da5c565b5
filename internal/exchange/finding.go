package exchange

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is a lowercase severity label.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Info     Severity = "info"
)

// ParseSeverity maps free-form plugin input to a known level. Unknown values become Info.
func ParseSeverity(s string) Severity {
	switch v := Severity(strings.ToLower(strings.TrimSpace(s))); v {
	case Critical, High, Medium, Low, Info:
		return v
	case "informational", "information", "none":
		return Info
	case "crit":
		return Critical
	case "med", "moderate":
		return Medium
	default:
		return Info
	}
}

// Score orders severities: critical=5 ... info=1.
func (s Severity) Score() int {
	switch s {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// Finding is a candidate vulnerability reported by a plugin. Immutable.
type Finding struct {
	ID         string    `json:"id"`
	PluginID   string    `json:"plugin_id"`
	VulnType   string    `json:"vuln_type"`
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Evidence   string    `json:"evidence,omitempty"`
	ExchangeID string    `json:"exchange_id"`
	URL        string    `json:"url,omitempty"`
	Hook       string    `json:"hook,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewFinding assigns an id and creation time.
func NewFinding(pluginID, exchangeID, hook string, f Finding) Finding {
	f.ID = uuid.NewString()
	f.PluginID = pluginID
	f.ExchangeID = exchangeID
	f.Hook = hook
	f.Severity = ParseSeverity(string(f.Severity))
	if f.VulnType == "" {
		f.VulnType = "unspecified"
	}
	if f.Title == "" {
		f.Title = f.VulnType
	}
	f.CreatedAt = time.Now()
	return f
}

// DedupKey identifies the same observation reported twice in one invocation.
func (f Finding) DedupKey() string {
	return f.VulnType + "\x00" + f.Title + "\x00" + f.Evidence
}

// Filter selects findings for list queries. Zero fields match everything.
type Filter struct {
	PluginID    string    `json:"plugin_id,omitempty"`
	ExchangeID  string    `json:"exchange_id,omitempty"`
	VulnType    string    `json:"vuln_type,omitempty"`
	MinSeverity Severity  `json:"min_severity,omitempty"`
	Host        string    `json:"host,omitempty"`
	Since       time.Time `json:"since"`
	Limit       int       `json:"limit,omitempty"`
}

// Match applies every non-zero criterion.
func (q Filter) Match(f Finding) bool {
	if q.PluginID != "" && f.PluginID != q.PluginID {
		return false
	}
	if q.ExchangeID != "" && f.ExchangeID != q.ExchangeID {
		return false
	}
	if q.VulnType != "" && !strings.EqualFold(f.VulnType, q.VulnType) {
		return false
	}
	if q.MinSeverity != "" && f.Severity.Score() < q.MinSeverity.Score() {
		return false
	}
	if q.Host != "" && !strings.Contains(f.URL, q.Host) {
		return false
	}
	if !q.Since.IsZero() && f.CreatedAt.Before(q.Since) {
		return false
	}
	return true
}
