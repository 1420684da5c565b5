package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Proxy     ProxyConfig     `json:"proxy"`
	Governor  GovernorConfig  `json:"governor"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Control   ControlConfig   `json:"control"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// PluginsDir holds <id>.tengo files. Files are loaded at start and
	// reloaded on change. Empty disables the directory source.
	PluginsDir string                     `json:"plugins_dir,omitempty"`
	Plugins    map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProxyConfig controls the MITM listener.
//
// Addr and the CA paths are read once at start_proxy; changing them on reload
// needs a proxy restart.
type ProxyConfig struct {
	Addr      string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	AutoStart bool   `json:"auto_start,omitempty"`

	// CACert/CAKey point to PEM files. When both are empty an in-memory CA
	// is generated at start and discarded on exit.
	CACert string `json:"ca_cert,omitempty"`
	CAKey  string `json:"ca_key,omitempty"`

	// MaxBodyBytes caps captured bodies (forwarded bodies are never cut).
	// 0 means 4 MiB.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// Scope globs (path.Match syntax) over the request host without port.
	// Out-of-scope traffic is forwarded but not captured.
	IncludeHosts []string `json:"include_hosts,omitempty"`
	ExcludeHosts []string `json:"exclude_hosts,omitempty"`

	CaptureWebSocket bool `json:"capture_websocket,omitempty"`

	Upstream UpstreamConfig `json:"upstream"`
}

// UpstreamConfig controls how the proxy dials origin servers.
//
// All durations are Go duration strings (e.g. "10s").
type UpstreamConfig struct {
	DialTimeout           string `json:"dial_timeout,omitempty"`            // default: 10s
	TLSHandshakeTimeout   string `json:"tls_handshake_timeout,omitempty"`   // default: 10s
	ResponseHeaderTimeout string `json:"response_header_timeout,omitempty"` // default: 30s
	IdleConnTimeout       string `json:"idle_conn_timeout,omitempty"`       // default: 90s
	InsecureSkipVerify    bool   `json:"insecure_skip_verify,omitempty"`

	// Fingerprint selects a uTLS ClientHello profile: chrome, firefox,
	// safari, ios, edge. Empty uses the Go TLS stack.
	Fingerprint string `json:"fingerprint,omitempty"`
}

type GovernorConfig struct {
	MaxConcurrentScans int    `json:"max_concurrent_scans,omitempty"` // default: 20
	ProbeInterval      string `json:"probe_interval,omitempty"`       // default: 200ms
}

// SandboxConfig bounds every plugin invocation. Changes apply to isolates
// compiled after the reload.
type SandboxConfig struct {
	Timeout         string `json:"timeout,omitempty"` // default: 10s
	MaxAllocs       int64  `json:"max_allocs,omitempty"`
	MaxConstObjects int    `json:"max_const_objects,omitempty"`
	MaxFindings     int    `json:"max_findings,omitempty"`
	MaxBodyBytes    int    `json:"max_body_bytes,omitempty"`

	// ProbeViaProxy routes probe() traffic through our own listener so it
	// shows up in the capture (and is then skipped by the sentinel filter).
	ProbeViaProxy bool   `json:"probe_via_proxy,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"` // default: 10s
}

type LifecycleConfig struct {
	MaxRestarts    int    `json:"max_restarts,omitempty"`    // default: 3
	RestartBackoff string `json:"restart_backoff,omitempty"` // default: 100ms
}

type PipelineConfig struct {
	SweepInterval string `json:"sweep_interval,omitempty"` // default: 60s
	MaxAge        string `json:"max_age,omitempty"`        // default: 5m
}

// ControlConfig controls the HTTP control API.
//
// Security note:
//   - The API can load code into the scanner. Bind to localhost.
//   - A non-loopback Addr requires a token unless allow_insecure is set.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8765"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type MetricsConfig struct {
	// Enabled exposes GET /metrics on the control API.
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace,omitempty"` // default: "sentinel"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sentinel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool `json:"enabled"`
	// Allow is the capability allowlist for this plugin (e.g. "net.probe").
	// Empty grants nothing beyond emitFinding.
	Allow []string `json:"allow,omitempty"`
	// File overrides <plugins_dir>/<id>.tengo.
	File string `json:"file,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a plugin block are
// caught during reload instead of silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool     `json:"enabled"`
		Allow   []string `json:"allow,omitempty"`
		File    string   `json:"file,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Allow: t.Allow, File: t.File}
	return nil
}
