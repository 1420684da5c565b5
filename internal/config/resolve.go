package config

import (
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"
)

// Defaults used when a field is omitted or zero.
const (
	DefaultProxyAddr          = "127.0.0.1:8080"
	DefaultControlAddr        = "127.0.0.1:8765"
	DefaultMaxBodyBytes       = 4 << 20
	DefaultMaxConcurrentScans = 20
	DefaultProbeInterval      = 200 * time.Millisecond
	DefaultInvokeTimeout      = 10 * time.Second
	DefaultMaxRestarts        = 3
	DefaultRestartBackoff     = 100 * time.Millisecond
	DefaultSweepInterval      = 60 * time.Second
	DefaultMaxAge             = 5 * time.Minute
)

var fingerprints = map[string]struct{}{"": {}, "chrome": {}, "firefox": {}, "safari": {}, "ios": {}, "edge": {}}

// Resolved is Config with durations parsed and defaults applied.
// It is recomputed on every reload.
type Resolved struct {
	ProxyAddr    string
	MaxBodyBytes int64

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration

	MaxConcurrentScans int
	ProbeInterval      time.Duration

	InvokeTimeout time.Duration
	ProbeTimeout  time.Duration

	MaxRestarts    int
	RestartBackoff time.Duration

	SweepInterval time.Duration
	MaxAge        time.Duration

	ControlAddr string
	Namespace   string

	PprofReadTimeout  time.Duration
	PprofWriteTimeout time.Duration
	PprofIdleTimeout  time.Duration
}

// Resolve validates cfg and returns the effective settings.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var (
		r    Resolved
		errs []error
	)
	dur := func(field, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(field, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	r.ProxyAddr = strings.TrimSpace(cfg.Proxy.Addr)
	if r.ProxyAddr == "" {
		r.ProxyAddr = DefaultProxyAddr
	}
	if _, _, err := net.SplitHostPort(r.ProxyAddr); err != nil {
		errs = append(errs, fmt.Errorf("proxy.addr: %w", err))
	}
	r.MaxBodyBytes = cfg.Proxy.MaxBodyBytes
	if r.MaxBodyBytes <= 0 {
		r.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if (cfg.Proxy.CACert == "") != (cfg.Proxy.CAKey == "") {
		errs = append(errs, errors.New("proxy.ca_cert and proxy.ca_key must be set together"))
	}
	for _, g := range append(append([]string{}, cfg.Proxy.IncludeHosts...), cfg.Proxy.ExcludeHosts...) {
		if _, err := path.Match(g, "x"); err != nil {
			errs = append(errs, fmt.Errorf("proxy scope glob %q: %w", g, err))
		}
	}
	up := cfg.Proxy.Upstream
	r.DialTimeout = dur("proxy.upstream.dial_timeout", up.DialTimeout, 10*time.Second)
	r.TLSHandshakeTimeout = dur("proxy.upstream.tls_handshake_timeout", up.TLSHandshakeTimeout, 10*time.Second)
	r.ResponseHeaderTimeout = dur("proxy.upstream.response_header_timeout", up.ResponseHeaderTimeout, 30*time.Second)
	r.IdleConnTimeout = dur("proxy.upstream.idle_conn_timeout", up.IdleConnTimeout, 90*time.Second)
	if _, ok := fingerprints[strings.ToLower(strings.TrimSpace(up.Fingerprint))]; !ok {
		errs = append(errs, fmt.Errorf("proxy.upstream.fingerprint: unknown profile %q", up.Fingerprint))
	}

	r.MaxConcurrentScans = cfg.Governor.MaxConcurrentScans
	if r.MaxConcurrentScans <= 0 {
		r.MaxConcurrentScans = DefaultMaxConcurrentScans
	}
	r.ProbeInterval = dur("governor.probe_interval", cfg.Governor.ProbeInterval, DefaultProbeInterval)

	r.InvokeTimeout = dur("sandbox.timeout", cfg.Sandbox.Timeout, DefaultInvokeTimeout)
	r.ProbeTimeout = dur("sandbox.probe_timeout", cfg.Sandbox.ProbeTimeout, DefaultInvokeTimeout)
	if cfg.Sandbox.MaxAllocs < 0 || cfg.Sandbox.MaxConstObjects < 0 || cfg.Sandbox.MaxFindings < 0 || cfg.Sandbox.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("sandbox: limits must be >= 0"))
	}

	r.MaxRestarts = cfg.Lifecycle.MaxRestarts
	if r.MaxRestarts <= 0 {
		r.MaxRestarts = DefaultMaxRestarts
	}
	r.RestartBackoff = dur("lifecycle.restart_backoff", cfg.Lifecycle.RestartBackoff, DefaultRestartBackoff)

	r.SweepInterval = dur("pipeline.sweep_interval", cfg.Pipeline.SweepInterval, DefaultSweepInterval)
	r.MaxAge = dur("pipeline.max_age", cfg.Pipeline.MaxAge, DefaultMaxAge)
	if r.SweepInterval < time.Second {
		errs = append(errs, errors.New("pipeline.sweep_interval must be >= 1s"))
	}

	r.ControlAddr = strings.TrimSpace(cfg.Control.Addr)
	if r.ControlAddr == "" {
		r.ControlAddr = DefaultControlAddr
	}
	if cfg.Control.Enabled && strings.TrimSpace(cfg.Control.Token) == "" && !cfg.Control.AllowInsecure && !IsLoopbackAddr(r.ControlAddr) {
		errs = append(errs, errors.New("control: non-loopback addr requires token or allow_insecure"))
	}
	r.PprofReadTimeout = dur("pprof.read_timeout", cfg.Pprof.ReadTimeout, 0)
	r.PprofWriteTimeout = dur("pprof.write_timeout", cfg.Pprof.WriteTimeout, 0)
	r.PprofIdleTimeout = dur("pprof.idle_timeout", cfg.Pprof.IdleTimeout, 0)
	if cfg.Pprof.Enabled && strings.TrimSpace(cfg.Pprof.Token) == "" && !cfg.Pprof.AllowInsecure && cfg.Pprof.Addr != "" && !IsLoopbackAddr(cfg.Pprof.Addr) {
		errs = append(errs, errors.New("pprof: non-loopback addr requires token or allow_insecure"))
	}
	r.Namespace = strings.TrimSpace(cfg.Metrics.Namespace)
	if r.Namespace == "" {
		r.Namespace = "sentinel"
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for id := range cfg.Plugins {
		if !ValidPluginID(id) {
			errs = append(errs, fmt.Errorf("plugins: invalid id %q", id))
		}
	}
	return r, errors.Join(errs...)
}

// ValidPluginID accepts [a-z0-9_-], 1..64 chars. Ids double as file names.
func ValidPluginID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// IsLoopbackAddr reports whether a listen address only accepts local peers.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
