package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sentinel/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens),
// and (3) the ids of plugins whose enable flag, allowlist or file changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Proxy, newCfg.Proxy) {
		changed = append(changed, "proxy")
		np := newCfg.Proxy
		attrs = append(attrs,
			logx.String("proxy.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("proxy.ca_set", np.CACert != ""),
			logx.Int64("proxy.max_body_bytes", np.MaxBodyBytes),
			logx.Int("proxy.include_hosts", len(np.IncludeHosts)),
			logx.Int("proxy.exclude_hosts", len(np.ExcludeHosts)),
			logx.String("proxy.upstream.fingerprint", np.Upstream.Fingerprint),
			logx.Bool("proxy.restart_required", oldCfg.Proxy.Addr != np.Addr || oldCfg.Proxy.CACert != np.CACert || oldCfg.Proxy.CAKey != np.CAKey),
		)
	}

	if oldCfg.Governor != newCfg.Governor {
		changed = append(changed, "governor")
		attrs = append(attrs,
			logx.Int("governor.max_concurrent_scans", newCfg.Governor.MaxConcurrentScans),
			logx.String("governor.probe_interval", strings.TrimSpace(newCfg.Governor.ProbeInterval)),
		)
	}

	if oldCfg.Sandbox != newCfg.Sandbox {
		changed = append(changed, "sandbox")
		attrs = append(attrs,
			logx.String("sandbox.timeout", strings.TrimSpace(newCfg.Sandbox.Timeout)),
			logx.Int64("sandbox.max_allocs", newCfg.Sandbox.MaxAllocs),
			logx.Bool("sandbox.probe_via_proxy", newCfg.Sandbox.ProbeViaProxy),
		)
	}

	if oldCfg.Lifecycle != newCfg.Lifecycle {
		changed = append(changed, "lifecycle")
		attrs = append(attrs,
			logx.Int("lifecycle.max_restarts", newCfg.Lifecycle.MaxRestarts),
			logx.String("lifecycle.restart_backoff", strings.TrimSpace(newCfg.Lifecycle.RestartBackoff)),
		)
	}

	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.String("pipeline.sweep_interval", strings.TrimSpace(newCfg.Pipeline.SweepInterval)),
			logx.String("pipeline.max_age", strings.TrimSpace(newCfg.Pipeline.MaxAge)),
		)
	}

	// Control and pprof: compare token presence only.
	oc, nc := oldCfg.Control, newCfg.Control
	if oc.Enabled != nc.Enabled || oc.Addr != nc.Addr || oc.AllowInsecure != nc.AllowInsecure || oc.Token != nc.Token {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", nc.Enabled),
			logx.String("control.addr", strings.TrimSpace(nc.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(nc.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	var oDriver, nDriver, oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	if strings.TrimSpace(oldCfg.PluginsDir) != strings.TrimSpace(newCfg.PluginsDir) {
		changed = append(changed, "plugins_dir")
		attrs = append(attrs, logx.String("plugins_dir", strings.TrimSpace(newCfg.PluginsDir)))
	}
	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || o.Enabled != n.Enabled || o.File != n.File || !sameSet(o.Allow, n.Allow) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[strings.TrimSpace(s)]++
	}
	for _, s := range b {
		k := strings.TrimSpace(s)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
