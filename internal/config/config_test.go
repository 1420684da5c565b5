package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "sentinel/pkg/logx"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "proxy": {"addr": "127.0.0.1:9090", "upstream": {"dial_timeout": "5s"}},
  "governor": {"max_concurrent_scans": 8},
  "sandbox": {},
  "lifecycle": {},
  "pipeline": {},
  "control": {"enabled": true},
  "plugins": {"sqli": {"enabled": true, "allow": ["net.probe"]}}
}`

const sampleYAML = `
logging: {level: info, console: true, file: {enabled: false, path: ""}}
proxy:
  addr: "127.0.0.1:9090"
  upstream:
    dial_timeout: 5s
governor:
  max_concurrent_scans: 8
sandbox: {}
lifecycle: {}
pipeline: {}
control: {enabled: true}
plugins:
  sqli:
    enabled: true
    allow: [net.probe]
`

func TestParseJSONAndYAMLAgree(t *testing.T) {
	j, err := ParseBytes("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := ParseBytes("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if hashConfig(j) != hashConfig(y) {
		t.Fatalf("json and yaml decode differently:\n%+v\n%+v", j, y)
	}
	if got := j.Plugins["sqli"].Allow; len(got) != 1 || got[0] != "net.probe" {
		t.Fatalf("allow = %v", got)
	}
}

func TestParseIsStrict(t *testing.T) {
	cases := map[string]string{
		"unknown top-level":  `{"proxy": {}, "bogus": 1}`,
		"unknown plugin key": `{"plugins": {"x": {"enabled": true, "timeout": "1s"}}}`,
		"trailing data":      `{"proxy": {}} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseBytes("c.json", []byte(body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := ParseBytes("c.yml", []byte("a: 1\n---\nb: 2\n")); err == nil {
		t.Fatal("multi-document yaml should be rejected")
	}
}

func TestResolveDefaults(t *testing.T) {
	r, err := Resolve(&Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.ProxyAddr != DefaultProxyAddr || r.MaxConcurrentScans != 20 || r.ProbeInterval != 200*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", r)
	}
	if r.InvokeTimeout != 10*time.Second || r.MaxRestarts != 3 || r.RestartBackoff != 100*time.Millisecond {
		t.Fatalf("unexpected sandbox/lifecycle defaults: %+v", r)
	}
	if r.SweepInterval != time.Minute || r.MaxAge != 5*time.Minute || r.MaxBodyBytes != 4<<20 {
		t.Fatalf("unexpected pipeline defaults: %+v", r)
	}
}

func TestResolveRejects(t *testing.T) {
	cases := map[string]*Config{
		"bad duration":      {Governor: GovernorConfig{ProbeInterval: "soon"}},
		"half ca":           {Proxy: ProxyConfig{CACert: "ca.pem"}},
		"bad fingerprint":   {Proxy: ProxyConfig{Upstream: UpstreamConfig{Fingerprint: "netscape"}}},
		"bad glob":          {Proxy: ProxyConfig{IncludeHosts: []string{"["}}},
		"open control":      {Control: ControlConfig{Enabled: true, Addr: "0.0.0.0:8765"}},
		"bad plugin id":     {Plugins: map[string]PluginConfigRaw{"../etc": {Enabled: true}}},
		"unknown storage":   {Storage: &StorageConfig{Driver: "redis"}},
		"tiny sweep period": {Pipeline: PipelineConfig{SweepInterval: "10ms"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Resolve(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "30"); err != nil || d != 30*time.Second {
		t.Fatalf("bare int: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", " 150ms "); err != nil || d != 150*time.Millisecond {
		t.Fatalf("ms: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative should fail")
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Hour); d != time.Hour {
		t.Fatalf("default not applied: %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, _ := ParseBytes("c.json", []byte(sampleJSON))
	newCfg, _ := ParseBytes("c.json", []byte(sampleJSON))
	newCfg.Control.Token = "s3cret"
	newCfg.Governor.ProbeInterval = "1s"
	newCfg.Plugins["sqli"] = PluginConfigRaw{Enabled: true, Allow: nil}
	newCfg.Plugins["xss"] = PluginConfigRaw{Enabled: false}

	changed, attrs, plugins := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "control,governor,plugins" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(plugins, ",") != "sqli,xss" {
		t.Fatalf("plugins = %v", plugins)
	}
	var buf bytes.Buffer
	logx.NewJSON(&buf, "info").Info("config changed", attrs...)
	if strings.Contains(buf.String(), "s3cret") {
		t.Fatal("token leaked into summary")
	}
	if !strings.Contains(buf.String(), `"control.token_set":true`) {
		t.Fatalf("summary missing token_set: %s", buf.String())
	}
}

func TestReloadPublishesOnlyChangedValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	bad := strings.Replace(sampleJSON, `"max_concurrent_scans": 8`, `"max_concurrent_scans": 8, "probe_interval": "nope"`, 1)
	_ = os.WriteFile(path, []byte(bad), 0o600)
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("invalid reload should be rejected: ok=%v err=%v", ok, err)
	}
	if m.Get().Governor.ProbeInterval != "" {
		t.Fatal("rejected config was committed")
	}

	good := strings.Replace(sampleJSON, `"max_concurrent_scans": 8`, `"max_concurrent_scans": 4`, 1)
	_ = os.WriteFile(path, []byte(good), 0o600)
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Governor.MaxConcurrentScans != 4 {
			t.Fatalf("published %+v", cfg.Governor)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	next := strings.Replace(sampleJSON, `"max_concurrent_scans": 8`, `"max_concurrent_scans": 2`, 1)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Governor.MaxConcurrentScans != 2 {
				t.Fatalf("unexpected config %+v", cfg.Governor)
			}
			return
		case <-tick.C:
			// The watcher may not be registered yet on the first write.
			_ = os.WriteFile(path, []byte(next), 0o600)
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}

func TestExampleConfigResolves(t *testing.T) {
	b, err := os.ReadFile("../../config.example.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := ParseBytes("config.example.yaml", b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.ProxyAddr != "127.0.0.1:8080" || r.ProbeInterval != 200*time.Millisecond {
		t.Fatalf("unexpected resolved values: %+v", r)
	}
	if p := cfg.Plugins["open_redirect"]; !p.Enabled || len(p.Allow) != 1 {
		t.Fatalf("open_redirect plugin block: %+v", p)
	}
}
