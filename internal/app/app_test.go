package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentinel/internal/config"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

const quotePlugin = `
text := import("text")

get_metadata := func() {
	return {name: "Quote in query", category: "injection"}
}

scan_request := func(ctx) {
	if text.contains(ctx.query, "'") {
		emitFinding({vuln_type: "sqli", severity: "high", title: "quote in query", evidence: ctx.query})
	}
}
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func getJSON(t *testing.T, rawURL string, out any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func waitAddr(t *testing.T, fn func() string) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addr = fn()
		return addr != ""
	}, 3*time.Second, 10*time.Millisecond)
	return addr
}

func TestAppEndToEnd(t *testing.T) {
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.Mkdir(pluginsDir, 0o755))
	writeFile(t, filepath.Join(pluginsDir, "quote.tengo"), quotePlugin)

	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, `
logging:
  level: error
proxy:
  addr: 127.0.0.1:0
  auto_start: true
control:
  enabled: true
  addr: 127.0.0.1:0
metrics:
  enabled: true
plugins_dir: `+pluginsDir+`
`)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	defer origin.Close()

	a, err := NewApp(cfgPath, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	base := "http://" + waitAddr(t, a.ControlAddr)
	require.Equal(t, http.StatusOK, getJSON(t, base+"/healthz", nil))

	var plugins struct {
		Plugins []struct {
			ID      string `json:"plugin_id"`
			State   string `json:"state"`
			Source  string `json:"source"`
			Enabled bool   `json:"enabled"`
		} `json:"plugins"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/plugins", &plugins))
	require.Len(t, plugins.Plugins, 1)
	require.Equal(t, "quote", plugins.Plugins[0].ID)
	require.Equal(t, "healthy", plugins.Plugins[0].State)
	require.Equal(t, "dir", plugins.Plugins[0].Source)

	st := a.Proxy().Status()
	require.True(t, st.Running)
	proxyURL, err := url.Parse("http://" + st.Addr)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	resp, err := client.Get(origin.URL + "/item?id=1'")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "hello", string(body))

	require.Eventually(t, func() bool {
		var out struct {
			Count int `json:"count"`
		}
		getJSON(t, base+"/v1/findings?plugin_id=quote", &out)
		return out.Count == 1
	}, 5*time.Second, 20*time.Millisecond)

	mresp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	mbody, _ := io.ReadAll(mresp.Body)
	_ = mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)
	require.Contains(t, string(mbody), "sentinel_correlator_pending")
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "memory"}, sc)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}})
	require.NoError(t, err)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, "./x.db", sc.Path)
	require.Equal(t, time.Second, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	require.Error(t, err)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	require.Error(t, err)
}

func TestMapSandboxLimitsKeepsDefaults(t *testing.T) {
	cfg := &config.Config{Sandbox: config.SandboxConfig{MaxFindings: 7}}
	r, err := config.Resolve(cfg)
	require.NoError(t, err)

	l := mapSandboxLimits(cfg, r)
	require.Equal(t, 7, l.MaxFindings)
	require.Equal(t, r.InvokeTimeout, l.Timeout)
	require.NotZero(t, l.MaxAllocs)
}

func TestRunStepBoundsSlowSteps(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := runStep(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	err = runStep(context.Background(), logx.Nop(), "panics", time.Second, func(context.Context) error {
		panic("boom")
	})
	require.ErrorContains(t, err, "boom")
}
