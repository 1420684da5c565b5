package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentinel/internal/config"
	"sentinel/internal/exchange"
	"sentinel/internal/metrics"
	"sentinel/internal/plugin"
	"sentinel/internal/proxy"
	"sentinel/internal/sandbox"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

const echoPlugin = `
get_metadata := func() { return {name: "Echo", category: "test"} }
scan_request := func(ctx) {}
`

type fakeProxy struct {
	mu      sync.Mutex
	running bool
	addr    string
}

func (p *fakeProxy) Start(_ context.Context, addr string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return p.addr, proxy.ErrRunning
	}
	p.running, p.addr = true, addr
	return addr, nil
}

func (p *fakeProxy) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return proxy.ErrNotRunning
	}
	p.running, p.addr = false, ""
	return nil
}

func (p *fakeProxy) Status() proxy.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return proxy.Status{Running: p.running, Addr: p.addr}
}

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store storage.Store
	proxy *fakeProxy
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	rt := sandbox.NewRuntime(sandbox.Limits{Timeout: time.Second}, nil, logx.Nop())
	m := plugin.NewManager(plugin.Deps{Runtime: rt, Logger: logx.Nop()}, plugin.Options{})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	met, err := metrics.New("test")
	require.NoError(t, err)
	store := storage.NewMemory(0)
	fp := &fakeProxy{}
	srv := New(Deps{
		Proxy:     fp,
		Plugins:   m,
		Store:     store,
		Metrics:   met,
		ProxyAddr: func() string { return "127.0.0.1:8080" },
		Logger:    logx.Nop(),
	})
	srv.metricsOn.Store(true)
	ts := httptest.NewServer(srv.Handler(token))
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, store: store, proxy: fp}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestProxyStartStop(t *testing.T) {
	f := newFixture(t, "")

	var st proxy.Status
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/proxy/start", `{"port": 9091}`, &st))
	require.True(t, st.Running)
	require.Equal(t, "127.0.0.1:9091", st.Addr)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/proxy/start", "", nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/proxy/stop", "", nil))
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/proxy/stop", "", nil))

	// Without a port the configured address is used.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/proxy/start", "", &st))
	require.Equal(t, "127.0.0.1:8080", st.Addr)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/proxy/start", `{"port": 0, "extra": 1}`, nil))
}

func TestPluginLifecycleEndpoints(t *testing.T) {
	f := newFixture(t, "")

	var res pluginResult
	code := f.do(t, http.MethodPost, "/v1/plugins", `{"plugin_id":"echo","code":`+jsonString(echoPlugin)+`}`, &res)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Echo", res.Plugin.Name)
	require.True(t, res.Plugin.Active())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/plugins/echo/disable", "", &res))
	require.False(t, res.Plugin.Enabled)
	require.Equal(t, plugin.StateUnloaded, res.Plugin.State)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/plugins/echo/enable", "", &res))
	require.True(t, res.Plugin.Active())

	var snap plugin.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/plugins", "", &snap))
	require.Len(t, snap.Plugins, 1)

	var rep StatusReport
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/status", "", &rep))
	require.Equal(t, 1, rep.Plugins.Active)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/plugins/missing/enable", "", nil))
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/plugins/echo", "", nil))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/plugins/echo", "", nil))
}

func TestLoadSyntaxErrorReportsFailedPlugin(t *testing.T) {
	f := newFixture(t, "")

	var res pluginResult
	code := f.do(t, http.MethodPost, "/v1/plugins", `{"plugin_id":"broken","code":"scan_request := func(ctx) {"}`, &res)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, string(sandbox.KindSyntax), res.Kind)
	require.Equal(t, plugin.StatePermanentlyFailed, res.Plugin.State)
	require.False(t, res.Plugin.Enabled)
	require.NotEmpty(t, res.Plugin.FailureReason)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/plugins", `{"plugin_id":"Bad ID","code":"x := 1"}`, nil))
}

func TestFindingsEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	high := exchange.NewFinding("sqli", "ex-1", sandbox.HookScanRequest, exchange.Finding{VulnType: "sqli", Severity: "high", Title: "quote", URL: "http://app.test/a"})
	low := exchange.NewFinding("headers", "ex-2", sandbox.HookScanResponse, exchange.Finding{VulnType: "missing-header", Severity: "low", URL: "http://other.test/"})
	require.NoError(t, f.store.PutFinding(ctx, high))
	require.NoError(t, f.store.PutFinding(ctx, low))

	var list struct {
		Findings []exchange.Finding `json:"findings"`
		Count    int                `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/findings", "", &list))
	require.Equal(t, 2, list.Count)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/findings?min_severity=medium", "", &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, high.ID, list.Findings[0].ID)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/findings?host=other.test&plugin_id=headers", "", &list))
	require.Equal(t, 1, list.Count)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/findings?since=yesterday", "", nil))

	var got exchange.Finding
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/findings/"+high.ID, "", &got))
	require.Equal(t, "quote", got.Title)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/findings/nope", "", nil))
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, "s3cret")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil))
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/status", "", nil))
	// The control API does not take tokens from the query string.
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/status?token=s3cret", "", nil))

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "test_")

	f.srv.metricsOn.Store(false)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/metrics", "", nil))
}

func TestListenerApply(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	f.srv.Apply(ctx, config.ControlConfig{Enabled: true, Addr: "127.0.0.1:0"}, false)
	t.Cleanup(func() { f.srv.Stop(context.Background()) })
	require.Eventually(t, func() bool { return f.srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + f.srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.srv.Apply(ctx, config.ControlConfig{Enabled: false}, false)
	require.Empty(t, f.srv.Addr())
}

func TestListenerRefusesInsecureBind(t *testing.T) {
	l := newListener("test", "127.0.0.1:0", logx.Nop(), func(ListenConfig) http.Handler { return http.NotFoundHandler() })
	l.cfg = ListenConfig{Enabled: true, Addr: "0.0.0.0:0"}
	err := l.serveOnce(context.Background())
	require.ErrorContains(t, err, "insecure bind")
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
