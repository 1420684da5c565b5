package app

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/url"
	"strings"

	"sentinel/internal/config"
	"sentinel/internal/pipeline"
	"sentinel/internal/plugin"
	"sentinel/internal/proxy"
	"sentinel/internal/sandbox"
	logx "sentinel/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapSandboxLimits keeps the runtime defaults for every limit left at 0.
func mapSandboxLimits(cfg *config.Config, r config.Resolved) sandbox.Limits {
	l := sandbox.DefaultLimits()
	l.Timeout = r.InvokeTimeout
	if v := cfg.Sandbox.MaxAllocs; v > 0 {
		l.MaxAllocs = v
	}
	if v := cfg.Sandbox.MaxConstObjects; v > 0 {
		l.MaxConstObjects = v
	}
	if v := cfg.Sandbox.MaxFindings; v > 0 {
		l.MaxFindings = v
	}
	if v := cfg.Sandbox.MaxBodyBytes; v > 0 {
		l.MaxBodyBytes = v
	}
	return l
}

func mapLifecycle(r config.Resolved) plugin.Options {
	return plugin.Options{MaxRestarts: r.MaxRestarts, RestartBackoff: r.RestartBackoff}
}

func mapPipeline(r config.Resolved) pipeline.Options {
	return pipeline.Options{SweepInterval: r.SweepInterval, MaxAge: r.MaxAge}
}

func mapUpstream(cfg *config.Config, r config.Resolved) proxy.UpstreamOptions {
	return proxy.UpstreamOptions{
		DialTimeout:           r.DialTimeout,
		TLSHandshakeTimeout:   r.TLSHandshakeTimeout,
		ResponseHeaderTimeout: r.ResponseHeaderTimeout,
		IdleConnTimeout:       r.IdleConnTimeout,
		InsecureSkipVerify:    cfg.Proxy.Upstream.InsecureSkipVerify,
		Fingerprint:           strings.ToLower(strings.TrimSpace(cfg.Proxy.Upstream.Fingerprint)),
	}
}

// loadCA returns nil when no CA files are configured; the proxy then
// generates an ephemeral one on first start.
func loadCA(cfg *config.Config) (*tls.Certificate, error) {
	if cfg.Proxy.CACert == "" && cfg.Proxy.CAKey == "" {
		return nil, nil
	}
	return proxy.LoadCA(cfg.Proxy.CACert, cfg.Proxy.CAKey)
}

func mapProxyOptions(cfg *config.Config, r config.Resolved, ca *tls.Certificate) proxy.Options {
	return proxy.Options{
		Addr:             r.ProxyAddr,
		CA:               ca,
		MaxBodyBytes:     r.MaxBodyBytes,
		IncludeHosts:     cfg.Proxy.IncludeHosts,
		ExcludeHosts:     cfg.Proxy.ExcludeHosts,
		CaptureWebSocket: cfg.Proxy.CaptureWebSocket,
		Upstream:         mapUpstream(cfg, r),
	}
}

// probeClient builds the HTTP client behind probe(). With probe_via_proxy
// the request is routed through our own listener while it is running, so
// probe traffic shows up in the capture (and is skipped as sentinel traffic).
func probeClient(cfg *config.Config, r config.Resolved, px *proxy.Server) *http.Client {
	tr := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   r.TLSHandshakeTimeout,
		ResponseHeaderTimeout: r.ResponseHeaderTimeout,
		IdleConnTimeout:       r.IdleConnTimeout,
		MaxIdleConnsPerHost:   4,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.Proxy.Upstream.InsecureSkipVerify},
	}
	if cfg.Sandbox.ProbeViaProxy {
		tr.Proxy = func(*http.Request) (*url.URL, error) {
			st := px.Status()
			if !st.Running {
				return nil, nil
			}
			return &url.URL{Scheme: "http", Host: st.Addr}, nil
		}
		if ca, err := px.CA(); err == nil && ca.Leaf != nil {
			// Intercepted TLS is signed by our CA.
			pool, perr := systemPoolWith(ca)
			if perr == nil {
				tr.TLSClientConfig.RootCAs = pool
			}
		}
	}
	return &http.Client{Transport: tr, Timeout: r.ProbeTimeout}
}

func systemPoolWith(ca *tls.Certificate) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}
	pool.AddCert(ca.Leaf)
	return pool, nil
}
