package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

// UpstreamOptions configure the transport used to reach origin servers.
type UpstreamOptions struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	InsecureSkipVerify    bool
	// Fingerprint selects a browser ClientHello ("chrome", "firefox",
	// "safari", "ios", "edge"). Empty uses crypto/tls.
	Fingerprint string
}

var helloProfiles = map[string]utls.ClientHelloID{
	"chrome":  utls.HelloChrome_120,
	"firefox": utls.HelloFirefox_120,
	"safari":  utls.HelloSafari_16_0,
	"ios":     utls.HelloIOS_14,
	"edge":    utls.HelloEdge_106,
}

// NewUpstreamTransport returns the round tripper the proxy forwards through.
// HTTP/2 is never negotiated upstream: captured exchanges are HTTP/1.1.
func NewUpstreamTransport(o UpstreamOptions) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: orDefault(o.DialTimeout, 10*time.Second), KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   orDefault(o.TLSHandshakeTimeout, 10*time.Second),
		ResponseHeaderTimeout: orDefault(o.ResponseHeaderTimeout, 30*time.Second),
		IdleConnTimeout:       orDefault(o.IdleConnTimeout, 90*time.Second),
		MaxIdleConnsPerHost:   16,
		ForceAttemptHTTP2:     false,
		// Bodies are forwarded as sent; decoding is done on a captured copy.
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, NextProtos: []string{"http/1.1"}},
		TLSNextProto:       map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	name := strings.ToLower(strings.TrimSpace(o.Fingerprint))
	if name == "" {
		return tr, nil
	}
	id, ok := helloProfiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown TLS fingerprint %q", o.Fingerprint)
	}
	if _, err := http11Spec(id); err != nil {
		return nil, err
	}
	handshake := tr.TLSHandshakeTimeout
	tr.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialUTLS(ctx, dialer, network, addr, id, o.InsecureSkipVerify, handshake)
	}
	return tr, nil
}

// http11Spec expands a ClientHello preset and pins ALPN to http/1.1 so the
// fingerprint stays intact but the origin never switches to h2.
func http11Spec(id utls.ClientHelloID) (utls.ClientHelloSpec, error) {
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return utls.ClientHelloSpec{}, fmt.Errorf("expand %s: %w", id.Str(), err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	return spec, nil
}

func dialUTLS(ctx context.Context, d *net.Dialer, network, addr string, id utls.ClientHelloID, insecure bool, timeout time.Duration) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// ApplyPreset mutates extension state, so every connection expands its own spec.
	spec, err := http11Spec(id)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	uc := utls.UClient(raw, &utls.Config{ServerName: host, InsecureSkipVerify: insecure}, utls.HelloCustom)
	if err := uc.ApplyPreset(&spec); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("apply ClientHello: %w", err)
	}
	if err := uc.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return uc, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
