// Package proxy is the MITM HTTP(S) listener that feeds captured exchanges
// to the scan pipeline.
//
// Traffic is forwarded unmodified. Capture works on copies: request bodies
// are read up to a cap and stitched back together, response bodies are teed
// while they stream to the client and decoded for scanning only, and
// WebSocket frames are observed in place.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"

	"sentinel/internal/config"
	"sentinel/internal/eventbus"
	"sentinel/internal/exchange"
	"sentinel/internal/metrics"
	logx "sentinel/pkg/logx"
)

var (
	ErrRunning    = errors.New("proxy already running")
	ErrNotRunning = errors.New("proxy not running")
)

// Sink receives captured traffic. Both calls must return quickly.
type Sink interface {
	ScanRequest(ex *exchange.CapturedExchange)
	ScanResponse(resp *exchange.CapturedResponse)
}

type Options struct {
	Addr             string
	CA               *tls.Certificate // nil: generate an ephemeral CA on first start
	MaxBodyBytes     int64
	IncludeHosts     []string
	ExcludeHosts     []string
	CaptureWebSocket bool
	Upstream         UpstreamOptions
}

type Deps struct {
	Sink    Sink
	Bus     eventbus.Bus // optional
	Metrics *metrics.Metrics
	Logger  logx.Logger
}

type Server struct {
	log     logx.Logger
	sink    Sink
	bus     eventbus.Bus
	metrics *metrics.Metrics

	scope     atomic.Pointer[Scope]
	maxBody   atomic.Int64
	wsCapture atomic.Bool
	certs     *certCache

	mu        sync.Mutex
	opts      Options
	ca        *tls.Certificate
	srv       *http.Server
	ln        net.Listener
	addr      string
	startedAt time.Time

	requests  atomic.Uint64
	responses atomic.Uint64
	undecoded atomic.Uint64
	frames    atomic.Uint64
}

func New(deps Deps, opts Options) *Server {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Server{
		log:     log,
		sink:    deps.Sink,
		bus:     bus,
		metrics: deps.Metrics,
		certs:   newCertCache(1024),
		opts:    opts,
		ca:      opts.CA,
	}
	s.SetScope(opts.IncludeHosts, opts.ExcludeHosts)
	s.SetMaxBody(opts.MaxBodyBytes)
	s.wsCapture.Store(opts.CaptureWebSocket)
	return s
}

// SetSink sets the receiver of captured traffic. Call before Start.
func (s *Server) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// SetScope replaces the capture scope. Connections already intercepted keep
// their decision.
func (s *Server) SetScope(include, exclude []string) {
	s.scope.Store(NewScope(include, exclude))
}

func (s *Server) SetMaxBody(n int64) {
	if n <= 0 {
		n = config.DefaultMaxBodyBytes
	}
	s.maxBody.Store(n)
}

func (s *Server) SetCaptureWebSocket(on bool) { s.wsCapture.Store(on) }

// SetUpstream applies to the next Start.
func (s *Server) SetUpstream(o UpstreamOptions) {
	s.mu.Lock()
	s.opts.Upstream = o
	s.mu.Unlock()
}

// CA returns the signing certificate, generating one if none is set yet.
func (s *Server) CA() (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caLocked()
}

func (s *Server) caLocked() (*tls.Certificate, error) {
	if s.ca != nil {
		return s.ca, nil
	}
	ca, err := GenerateCA("")
	if err != nil {
		return nil, err
	}
	s.ca = ca
	s.log.Warn("no CA configured; generated an ephemeral one (clients must trust it again after restart)")
	return ca, nil
}

// Start listens on addr (the configured address when empty) and serves in
// the background. It returns the bound address.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.addr, ErrRunning
	}
	if strings.TrimSpace(addr) == "" {
		addr = s.opts.Addr
	}
	if strings.TrimSpace(addr) == "" {
		addr = config.DefaultProxyAddr
	}
	ca, err := s.caLocked()
	if err != nil {
		return "", err
	}
	gp, err := s.build(ca, s.opts.Upstream)
	if err != nil {
		return "", err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("proxy listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: gp, ReadHeaderTimeout: 30 * time.Second}
	s.srv, s.ln, s.addr, s.startedAt = srv, ln, ln.Addr().String(), time.Now()

	bound := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("proxy server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	s.log.Info("proxy started", logx.String("addr", bound), logx.Int64("max_body", s.maxBody.Load()), logx.String("fingerprint", s.opts.Upstream.Fingerprint))
	s.bus.Publish(eventbus.Event{Type: eventbus.ProxyStarted, Data: bound})
	return bound, nil
}

// Stop shuts the listener down. Intercepted TLS connections are hijacked,
// so they end when their clients or upstreams close them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return ErrNotRunning
	}

	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("proxy shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("proxy stopped", logx.String("addr", addr))
	s.bus.Publish(eventbus.Event{Type: eventbus.ProxyStopped, Data: addr})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Status is a point-in-time view for the control API.
type Status struct {
	Running         bool      `json:"running"`
	Addr            string    `json:"addr,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	Requests        uint64    `json:"requests"`
	Responses       uint64    `json:"responses"`
	Undecoded       uint64    `json:"undecoded_responses"`
	WebSocketFrames uint64    `json:"websocket_frames"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.srv != nil, Addr: s.addr}
	if st.Running {
		st.StartedAt = s.startedAt
	}
	s.mu.Unlock()
	st.Requests = s.requests.Load()
	st.Responses = s.responses.Load()
	st.Undecoded = s.undecoded.Load()
	st.WebSocketFrames = s.frames.Load()
	return st
}

func (s *Server) build(ca *tls.Certificate, up UpstreamOptions) (*goproxy.ProxyHttpServer, error) {
	tr, err := NewUpstreamTransport(up)
	if err != nil {
		return nil, err
	}
	gp := goproxy.NewProxyHttpServer()
	gp.Tr = tr
	gp.Logger = goproxyLogger{log: s.log}
	gp.CertStore = s.certs
	gp.NonproxyHandler = http.HandlerFunc(s.serveLocal)

	mitm := &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(ca)}
	gp.OnRequest().HandleConnectFunc(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if !s.scope.Load().Captures(host) {
			return goproxy.OkConnect, host
		}
		return mitm, host
	})
	gp.OnRequest().DoFunc(s.onRequest)
	gp.OnResponse().DoFunc(s.onResponse)
	return gp, nil
}

func (s *Server) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if !s.scope.Load().Captures(host) {
		return r, nil
	}
	body, truncated, err := captureBody(&r.Body, s.maxBody.Load())
	if err != nil {
		s.log.Debug("request body read failed", logx.String("url", r.URL.String()), logx.Err(err))
	}

	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	ex := exchange.NewExchange(scheme, hostOnly(host), portOf(host, scheme), r.Method, r.URL.Path, r.URL.RawQuery, exchange.FromRequest(r), body)
	ex.Truncated = truncated
	ctx.UserData = ex
	ctx.RoundTripper = goproxy.RoundTripperFunc(s.roundTrip)
	s.requests.Add(1)
	if s.sink != nil {
		s.sink.ScanRequest(ex)
	}
	return r, nil
}

func (s *Server) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	ex, _ := ctx.UserData.(*exchange.CapturedExchange)
	if ex == nil {
		return resp
	}
	if resp == nil {
		s.log.Debug("upstream request failed", logx.String("exchange", ex.ID), logx.String("url", ex.URL()), logx.Any("err", ctx.Error))
		return resp
	}
	s.responses.Add(1)
	cr := &exchange.CapturedResponse{
		ExchangeID:        ex.ID,
		Status:            resp.StatusCode,
		Headers:           exchange.FromHTTP(resp.Header, nil),
		ContentEncodingOK: true,
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if s.wsCapture.Load() && isWebSocketUpgrade(resp.Header) {
			if rwc, ok := resp.Body.(io.ReadWriteCloser); ok {
				resp.Body = newWSTap(rwc, ex.ID, s.onFrame)
			}
		}
		s.deliver(cr)
		return resp
	}

	tee, ok := resp.Body.(*teeBody)
	if !ok {
		// HEAD, 204, 304 and friends: nothing to capture.
		s.deliver(cr)
		return resp
	}
	enc := resp.Header.Get("Content-Encoding")
	tee.onDone(func(raw []byte, truncated bool, err error) {
		s.completeResponse(ex, cr, enc, raw, truncated, err, tee.max)
	})
	return resp
}

// completeResponse decodes the captured body once it has streamed through.
func (s *Server) completeResponse(ex *exchange.CapturedExchange, cr *exchange.CapturedResponse, enc string, raw []byte, truncated bool, err error, limit int64) {
	cr.Truncated = truncated
	switch {
	case err != nil:
		s.log.Debug("response body read failed", logx.String("url", ex.URL()), logx.Err(err))
		cr.Body, cr.ContentEncodingOK = raw, false
	case len(Encodings(enc)) == 0:
		cr.Body = raw
	case truncated:
		// A prefix of a compressed stream is not decodable.
		cr.Body, cr.ContentEncodingOK = raw, false
	default:
		dec, derr := DecodeBody(enc, raw, limit)
		if derr != nil {
			coding := strings.ToLower(strings.TrimSpace(enc))
			var de *DecodeError
			if errors.As(derr, &de) {
				coding = de.Encoding
			}
			s.metrics.DecodeFailure(coding)
			s.log.Warn("response body not decodable; forwarded unmodified and not scanned", logx.String("url", ex.URL()), logx.String("encoding", enc), logx.Err(derr))
			cr.Body, cr.ContentEncodingOK = raw, false
		} else {
			cr.Body = dec
		}
	}
	if !cr.ContentEncodingOK {
		s.undecoded.Add(1)
	}
	s.deliver(cr)
}

func (s *Server) deliver(cr *exchange.CapturedResponse) {
	if s.sink != nil {
		s.sink.ScanResponse(cr)
	}
}

func (s *Server) onFrame(fi FrameInfo) {
	s.frames.Add(1)
	s.metrics.WebSocketFrame(fi.Direction)
	s.bus.Publish(eventbus.Event{Type: eventbus.WebSocketFrame, Data: fi})
	s.log.Debug("websocket frame", logx.String("exchange", fi.ExchangeID), logx.String("dir", fi.Direction), logx.String("op", fi.OpCode), logx.Int64("len", fi.Length))
}

// serveLocal answers requests addressed to the proxy itself.
func (s *Server) serveLocal(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ca.pem" {
		http.Error(w, "sentinel proxy: configure this address as your HTTP(S) proxy; CA at /ca.pem", http.StatusNotFound)
		return
	}
	ca, err := s.CA()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.Certificate[0]})
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func portOf(hostport, scheme string) int {
	if _, p, err := net.SplitHostPort(hostport); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if scheme == "https" {
		return 443
	}
	return 80
}

// WithPort replaces the port of a listen address.
func WithPort(addr string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

type goproxyLogger struct{ log logx.Logger }

func (l goproxyLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// certCache keeps issued leaf certificates so each host is signed once.
type certCache struct {
	mu    sync.Mutex
	max   int
	certs map[string]*tls.Certificate
}

func newCertCache(max int) *certCache {
	return &certCache{max: max, certs: map[string]*tls.Certificate{}}
}

func (c *certCache) Fetch(host string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	c.mu.Lock()
	if crt, ok := c.certs[host]; ok {
		c.mu.Unlock()
		return crt, nil
	}
	c.mu.Unlock()

	crt, err := gen()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if len(c.certs) >= c.max {
		c.certs = map[string]*tls.Certificate{}
	}
	c.certs[host] = crt
	c.mu.Unlock()
	return crt, nil
}
