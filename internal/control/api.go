// Package control serves the HTTP JSON control API and the optional pprof
// listener.
//
// Routes (all JSON, bearer token when configured):
//
//	GET    /healthz                   liveness, never authenticated
//	GET    /metrics                   prometheus exposition (metrics.enabled)
//	GET    /v1/status                 proxy, pipeline and plugin summary
//	POST   /v1/proxy/start            {"port": 8081} optional
//	POST   /v1/proxy/stop
//	GET    /v1/plugins                lifecycle snapshot
//	POST   /v1/plugins                {"plugin_id", "code", "enabled", "allow"}
//	GET    /v1/plugins/{id}
//	DELETE /v1/plugins/{id}
//	POST   /v1/plugins/{id}/enable
//	POST   /v1/plugins/{id}/disable
//	GET    /v1/findings               filter via query string
//	GET    /v1/findings/{id}
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/exchange"
	"sentinel/internal/metrics"
	"sentinel/internal/pipeline"
	"sentinel/internal/plugin"
	"sentinel/internal/proxy"
	"sentinel/internal/sandbox"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

const maxRequestBody = 2 << 20

type Proxy interface {
	Start(ctx context.Context, addr string) (string, error)
	Stop(ctx context.Context) error
	Status() proxy.Status
}

type Plugins interface {
	Load(ctx context.Context, spec plugin.LoadSpec) (plugin.Status, error)
	Enable(ctx context.Context, id string) (plugin.Status, error)
	Disable(ctx context.Context, id string) (plugin.Status, error)
	Remove(ctx context.Context, id string) error
	Get(id string) (plugin.Status, bool)
	Snapshot() plugin.Snapshot
}

type Pipeline interface {
	Stats() pipeline.Stats
}

type Deps struct {
	Proxy    Proxy
	Plugins  Plugins
	Pipeline Pipeline      // optional
	Store    storage.Store // optional; findings endpoints answer 503 without it
	Metrics  *metrics.Metrics
	// ProxyAddr returns the configured listen address start_proxy derives
	// its port override from.
	ProxyAddr func() string
	Version   string
	Logger    logx.Logger
}

// Server is the control API. Handlers are safe for concurrent use.
type Server struct {
	deps    Deps
	log     logx.Logger
	started time.Time
	l       *listener

	metricsOn atomic.Bool
}

func New(deps Deps) *Server {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.ProxyAddr == nil {
		deps.ProxyAddr = func() string { return config.DefaultProxyAddr }
	}
	s := &Server{deps: deps, log: log, started: time.Now()}
	s.l = newListener("control api", config.DefaultControlAddr, log, func(cfg ListenConfig) http.Handler {
		return s.Handler(cfg.Token)
	})
	return s
}

// Apply reconciles the listener with cfg.
func (s *Server) Apply(ctx context.Context, cfg config.ControlConfig, metricsEnabled bool) {
	s.metricsOn.Store(metricsEnabled)
	s.l.Reconfigure(ctx, ListenConfig{
		Enabled:       cfg.Enabled,
		Addr:          cfg.Addr,
		Token:         cfg.Token,
		AllowInsecure: cfg.AllowInsecure,
		IdleTimeout:   2 * time.Minute,
	})
}

func (s *Server) Stop(ctx context.Context) { s.l.Stop(ctx) }

func (s *Server) Addr() string { return s.l.Addr() }

// Handler builds the route table. It is exported for embedding and tests.
func (s *Server) Handler(token string) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/status", s.handleStatus)
	api.HandleFunc("POST /v1/proxy/start", s.handleProxyStart)
	api.HandleFunc("POST /v1/proxy/stop", s.handleProxyStop)
	api.HandleFunc("GET /v1/plugins", s.handlePlugins)
	api.HandleFunc("POST /v1/plugins", s.handlePluginLoad)
	api.HandleFunc("GET /v1/plugins/{id}", s.handlePluginGet)
	api.HandleFunc("DELETE /v1/plugins/{id}", s.handlePluginRemove)
	api.HandleFunc("POST /v1/plugins/{id}/enable", s.handlePluginEnable)
	api.HandleFunc("POST /v1/plugins/{id}/disable", s.handlePluginDisable)
	api.HandleFunc("GET /v1/findings", s.handleFindings)
	api.HandleFunc("GET /v1/findings/{id}", s.handleFinding)
	api.HandleFunc("GET /metrics", s.handleMetrics)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	root.Handle("/", withAuth(token, false, api))
	return s.recoverer(root)
}

func (s *Server) recoverer(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("control handler panic", logx.String("path", r.URL.Path), logx.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		h.ServeHTTP(w, r)
	})
}

// StatusReport is the get_status payload.
type StatusReport struct {
	Version  string          `json:"version,omitempty"`
	Uptime   string          `json:"uptime"`
	Proxy    proxy.Status    `json:"proxy"`
	Pipeline *pipeline.Stats `json:"pipeline,omitempty"`
	Plugins  PluginCounts    `json:"plugins"`
}

type PluginCounts struct {
	Total  int            `json:"total"`
	Active int            `json:"active"`
	States map[string]int `json:"states"`
}

func (s *Server) Status() StatusReport {
	rep := StatusReport{
		Version: s.deps.Version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Proxy:   s.deps.Proxy.Status(),
		Plugins: PluginCounts{States: map[string]int{}},
	}
	if s.deps.Pipeline != nil {
		st := s.deps.Pipeline.Stats()
		rep.Pipeline = &st
	}
	for _, p := range s.deps.Plugins.Snapshot().Plugins {
		rep.Plugins.Total++
		rep.Plugins.States[string(p.State)]++
		if p.Active() {
			rep.Plugins.Active++
		}
	}
	return rep
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

type startProxyRequest struct {
	Port int `json:"port,omitempty"`
}

func (s *Server) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	var req startProxyRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr := s.deps.ProxyAddr()
	if req.Port != 0 {
		a, err := proxy.WithPort(addr, req.Port)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		addr = a
	}
	bound, err := s.deps.Proxy.Start(r.Context(), addr)
	switch {
	case errors.Is(err, proxy.ErrRunning):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.log.Warn("start_proxy failed", logx.String("addr", addr), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("start_proxy", logx.String("addr", bound))
	writeJSON(w, http.StatusOK, s.deps.Proxy.Status())
}

func (s *Server) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err := s.deps.Proxy.Stop(ctx)
	switch {
	case errors.Is(err, proxy.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("stop_proxy")
	writeJSON(w, http.StatusOK, s.deps.Proxy.Status())
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Plugins.Snapshot())
}

// loadPluginRequest is the load_plugin body. Enabled defaults to true.
type loadPluginRequest struct {
	ID      string   `json:"plugin_id"`
	Code    string   `json:"code"`
	Enabled *bool    `json:"enabled,omitempty"`
	Allow   []string `json:"allow,omitempty"`
}

type pluginResult struct {
	Plugin plugin.Status `json:"plugin"`
	Error  string        `json:"error,omitempty"`
	Kind   string        `json:"kind,omitempty"`
}

func (s *Server) handlePluginLoad(w http.ResponseWriter, r *http.Request) {
	var req loadPluginRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	st, err := s.deps.Plugins.Load(r.Context(), plugin.LoadSpec{
		ID:      strings.TrimSpace(req.ID),
		Code:    req.Code,
		Allow:   req.Allow,
		Enabled: enabled,
		Source:  plugin.SourceAPI,
	})
	s.writePluginResult(w, st, err)
}

func (s *Server) handlePluginGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Plugins.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, plugin.ErrUnknownPlugin)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePluginRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Plugins.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePluginEnable(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Plugins.Enable(r.Context(), r.PathValue("id"))
	s.writePluginResult(w, st, err)
}

func (s *Server) handlePluginDisable(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Plugins.Disable(r.Context(), r.PathValue("id"))
	s.writePluginResult(w, st, err)
}

// writePluginResult reports compile failures with the resulting status so
// callers see the PermanentlyFailed state and its reason.
func (s *Server) writePluginResult(w http.ResponseWriter, st plugin.Status, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, pluginResult{Plugin: st})
		return
	}
	code := statusFor(err)
	if code != http.StatusUnprocessableEntity {
		writeError(w, code, err)
		return
	}
	writeJSON(w, code, pluginResult{Plugin: st, Error: err.Error(), Kind: string(sandbox.KindOf(err))})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, plugin.ErrUnknownPlugin):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrInvalidID):
		return http.StatusBadRequest
	case sandbox.KindOf(err) != "", errors.Is(err, sandbox.ErrNoHooks), errors.Is(err, sandbox.ErrCapabilityDenied):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := s.deps.Store.ListFindings(r.Context(), f)
	if err != nil {
		s.log.Warn("list_findings failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []exchange.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": list, "count": len(list)})
}

func (s *Server) handleFinding(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled)
		return
	}
	f, ok, err := s.deps.Store.GetFinding(r.Context(), r.PathValue("id"))
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case !ok:
		writeError(w, http.StatusNotFound, errors.New("finding not found"))
	default:
		writeJSON(w, http.StatusOK, f)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.metricsOn.Load() || s.deps.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.deps.Metrics.Handler().ServeHTTP(w, r)
}

// parseFilter reads list_findings criteria from the query string.
func parseFilter(r *http.Request) (exchange.Filter, error) {
	q := r.URL.Query()
	f := exchange.Filter{
		PluginID:   q.Get("plugin_id"),
		ExchangeID: q.Get("exchange_id"),
		VulnType:   q.Get("vuln_type"),
		Host:       q.Get("host"),
	}
	if v := q.Get("min_severity"); v != "" {
		f.MinSeverity = exchange.ParseSeverity(v)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: invalid value %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
