package control

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"sentinel/internal/config"
	logx "sentinel/pkg/logx"
)

const defaultPprofAddr = "127.0.0.1:6060"

// PprofServer exposes net/http/pprof on its own listener, separate from the
// control API so profiling can be bound and secured independently.
type PprofServer struct {
	l *listener
}

func NewPprofServer(log logx.Logger) *PprofServer {
	return &PprofServer{l: newListener("pprof", defaultPprofAddr, log, pprofHandler)}
}

func (p *PprofServer) Addr() string { return p.l.Addr() }

// Apply reconciles the server with cfg. Runtime profiling rates are applied
// even when the server is disabled.
func (p *PprofServer) Apply(ctx context.Context, cfg config.PprofConfig, r config.Resolved) {
	applyRuntimeRates(cfg)
	p.l.Reconfigure(ctx, ListenConfig{
		Enabled:       cfg.Enabled,
		Addr:          cfg.Addr,
		Token:         cfg.Token,
		AllowInsecure: cfg.AllowInsecure,
		Prefix:        normalizePrefix(cfg.Prefix),
		ReadTimeout:   r.PprofReadTimeout,
		WriteTimeout:  r.PprofWriteTimeout,
		IdleTimeout:   r.PprofIdleTimeout,
	})
}

func (p *PprofServer) Stop(ctx context.Context) { p.l.Stop(ctx) }

func pprofHandler(cfg ListenConfig) http.Handler {
	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc(prefix, pprofIndexAt(prefix))
	mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc(base+"/profile", hpprof.Profile)
	mux.HandleFunc(base+"/symbol", hpprof.Symbol)
	mux.HandleFunc(base+"/trace", hpprof.Trace)
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return withAuth(cfg.Token, true, mux)
}

func applyRuntimeRates(cfg config.PprofConfig) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index serves named profiles relative to /debug/pprof/, so custom
// prefixes are rewritten before the call.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
