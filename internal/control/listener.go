package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"sentinel/internal/config"
	rtsup "sentinel/internal/runtime/supervisor"
	logx "sentinel/pkg/logx"
)

// ListenConfig is the part of a server's configuration that needs a restart
// when it changes.
type ListenConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Prefix        string // route prefix, for servers that mount under one

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// listener runs one HTTP server under a supervisor restart loop so it heals
// after listen or serve failures. The handler is rebuilt from the current
// config on every (re)start.
type listener struct {
	name        string
	defaultAddr string
	build       func(cfg ListenConfig) http.Handler

	mu  sync.Mutex
	log logx.Logger
	cfg ListenConfig

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	addr     string
}

func newListener(name, defaultAddr string, log logx.Logger, build func(ListenConfig) http.Handler) *listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &listener{name: name, defaultAddr: defaultAddr, build: build, log: log}
}

// Addr returns the bound address, or "" while not serving.
func (l *listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *listener) Supervisor() *rtsup.Supervisor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sup
}

// Reconfigure starts, stops or restarts the server to match cfg.
func (l *listener) Reconfigure(ctx context.Context, cfg ListenConfig) {
	l.mu.Lock()
	prev := l.cfg
	running := l.sup != nil
	l.cfg = cfg
	l.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			l.Stop(ctx)
		}
	case !running:
		l.Start(ctx)
	case prev != cfg:
		l.Stop(ctx)
		l.Start(ctx)
	}
}

func (l *listener) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		l.mu.Lock()
		if l.stopDone != nil {
			done := l.stopDone
			l.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if l.sup != nil || !l.cfg.Enabled {
			l.mu.Unlock()
			return
		}
		// The server outlives the caller's context; Stop owns shutdown.
		l.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
			rtsup.WithLogger(l.log),
			rtsup.WithCancelOnError(false),
		)
		sup := l.sup
		l.mu.Unlock()

		sup.GoRestart("http.serve", l.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (l *listener) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.sup == nil {
		l.mu.Unlock()
		return
	}
	if l.stopDone != nil {
		done := l.stopDone
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	l.stopDone = done
	srv, ln, sup := l.srv, l.ln, l.sup
	l.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		l.mu.Lock()
		l.ln, l.srv, l.sup, l.stopDone, l.addr = nil, nil, nil, nil, ""
		l.mu.Unlock()
		l.log.Info(l.name + " stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (l *listener) serveOnce(ctx context.Context) error {
	l.mu.Lock()
	cur := l.cfg
	log := l.log
	l.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = l.defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !config.IsLoopbackAddr(addr) {
		log.Error(l.name+" refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return fmt.Errorf("%s refused to start: insecure bind", l.name)
	}
	if cur.AllowInsecure && cur.Token == "" && !config.IsLoopbackAddr(addr) {
		log.Warn(l.name+" running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		log.Error(l.name+" listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           l.build(cur),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	bound := ln.Addr().String()
	l.mu.Lock()
	l.ln, l.srv, l.addr = ln, srv, bound
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	log.Info(l.name+" started", logx.String("addr", bound), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)

	l.mu.Lock()
	if l.srv == srv {
		l.srv, l.ln, l.addr = nil, nil, ""
	}
	stopping := l.stopDone != nil
	l.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server exited unexpectedly", l.name)
	}
	return err
}
