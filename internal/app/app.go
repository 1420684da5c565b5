package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sentinel/internal/config"
	"sentinel/internal/control"
	"sentinel/internal/correlator"
	"sentinel/internal/eventbus"
	"sentinel/internal/governor"
	"sentinel/internal/metrics"
	"sentinel/internal/pipeline"
	"sentinel/internal/plugin"
	"sentinel/internal/proxy"
	rtsup "sentinel/internal/runtime/supervisor"
	"sentinel/internal/sandbox"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	gov   *governor.Governor
	rt    *sandbox.Runtime
	pm    *plugin.Manager
	pipe  *pipeline.Pipeline
	proxy *proxy.Server
	ctl   *control.Server
	pprof *control.PprofServer
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogging(cfg))
	log := base.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return base.With(logx.String("comp", name)) }

	met, err := metrics.New(r.Namespace)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))

	ca, err := loadCA(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gov := governor.New(governor.Config{MaxConcurrentScans: r.MaxConcurrentScans, ProbeInterval: r.ProbeInterval})
	corr := correlator.New()

	px := proxy.New(proxy.Deps{Bus: bus, Metrics: met, Logger: comp("proxy")}, mapProxyOptions(cfg, r, ca))
	prober := &sandbox.HTTPProber{Client: probeClient(cfg, r, px), Limiter: gov, MaxBody: r.MaxBodyBytes}
	rt := sandbox.NewRuntime(mapSandboxLimits(cfg, r), prober, comp("sandbox"))

	pm := plugin.NewManager(plugin.Deps{
		Runtime: rt,
		Store:   store,
		Bus:     bus,
		Metrics: met,
		Logger:  comp("plugins"),
	}, mapLifecycle(r))

	pipe := pipeline.New(pipeline.Deps{
		Correlator: corr,
		Governor:   gov,
		Plugins:    pm,
		Store:      store,
		Bus:        bus,
		Metrics:    met,
		Logger:     comp("pipeline"),
	}, mapPipeline(r))
	px.SetSink(pipe)

	a := &App{
		cfgPath: cfgPath,
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: met,
		gov:     gov,
		rt:      rt,
		pm:      pm,
		pipe:    pipe,
		proxy:   px,
		pprof:   control.NewPprofServer(comp("pprof")),
	}
	a.ctl = control.New(control.Deps{
		Proxy:     px,
		Plugins:   pm,
		Pipeline:  pipe,
		Store:     store,
		Metrics:   met,
		ProxyAddr: a.proxyAddr,
		Version:   version,
		Logger:    comp("control"),
	})
	a.registerGauges(corr)
	return a, nil
}

func (a *App) registerGauges(corr *correlator.Correlator) {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"scan_slots_in_flight", "Plugin invocations currently holding a scan slot.", func() float64 { return float64(a.gov.Stats().InFlight) }},
		{"scan_slots_peak", "Highest number of scan slots held at once.", func() float64 { return float64(a.gov.Stats().Peak) }},
		{"scan_slots_waiting", "Invocations waiting for a scan slot.", func() float64 { return float64(a.gov.Stats().Waiting) }},
		{"correlator_pending", "Requests waiting for their response.", func() float64 { return float64(corr.Len()) }},
		{"plugins_active", "Enabled and healthy plugins.", func() float64 {
			n := 0
			for _, p := range a.pm.Snapshot().Plugins {
				if p.Active() {
					n++
				}
			}
			return float64(n)
		}},
	}
	for _, g := range gauges {
		if err := a.metrics.GaugeFunc(g.name, g.help, g.fn); err != nil {
			a.log.Warn("gauge not registered", logx.String("name", g.name), logx.Err(err))
		}
	}
}

func (a *App) proxyAddr() string {
	cfg := a.cfgm.Get()
	if cfg == nil || strings.TrimSpace(cfg.Proxy.Addr) == "" {
		return config.DefaultProxyAddr
	}
	return strings.TrimSpace(cfg.Proxy.Addr)
}

func (a *App) Proxy() *proxy.Server    { return a.proxy }
func (a *App) Plugins() *plugin.Manager { return a.pm }
func (a *App) ControlAddr() string      { return a.ctl.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: Resolve runs inside the manager, this adds
	// checks that need live state.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if dir := strings.TrimSpace(cfg.PluginsDir); dir != "" {
			fi, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("plugins_dir: %w", err)
			}
			if !fi.IsDir() {
				return fmt.Errorf("plugins_dir: %s is not a directory", dir)
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()
	r, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	if err := a.pipe.Start(runCtx); err != nil {
		return err
	}

	// Plugins: persisted descriptors first, then files and config on top.
	if err := a.pm.Restore(runCtx); err != nil {
		a.log.Warn("plugin restore incomplete", logx.Err(err))
	}
	if err := a.pm.Reconcile(runCtx, cfg); err != nil {
		a.log.Warn("some plugins failed to load", logx.Err(err))
	}
	a.sup.Go("plugins.watch", a.pm.WatchDir)

	a.ctl.Apply(runCtx, cfg.Control, cfg.Metrics.Enabled)
	a.pprof.Apply(runCtx, cfg.Pprof, r)

	if cfg.Proxy.AutoStart {
		addr, err := a.proxy.Start(runCtx, "")
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		a.log.Info("proxy auto-started", logx.String("addr", addr))
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only: frames and findings are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifySystemd()
	a.log.Info("app started", logx.String("version", a.version), logx.String("control", cfg.Control.Addr), logx.Bool("proxy_running", a.proxy.Running()))
	return nil
}

// applyConfig fans a committed config out to every live component. Settings
// bound at listen or open time only produce a restart warning.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
		if len(pluginChanged) > 0 {
			a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
		}
	}

	r, err := config.Resolve(next)
	if err != nil {
		// The manager validates before commit; this only guards direct callers.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	pr, _ := config.Resolve(prev)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if r.MaxConcurrentScans != pr.MaxConcurrentScans {
		a.log.Warn("governor.max_concurrent_scans changed; restart required for changes to take effect")
	}
	if r.ProxyAddr != pr.ProxyAddr || next.Proxy.CACert != prev.Proxy.CACert || next.Proxy.CAKey != prev.Proxy.CAKey {
		a.log.Warn("proxy listener or CA changed; takes effect on the next start_proxy (CA needs a restart)")
	}
	if strings.TrimSpace(next.PluginsDir) != strings.TrimSpace(prev.PluginsDir) {
		a.log.Warn("plugins_dir changed; files are reconciled now but watching the new directory needs a restart")
	}

	a.logs.Apply(mapLogging(next))
	a.gov.SetProbeInterval(r.ProbeInterval)
	a.rt.SetLimits(mapSandboxLimits(next, r))
	a.pm.SetOptions(mapLifecycle(r))
	a.pipe.SetOptions(mapPipeline(r))

	a.proxy.SetScope(next.Proxy.IncludeHosts, next.Proxy.ExcludeHosts)
	a.proxy.SetMaxBody(r.MaxBodyBytes)
	a.proxy.SetCaptureWebSocket(next.Proxy.CaptureWebSocket)
	a.proxy.SetUpstream(mapUpstream(next, r))

	a.ctl.Apply(ctx, next.Control, next.Metrics.Enabled)
	a.pprof.Apply(ctx, next.Pprof, r)

	if err := a.pm.Reconcile(ctx, next); err != nil {
		a.log.Warn("plugin reconcile finished with errors", logx.Err(err))
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

// notifySystemd reports readiness and keeps the watchdog fed when the unit
// sets WatchdogSec. Both are no-ops outside systemd.
func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, a.log, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Traffic first, then the work it produced, then the outer surfaces.
	step("proxy", 3*time.Second, func(c context.Context) error {
		if err := a.proxy.Stop(c); err != nil && !errors.Is(err, proxy.ErrNotRunning) {
			return err
		}
		return nil
	})
	step("pipeline", 5*time.Second, a.pipe.Stop)
	step("plugins", 3*time.Second, a.pm.Close)
	step("control", 1*time.Second, func(c context.Context) error { a.ctl.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dir watch, etc.)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStep runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. fn must honor its context; a step that
// overruns is logged again when it eventually returns.
func runStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
