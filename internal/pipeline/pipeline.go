// Package pipeline routes captured exchanges to plugins.
//
// The proxy hands every request to ScanRequest and every response to
// ScanResponse. Both return immediately; dispatch runs on its own goroutines
// and is bounded only by the governor's scan slots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"sentinel/internal/config"
	"sentinel/internal/correlator"
	"sentinel/internal/eventbus"
	"sentinel/internal/exchange"
	"sentinel/internal/governor"
	"sentinel/internal/metrics"
	"sentinel/internal/sandbox"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

const findingQueueSize = 1024

// Plugins is the part of the lifecycle manager the pipeline dispatches through.
type Plugins interface {
	Active(hook string) []string
	Invoke(ctx context.Context, id, hook string, in sandbox.Input) ([]exchange.Finding, error)
}

type Options struct {
	SweepInterval time.Duration // default 60s
	MaxAge        time.Duration // default 5m
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.DefaultSweepInterval
	}
	if o.MaxAge <= 0 {
		o.MaxAge = config.DefaultMaxAge
	}
	return o
}

type Deps struct {
	Correlator *correlator.Correlator
	Governor   *governor.Governor
	Plugins    Plugins
	Store      storage.Store // optional
	Bus        eventbus.Bus  // optional
	Metrics    *metrics.Metrics
	Logger     logx.Logger
}

type Pipeline struct {
	log     logx.Logger
	corr    *correlator.Correlator
	gov     *governor.Governor
	plugins Plugins
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics

	// ctx bounds dispatch. Stop cancels it only when its own deadline
	// passes before in-flight work has drained.
	ctx    context.Context
	cancel context.CancelFunc
	// gate orders dispatch.Add against closing in Stop.
	gate     sync.RWMutex
	closing  atomic.Bool
	stopOnce sync.Once

	// dispatch tracks exchange-level dispatch goroutines and every
	// invocation they start.
	dispatch sync.WaitGroup
	// pending maps exchange id to a channel closed when its request-phase
	// invocations have finished, so scan_response never overtakes scan_request.
	pending sync.Map

	findings chan exchange.Finding
	writer   sync.WaitGroup

	mu      sync.Mutex
	opts    Options
	cron    *cron.Cron
	sweepID cron.EntryID
	started bool

	dispatched atomic.Uint64
	skipped    atomic.Uint64
	unpaired   atomic.Uint64
	emitted    atomic.Uint64
	dropped    atomic.Uint64
}

func New(deps Deps, opts Options) *Pipeline {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	corr := deps.Correlator
	if corr == nil {
		corr = correlator.New()
	}
	gov := deps.Governor
	if gov == nil {
		gov = governor.New(governor.Config{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		log:      log,
		corr:     corr,
		gov:      gov,
		plugins:  deps.Plugins,
		store:    deps.Store,
		bus:      bus,
		metrics:  deps.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		findings: make(chan exchange.Finding, findingQueueSize),
		opts:     opts.withDefaults(),
	}
}

// Start begins the periodic correlator sweep and the finding writer.
func (p *Pipeline) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing.Load() {
		return errors.New("pipeline stopped")
	}
	if p.started {
		return nil
	}
	cl := cronLogger{p.log}
	p.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if err := p.scheduleSweepLocked(); err != nil {
		return err
	}
	p.cron.Start()
	p.writer.Add(1)
	go p.writeFindings()
	p.started = true
	p.log.Info("pipeline started", logx.Duration("sweep_interval", p.opts.SweepInterval), logx.Duration("max_age", p.opts.MaxAge))
	return nil
}

func (p *Pipeline) scheduleSweepLocked() error {
	if p.sweepID != 0 {
		p.cron.Remove(p.sweepID)
		p.sweepID = 0
	}
	spec := fmt.Sprintf("@every %s", p.opts.SweepInterval)
	id, err := p.cron.AddFunc(spec, func() { p.Sweep() })
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	p.sweepID = id
	return nil
}

// SetOptions applies new sweep timings. A running schedule is replaced.
func (p *Pipeline) SetOptions(o Options) {
	o = o.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.opts
	p.opts = o
	if p.cron == nil || prev.SweepInterval == o.SweepInterval {
		return
	}
	if err := p.scheduleSweepLocked(); err != nil {
		p.log.Warn("sweep reschedule failed", logx.Err(err))
		return
	}
	p.log.Info("sweep rescheduled", logx.Duration("interval", o.SweepInterval), logx.Duration("max_age", o.MaxAge))
}

func (p *Pipeline) options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Stop halts the sweep, refuses new exchanges and waits for queued and
// in-flight invocations and pending finding writes. When ctx ends first the
// remaining invocations are canceled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	p.gate.Lock()
	p.closing.Store(true)
	p.gate.Unlock()

	done := make(chan struct{})
	go func() {
		p.dispatch.Wait()
		// Dispatch is drained, nothing sends on findings anymore.
		p.stopOnce.Do(func() { close(p.findings) })
		p.writer.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.log.Info("pipeline stopped", logx.Uint64("dispatched", p.dispatched.Load()), logx.Uint64("findings", p.emitted.Load()))
		return nil
	case <-ctx.Done():
		p.cancel()
		p.log.Warn("pipeline stop deadline reached; in-flight invocations canceled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// ScanRequest records ex for pairing and, unless it carries the recursion
// marker, dispatches scan_request to every active plugin.
func (p *Pipeline) ScanRequest(ex *exchange.CapturedExchange) {
	if ex == nil || p.closing.Load() {
		return
	}
	p.corr.Store(ex)
	if ex.Sentinel {
		p.skipped.Add(1)
		p.metrics.SentinelSkipped()
		return
	}
	p.metrics.Exchange("request")
	if p.plugins == nil {
		return
	}
	ids := p.plugins.Active(sandbox.HookScanRequest)
	if len(ids) == 0 {
		return
	}

	if !p.begin() {
		return
	}
	done := make(chan struct{})
	p.pending.Store(ex.ID, done)
	go func() {
		defer p.dispatch.Done()
		defer func() {
			close(done)
			p.pending.Delete(ex.ID)
		}()
		p.fanOut(ids, sandbox.HookScanRequest, sandbox.Input{Exchange: ex})
	}()
}

// ScanResponse pairs resp with its request and dispatches scan_response.
// Responses whose request expired, was already consumed, carried the
// recursion marker or failed to decode are dropped here.
func (p *Pipeline) ScanResponse(resp *exchange.CapturedResponse) {
	if resp == nil || p.closing.Load() {
		return
	}
	ex, ok := p.corr.Take(resp.ExchangeID)
	if !ok {
		p.unpaired.Add(1)
		p.log.Debug("response without captured request", logx.String("exchange", resp.ExchangeID))
		return
	}
	if ex.Sentinel {
		p.skipped.Add(1)
		p.metrics.SentinelSkipped()
		return
	}
	p.metrics.Exchange("response")
	if !resp.ContentEncodingOK {
		p.log.Debug("response not scanned: body could not be decoded", logx.String("exchange", ex.ID), logx.String("url", ex.URL()))
		return
	}
	if p.plugins == nil {
		return
	}

	var wait <-chan struct{}
	if v, ok := p.pending.Load(ex.ID); ok {
		wait = v.(chan struct{})
	}
	if !p.begin() {
		return
	}
	go func() {
		defer p.dispatch.Done()
		if wait != nil {
			select {
			case <-wait:
			case <-p.ctx.Done():
				return
			}
		}
		ids := p.plugins.Active(sandbox.HookScanResponse)
		if len(ids) == 0 {
			return
		}
		p.fanOut(ids, sandbox.HookScanResponse, sandbox.Input{Exchange: ex, Response: resp})
	}()
}

// begin registers one dispatch goroutine unless the pipeline is stopping.
func (p *Pipeline) begin() bool {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closing.Load() {
		return false
	}
	p.dispatch.Add(1)
	return true
}

// fanOut runs hook on every plugin in ids, one governor slot each, and
// returns when all of them have finished.
func (p *Pipeline) fanOut(ids []string, hook string, in sandbox.Input) {
	var wg sync.WaitGroup
	for _, id := range ids {
		guard, err := p.gov.AcquireScanSlot(p.ctx)
		if err != nil {
			// Stop deadline passed.
			break
		}
		wg.Add(1)
		p.dispatch.Add(1)
		go func(id string) {
			defer p.dispatch.Done()
			defer wg.Done()
			defer guard.Release()
			p.invoke(id, hook, in)
		}(id)
	}
	wg.Wait()
}

func (p *Pipeline) invoke(id, hook string, in sandbox.Input) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in dispatch", logx.String("plugin", id), logx.String("hook", hook), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	p.dispatched.Add(1)
	findings, err := p.plugins.Invoke(p.ctx, id, hook, in)
	for _, f := range findings {
		p.publish(f)
	}
	if err != nil && p.ctx.Err() == nil {
		p.log.Debug("plugin invocation failed", logx.String("plugin", id), logx.String("hook", hook), logx.String("exchange", in.Exchange.ID), logx.Int("findings", len(findings)), logx.Err(err))
	}
}

// publish hands a finding to the bus, metrics and the store writer.
// The pipeline keeps no reference to it afterwards.
func (p *Pipeline) publish(f exchange.Finding) {
	p.emitted.Add(1)
	p.metrics.Finding(string(f.Severity))
	p.bus.Publish(eventbus.Event{Type: eventbus.FindingEmitted, Data: f})
	p.log.Info("finding", logx.String("plugin", f.PluginID), logx.String("vuln_type", f.VulnType), logx.String("severity", string(f.Severity)), logx.String("url", f.URL), logx.String("title", f.Title))
	if p.store == nil {
		return
	}
	select {
	case p.findings <- f:
	default:
		p.dropped.Add(1)
		p.metrics.StoreError()
		p.log.Warn("finding queue full; finding not persisted", logx.String("id", f.ID), logx.String("plugin", f.PluginID))
	}
}

func (p *Pipeline) writeFindings() {
	defer p.writer.Done()
	for f := range p.findings {
		if p.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.store.PutFinding(ctx, f)
		cancel()
		if err != nil {
			p.metrics.StoreError()
			p.log.Warn("finding not persisted", logx.String("id", f.ID), logx.Err(err))
		}
	}
}

// Sweep evicts correlator entries older than the configured max age.
func (p *Pipeline) Sweep() int {
	maxAge := p.options().MaxAge
	n := p.corr.Sweep(maxAge)
	p.metrics.Swept(n)
	if n > 0 {
		p.log.Debug("expired exchanges evicted", logx.Int("count", n), logx.Duration("max_age", maxAge), logx.Int("remaining", p.corr.Len()))
		p.bus.Publish(eventbus.Event{Type: eventbus.CorrelatorSwept, Data: n})
	}
	return n
}

// Stats is a point-in-time view for the status endpoint.
type Stats struct {
	Pending    int            `json:"pending_exchanges"`
	Dispatched uint64         `json:"invocations"`
	Skipped    uint64         `json:"sentinel_skipped"`
	Unpaired   uint64         `json:"unpaired_responses"`
	Findings   uint64         `json:"findings"`
	Dropped    uint64         `json:"findings_dropped"`
	Governor   governor.Stats `json:"governor"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Pending:    p.corr.Len(),
		Dispatched: p.dispatched.Load(),
		Skipped:    p.skipped.Load(),
		Unpaired:   p.unpaired.Load(),
		Findings:   p.emitted.Load(),
		Dropped:    p.dropped.Load(),
		Governor:   p.gov.Stats(),
	}
}

// cronLogger routes cron's own messages (skips, recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
