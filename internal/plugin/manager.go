package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/eventbus"
	"sentinel/internal/exchange"
	"sentinel/internal/metrics"
	"sentinel/internal/sandbox"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrInvalidID     = errors.New("invalid plugin id")
	ErrNotActive     = errors.New("plugin not active")
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
}

// Options bound the restart policy.
type Options struct {
	MaxRestarts    int           // consecutive failures before PermanentlyFailed; default 3
	RestartBackoff time.Duration // fixed delay before a restart; default 100ms
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = config.DefaultMaxRestarts
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = config.DefaultRestartBackoff
	}
	return o
}

type Deps struct {
	Runtime *sandbox.Runtime
	Store   storage.Store // optional
	Bus     eventbus.Bus  // optional
	Metrics *metrics.Metrics
	Logger  logx.Logger
}

// LoadSpec describes one load request.
type LoadSpec struct {
	ID      string
	Code    string
	Allow   []string
	Enabled bool
	Source  string
}

type entry struct {
	id       string
	code     string
	codeHash uint64
	allow    []string
	source   string
	meta     sandbox.Metadata
	hooks    []string

	state   State
	health  string
	enabled bool
	// gen changes whenever the live isolate is replaced; failures reported
	// against an older generation are ignored.
	gen uint64

	failures      int
	restarts      int
	lastRestartAt time.Time
	loadedAt      time.Time
	reason        string

	invocations uint64
	failed      uint64
}

// Manager owns the lifecycle of every plugin: load, enable/disable, bounded
// restarts and hot swap. It is the only writer of the enabled set.
type Manager struct {
	log     logx.Logger
	rt      *sandbox.Runtime
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	opts    atomic.Pointer[Options]

	// opMu serializes compile-and-swap operations (load, enable, restart).
	opMu sync.Mutex

	// mu guards entries. The scan path only takes the read lock.
	mu      sync.RWMutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// persistQ keeps store writes in submission order so a late upsert can
	// never resurrect a deleted plugin.
	persistQ chan func(context.Context)
	persist  sync.WaitGroup

	pcfg atomic.Pointer[pluginConfig]
}

type pluginConfig struct {
	dir     string
	plugins map[string]config.PluginConfigRaw
}

func NewManager(deps Deps, opts Options) *Manager {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:     log,
		rt:      deps.Runtime,
		store:   deps.Store,
		bus:     bus,
		metrics: deps.Metrics,
		entries: map[string]*entry{},
		ctx:     ctx,
		cancel:  cancel,
	}
	m.SetOptions(opts)
	m.pcfg.Store(&pluginConfig{})
	if m.store != nil {
		m.persistQ = make(chan func(context.Context), 256)
		m.persist.Add(1)
		go m.persistLoop()
	}
	return m
}

func (m *Manager) persistLoop() {
	defer m.persist.Done()
	run := func(fn func(context.Context)) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fn(ctx)
	}
	for {
		select {
		case fn := <-m.persistQ:
			run(fn)
		case <-m.ctx.Done():
			for {
				select {
				case fn := <-m.persistQ:
					run(fn)
				default:
					return
				}
			}
		}
	}
}

// enqueuePersist never blocks the caller; a full queue drops the write.
func (m *Manager) enqueuePersist(id string, fn func(context.Context)) {
	if m.persistQ == nil {
		return
	}
	select {
	case m.persistQ <- fn:
	default:
		m.metrics.StoreError()
		m.log.Warn("plugin persistence queue full; write dropped", logx.String("plugin", id))
	}
}

func (m *Manager) SetOptions(o Options) {
	o = o.withDefaults()
	m.opts.Store(&o)
}

func (m *Manager) options() Options { return *m.opts.Load() }

func (m *Manager) emit(st Status, err error) {
	ev := pluginEvent{Plugin: st.ID, State: st.State, Reason: st.FailureReason}
	if err != nil {
		ev.Err = err.Error()
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.PluginState, Data: ev})
}

// Load compiles code and makes it the plugin's live version. A syntax error
// leaves the plugin PermanentlyFailed with no restart attempts. Reloading
// identical code and allowlist into an active plugin is a no-op.
func (m *Manager) Load(ctx context.Context, spec LoadSpec) (Status, error) {
	if !config.ValidPluginID(spec.ID) {
		return Status{}, fmt.Errorf("%w: %q", ErrInvalidID, spec.ID)
	}
	if strings.TrimSpace(spec.Code) == "" {
		return Status{}, errors.New("plugin code is empty")
	}
	if spec.Source == "" {
		spec.Source = SourceAPI
	}
	allow := normalizeAllow(spec.Allow)
	h := hashBytes([]byte(spec.Code))

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	e := m.entries[spec.ID]
	if e == nil {
		e = &entry{id: spec.ID, state: StateUnloaded}
		m.entries[spec.ID] = e
	}
	if e.codeHash == h && sameAllow(e.allow, allow) && e.enabled == spec.Enabled &&
		(e.state == StateHealthy || (!e.enabled && e.state == StateUnloaded)) {
		st := e.status()
		m.mu.Unlock()
		return st, nil
	}
	e.state = StateLoading
	e.gen++
	loading := e.status()
	m.mu.Unlock()
	m.emit(loading, nil)

	var (
		meta  sandbox.Metadata
		hooks []string
		err   error
	)
	if spec.Enabled {
		meta, err = m.rt.Load(ctx, spec.ID, spec.Code, allow)
		hooks = m.rt.Hooks(spec.ID)
	} else {
		var iso *sandbox.Isolate
		if iso, err = m.rt.Check(ctx, spec.ID, spec.Code, allow); err == nil {
			meta, hooks = iso.Metadata(), iso.Hooks()
		}
		m.rt.Unload(spec.ID)
	}

	m.mu.Lock()
	e.code, e.codeHash, e.allow, e.source = spec.Code, h, allow, spec.Source
	e.loadedAt = time.Now()
	if err != nil {
		m.rt.Unload(spec.ID)
		m.failPermanentlyLocked(e, fmt.Sprintf("load: %v", err))
		st := e.status()
		m.mu.Unlock()
		m.emit(st, err)
		m.persistStatus(st)
		return st, err
	}
	e.meta, e.hooks = meta, hooks
	e.failures, e.reason = 0, ""
	e.enabled = spec.Enabled
	e.health = HealthHealthy
	if spec.Enabled {
		e.state = StateHealthy
	} else {
		e.state = StateUnloaded
	}
	st := e.status()
	m.mu.Unlock()

	m.log.Info("plugin loaded", logx.String("plugin", spec.ID), logx.String("name", meta.Name), logx.Bool("enabled", spec.Enabled), logx.Strings("hooks", hooks), logx.String("source", spec.Source))
	m.emit(st, nil)
	m.persistStatus(st)
	return st, nil
}

// Enable makes a plugin live, recompiling it if needed. This is the
// explicit re-enable path for PermanentlyFailed plugins.
func (m *Manager) Enable(ctx context.Context, id string) (Status, error) {
	m.mu.RLock()
	e := m.entries[id]
	var spec LoadSpec
	if e != nil {
		spec = LoadSpec{ID: id, Code: e.code, Allow: e.allow, Enabled: true, Source: e.source}
	}
	m.mu.RUnlock()
	if e == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return m.Load(ctx, spec)
}

// Disable stops dispatch to the plugin and tears its isolate down.
// In-flight invocations finish on their own.
func (m *Manager) Disable(_ context.Context, id string) (Status, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	e := m.entries[id]
	if e == nil {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	e.enabled = false
	e.gen++
	if e.state != StatePermanentlyFailed {
		e.state = StateUnloaded
	}
	m.rt.Unload(id)
	st := e.status()
	m.mu.Unlock()

	m.log.Info("plugin disabled", logx.String("plugin", id))
	m.emit(st, nil)
	m.persistStatus(st)
	return st, nil
}

// Remove forgets the plugin entirely.
func (m *Manager) Remove(_ context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	var st Status
	if e != nil {
		e.state = StateUnloaded
		e.enabled = false
		st = e.status()
	}
	m.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	m.rt.Unload(id)
	m.emit(st, nil)
	m.enqueuePersist(id, func(ctx context.Context) {
		if err := m.store.DeletePlugin(ctx, id); err != nil {
			m.metrics.StoreError()
			m.log.Warn("plugin delete not persisted", logx.String("plugin", id), logx.Err(err))
		}
	})
	return nil
}

// Active returns the ids of enabled, healthy plugins exporting hook.
func (m *Manager) Active(hook string) []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.enabled && e.state == StateHealthy && e.hasHook(hook) {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *entry) hasHook(hook string) bool {
	for _, h := range e.hooks {
		if h == hook {
			return true
		}
	}
	return false
}

// Invoke runs one hook of an active plugin and feeds the outcome into the
// restart policy. Findings streamed before a failure are still returned.
func (m *Manager) Invoke(ctx context.Context, id, hook string, in sandbox.Input) ([]exchange.Finding, error) {
	m.mu.RLock()
	e := m.entries[id]
	if e == nil || !e.enabled || e.state != StateHealthy {
		m.mu.RUnlock()
		return nil, ErrNotActive
	}
	gen := e.gen
	m.mu.RUnlock()

	start := time.Now()
	findings, err := m.safeInvoke(ctx, id, hook, in)
	m.metrics.Invocation(id, hook, outcomeOf(err), time.Since(start))
	m.record(id, gen, err)
	return findings, err
}

func (m *Manager) safeInvoke(ctx context.Context, id, hook string, in sandbox.Input) (findings []exchange.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in plugin invoke", logx.String("plugin", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &sandbox.PluginError{Kind: sandbox.KindRuntime, Plugin: id, Hook: hook, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return m.rt.Invoke(ctx, id, hook, in)
}

func outcomeOf(err error) string {
	switch sandbox.KindOf(err) {
	case "":
		if err != nil {
			return metrics.OutcomeCanceled
		}
		return metrics.OutcomeOK
	case sandbox.KindTimeout:
		return metrics.OutcomeTimeout
	case sandbox.KindResourceExceeded:
		return metrics.OutcomeResource
	default:
		return metrics.OutcomeError
	}
}

// record applies the failure policy. Runtime errors, timeouts and resource
// exhaustion all count toward the consecutive failure bound; only the last
// two tear the isolate down and restart it.
func (m *Manager) record(id string, gen uint64, err error) {
	var pe *sandbox.PluginError
	if err != nil && (!errors.As(err, &pe) || errors.Is(err, sandbox.ErrNotLoaded)) {
		// Caller cancellation or a racing unload: not the plugin's fault.
		return
	}

	m.mu.Lock()
	e := m.entries[id]
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.invocations++
	if err == nil {
		if e.gen == gen {
			e.failures = 0
		}
		m.mu.Unlock()
		return
	}
	e.failed++
	if e.gen != gen || e.state != StateHealthy {
		m.mu.Unlock()
		return
	}
	e.failures++
	opts := m.options()
	switch {
	case e.failures >= opts.MaxRestarts:
		m.rt.Unload(id)
		m.failPermanentlyLocked(e, fmt.Sprintf("%d consecutive failures, last: %v", e.failures, err))
	case pe.Fatal():
		m.crashLocked(e, pe)
	default:
		e.reason = err.Error()
		n := e.failures
		m.mu.Unlock()
		m.log.Debug("plugin runtime error", logx.String("plugin", id), logx.Int("consecutive", n), logx.Err(err))
		return
	}
	st := e.status()
	m.mu.Unlock()
	m.emit(st, err)
	m.persistStatus(st)
}

func (m *Manager) failPermanentlyLocked(e *entry, reason string) {
	e.state = StatePermanentlyFailed
	e.enabled = false
	e.reason = reason
	e.gen++
	m.log.Warn("plugin permanently failed", logx.String("plugin", e.id), logx.String("reason", reason))
}

func (m *Manager) crashLocked(e *entry, pe *sandbox.PluginError) {
	e.state = StateCrashed
	e.health = HealthCrashed
	if pe.Kind == sandbox.KindTimeout {
		e.health = HealthUnresponsive
	}
	e.reason = pe.Error()
	m.rt.Unload(e.id)
	gen := e.gen
	m.log.Warn("plugin crashed; restarting", logx.String("plugin", e.id), logx.String("health", e.health), logx.Int("consecutive", e.failures), logx.Err(pe))

	m.wg.Add(1)
	go m.restart(e.id, gen)
}

func (m *Manager) restart(id string, gen uint64) {
	defer m.wg.Done()
	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.options().RestartBackoff):
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	e := m.entries[id]
	if e == nil || e.gen != gen || e.state != StateCrashed {
		m.mu.Unlock()
		return
	}
	e.state = StateRestarting
	e.restarts++
	e.lastRestartAt = time.Now()
	code, allow := e.code, e.allow
	restarting := e.status()
	m.mu.Unlock()
	m.emit(restarting, nil)
	m.metrics.PluginRestart(id)

	_, err := m.rt.Load(m.ctx, id, code, allow)

	m.mu.Lock()
	if e.gen != gen || e.state != StateRestarting {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.rt.Unload(id)
		m.failPermanentlyLocked(e, fmt.Sprintf("restart: %v", err))
	} else {
		e.gen++
		e.state = StateHealthy
		e.health = HealthHealthy
	}
	st := e.status()
	m.mu.Unlock()
	m.emit(st, err)
	m.persistStatus(st)
}

func (e *entry) status() Status {
	q := 1.0
	if e.invocations > 0 {
		q = float64(e.invocations-e.failed) / float64(e.invocations)
	}
	if e.state == StatePermanentlyFailed {
		q = 0
	}
	return Status{
		ID:                  e.id,
		Name:                e.meta.Name,
		Category:            e.meta.Category,
		Source:              e.source,
		State:               e.state,
		Health:              e.health,
		Enabled:             e.enabled,
		Hooks:               append([]string(nil), e.hooks...),
		Allow:               append([]string(nil), e.allow...),
		RestartCount:        e.restarts,
		ConsecutiveFailures: e.failures,
		LastRestartAt:       e.lastRestartAt,
		LastLoadedAt:        e.loadedAt,
		FailureReason:       e.reason,
		Invocations:         e.invocations,
		Failures:            e.failed,
		QualityScore:        q,
	}
}

// persistStatus hands the descriptor to the store without waiting.
func (m *Manager) persistStatus(st Status) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	e := m.entries[st.ID]
	code := ""
	if e != nil {
		code = e.code
	}
	m.mu.RUnlock()
	if code == "" {
		return
	}
	d := storage.PluginDescriptor{
		ID:            st.ID,
		Name:          st.Name,
		Category:      st.Category,
		Code:          code,
		Allow:         st.Allow,
		Enabled:       st.Enabled,
		QualityScore:  st.QualityScore,
		LastLoadedAt:  st.LastLoadedAt,
		State:         string(st.State),
		FailureReason: st.FailureReason,
	}
	m.enqueuePersist(d.ID, func(ctx context.Context) {
		if err := m.store.PutPlugin(ctx, d); err != nil {
			m.metrics.StoreError()
			m.log.Warn("plugin descriptor not persisted", logx.String("plugin", d.ID), logx.Err(err))
		}
	})
}

// Get returns one plugin's status.
func (m *Manager) Get(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.entries[id]
	if e == nil {
		return Status{}, false
	}
	return e.status(), true
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	out := Snapshot{Time: time.Now(), Plugins: make([]Status, 0, len(m.entries))}
	for _, e := range m.entries {
		out.Plugins = append(out.Plugins, e.status())
	}
	m.mu.RUnlock()
	sort.Slice(out.Plugins, func(i, j int) bool { return out.Plugins[i].ID < out.Plugins[j].ID })
	return out
}

// Restore reloads descriptors persisted by an earlier run. Plugins that
// config or the plugin directory also define are overridden later by
// Reconcile. A plugin that was PermanentlyFailed stays failed until it is
// explicitly enabled.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	list, err := m.store.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("restore plugins: %w", err)
	}
	for _, d := range list {
		if State(d.State) == StatePermanentlyFailed {
			m.restoreFailed(d)
			continue
		}
		if _, err := m.Load(ctx, LoadSpec{ID: d.ID, Code: d.Code, Allow: d.Allow, Enabled: d.Enabled, Source: SourceStore}); err != nil {
			m.log.Warn("restored plugin failed to load", logx.String("plugin", d.ID), logx.Err(err))
		}
	}
	return nil
}

// restoreFailed registers the descriptor without compiling it.
func (m *Manager) restoreFailed(d storage.PluginDescriptor) {
	if !config.ValidPluginID(d.ID) || strings.TrimSpace(d.Code) == "" {
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	if _, ok := m.entries[d.ID]; ok {
		m.mu.Unlock()
		return
	}
	e := &entry{
		id:       d.ID,
		code:     d.Code,
		codeHash: hashBytes([]byte(d.Code)),
		allow:    normalizeAllow(d.Allow),
		source:   SourceStore,
		meta:     sandbox.Metadata{Name: d.Name, Category: d.Category},
		state:    StatePermanentlyFailed,
		loadedAt: d.LastLoadedAt,
		reason:   d.FailureReason,
	}
	m.entries[d.ID] = e
	st := e.status()
	m.mu.Unlock()
	m.log.Info("plugin restored as permanently failed", logx.String("plugin", d.ID), logx.String("reason", d.FailureReason))
	m.emit(st, nil)
}

// Close stops pending restarts and waits for queued persistence writes.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.persist.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeAllow(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sameAllow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
