// Package sandbox runs detection plugins as tengo scripts.
//
// A plugin sees exactly four host-bound names: get_metadata, scan_request,
// scan_response (all defined by the plugin) and emitFinding (defined by the
// host). Plugins granted "net.probe" additionally get probe(), which is rate
// limited per target and always carries the sentinel marker.
package sandbox

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"sentinel/internal/exchange"
	logx "sentinel/pkg/logx"
)

// Runtime is the isolate pool: at most one live isolate per plugin id.
type Runtime struct {
	log    logx.Logger
	prober Prober
	limits atomic.Pointer[Limits]

	mu       sync.RWMutex
	isolates map[string]*Isolate
}

func NewRuntime(limits Limits, prober Prober, log logx.Logger) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runtime{log: log, prober: prober, isolates: map[string]*Isolate{}}
	l := limits.withDefaults()
	r.limits.Store(&l)
	return r
}

// SetLimits applies to isolates compiled from now on.
func (r *Runtime) SetLimits(l Limits) {
	l = l.withDefaults()
	r.limits.Store(&l)
}

func (r *Runtime) Limits() Limits { return *r.limits.Load() }

// Load compiles code and swaps it in for id. The previous isolate (if any)
// is closed, but invocations already running on it finish normally.
func (r *Runtime) Load(ctx context.Context, id, code string, allow []string) (Metadata, error) {
	iso, err := Compile(ctx, id, code, CompileOptions{Limits: r.Limits(), Allow: allow})
	if err != nil {
		return Metadata{}, err
	}
	r.mu.Lock()
	prev := r.isolates[id]
	r.isolates[id] = iso
	r.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	r.log.Debug("isolate loaded", logx.String("plugin", id), logx.String("name", iso.meta.Name), logx.Int("hooks", len(iso.hooks)))
	return iso.meta, nil
}

// Check compiles code with the pool's limits without registering it.
func (r *Runtime) Check(ctx context.Context, id, code string, allow []string) (*Isolate, error) {
	return Compile(ctx, id, code, CompileOptions{Limits: r.Limits(), Allow: allow})
}

// Hooks lists the hooks exported by the live isolate for id.
func (r *Runtime) Hooks(id string) []string {
	if iso := r.get(id); iso != nil {
		return iso.Hooks()
	}
	return nil
}

// Unload tears the isolate down.
func (r *Runtime) Unload(id string) {
	r.mu.Lock()
	iso := r.isolates[id]
	delete(r.isolates, id)
	r.mu.Unlock()
	if iso != nil {
		iso.Close()
	}
}

func (r *Runtime) get(id string) *Isolate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isolates[id]
}

// Loaded reports whether id has a live isolate.
func (r *Runtime) Loaded(id string) bool { return r.get(id) != nil }

// HasHook reports whether the live isolate for id exports hook.
func (r *Runtime) HasHook(id, hook string) bool {
	iso := r.get(id)
	return iso != nil && iso.HasHook(hook)
}

// Invoke runs hook of plugin id. See Isolate.Invoke for result semantics.
func (r *Runtime) Invoke(ctx context.Context, id, hook string, in Input) ([]exchange.Finding, error) {
	iso := r.get(id)
	if iso == nil {
		return nil, &PluginError{Kind: KindRuntime, Plugin: id, Hook: hook, Err: ErrNotLoaded}
	}
	return iso.Invoke(ctx, hook, in, r.prober)
}

// IDs lists loaded plugins.
func (r *Runtime) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.isolates))
	for id := range r.isolates {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
