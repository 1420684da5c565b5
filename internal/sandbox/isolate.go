package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

const (
	HookScanRequest  = "scan_request"
	HookScanResponse = "scan_response"

	CapProbe = "net.probe"
)

// safeModules are the only stdlib modules plugins may import.
// No os, no fmt (stdout), no rand.
var safeModules = stdlib.GetModuleMap("text", "math", "times", "json", "base64", "hex", "enum")

// Limits bound a single isolate.
type Limits struct {
	Timeout         time.Duration
	MaxAllocs       int64
	MaxConstObjects int
	MaxFindings     int
	MaxBodyBytes    int
}

// DefaultLimits match the pipeline defaults.
func DefaultLimits() Limits {
	return Limits{
		Timeout:         10 * time.Second,
		MaxAllocs:       5_000_000,
		MaxConstObjects: 10_000,
		MaxFindings:     256,
		MaxBodyBytes:    1 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxAllocs <= 0 {
		l.MaxAllocs = d.MaxAllocs
	}
	if l.MaxConstObjects <= 0 {
		l.MaxConstObjects = d.MaxConstObjects
	}
	if l.MaxFindings <= 0 {
		l.MaxFindings = d.MaxFindings
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	return l
}

// Metadata is what get_metadata() returned, with defaults filled in.
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// Isolate is one compiled plugin. Each invocation runs on a clone of the
// compiled program, so an isolate may serve concurrent calls.
type Isolate struct {
	id     string
	code   string
	meta   Metadata
	limits Limits
	caps   map[string]struct{}
	hooks  map[string]*tengo.Compiled

	closed atomic.Bool
}

// CompileOptions control how an isolate is built.
type CompileOptions struct {
	Limits Limits
	// Allow lists host capabilities beyond the four base functions (e.g. "net.probe").
	Allow []string
}

// Compile parses code, runs its top level once and prepares one program per
// exported hook. Parse failures and missing hooks are KindSyntax; failures
// while running the top level or get_metadata are KindRuntime.
func Compile(ctx context.Context, id, code string, opts CompileOptions) (*Isolate, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	lim := opts.Limits.withDefaults()

	base, err := newScript(code, lim).Compile()
	if err != nil {
		return nil, &PluginError{Kind: KindSyntax, Plugin: id, Err: err}
	}
	runCtx, cancel := context.WithTimeout(ctx, lim.Timeout)
	err = base.RunContext(runCtx)
	deadlineHit := runCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		return nil, classify(id, "load", err, deadlineHit)
	}

	iso := &Isolate{
		id:     id,
		code:   code,
		limits: lim,
		caps:   map[string]struct{}{},
		hooks:  map[string]*tengo.Compiled{},
	}
	for _, c := range opts.Allow {
		if c = strings.TrimSpace(c); c != "" {
			iso.caps[c] = struct{}{}
		}
	}

	for _, hook := range []string{HookScanRequest, HookScanResponse} {
		if !isFunc(base, hook) {
			continue
		}
		wrapped, err := newScript(code+"\n__result__ := "+hook+"(__ctx__)\n", lim).Compile()
		if err != nil {
			return nil, &PluginError{Kind: KindSyntax, Plugin: id, Hook: hook, Err: err}
		}
		iso.hooks[hook] = wrapped
	}
	if len(iso.hooks) == 0 {
		return nil, &PluginError{Kind: KindSyntax, Plugin: id, Err: ErrNoHooks}
	}

	iso.meta = Metadata{ID: id, Name: id, Category: "custom"}
	if isFunc(base, "get_metadata") {
		meta, err := iso.readMetadata(ctx)
		if err != nil {
			return nil, err
		}
		iso.meta = meta
	}
	return iso, nil
}

func newScript(code string, lim Limits) *tengo.Script {
	s := tengo.NewScript([]byte(code))
	s.SetImports(safeModules)
	s.EnableFileImport(false)
	s.SetMaxAllocs(lim.MaxAllocs)
	s.SetMaxConstObjects(lim.MaxConstObjects)
	// Host functions are bound per invocation; placeholders let scripts compile.
	_ = s.Add("__ctx__", map[string]interface{}{})
	_ = s.Add("emitFinding", &tengo.UserFunction{Name: "emitFinding", Value: noopHost})
	_ = s.Add("probe", &tengo.UserFunction{Name: "probe", Value: noopHost})
	return s
}

func noopHost(args ...tengo.Object) (tengo.Object, error) { return tengo.UndefinedValue, nil }

func isFunc(c *tengo.Compiled, name string) bool {
	if !c.IsDefined(name) {
		return false
	}
	switch c.Get(name).Object().(type) {
	case *tengo.CompiledFunction, *tengo.UserFunction:
		return true
	}
	return false
}

func (iso *Isolate) readMetadata(ctx context.Context) (Metadata, error) {
	prog, err := newScript(iso.code+"\n__result__ := get_metadata()\n", iso.limits).Compile()
	if err != nil {
		return Metadata{}, &PluginError{Kind: KindSyntax, Plugin: iso.id, Hook: "get_metadata", Err: err}
	}
	runCtx, cancel := context.WithTimeout(ctx, iso.limits.Timeout)
	defer cancel()
	if err := prog.RunContext(runCtx); err != nil {
		return Metadata{}, classify(iso.id, "get_metadata", err, runCtx.Err() == context.DeadlineExceeded)
	}
	meta := Metadata{ID: iso.id, Name: iso.id, Category: "custom"}
	m, ok := tengo.ToInterface(prog.Get("__result__").Object()).(map[string]interface{})
	if !ok {
		return meta, nil
	}
	if v := str(m["id"]); v != "" {
		meta.ID = v
	}
	if v := str(m["name"]); v != "" {
		meta.Name = v
	}
	if v := str(m["category"]); v != "" {
		meta.Category = v
	}
	meta.Description = str(m["description"])
	return meta, nil
}

func (iso *Isolate) ID() string               { return iso.id }
func (iso *Isolate) Code() string             { return iso.code }
func (iso *Isolate) Metadata() Metadata       { return iso.meta }
func (iso *Isolate) HasHook(hook string) bool { return iso.hooks[hook] != nil }

// Hooks lists exported hooks in dispatch order.
func (iso *Isolate) Hooks() []string {
	out := make([]string, 0, 2)
	for _, h := range []string{HookScanRequest, HookScanResponse} {
		if iso.hooks[h] != nil {
			out = append(out, h)
		}
	}
	return out
}

// Allows reports whether a host capability is granted.
func (iso *Isolate) Allows(capability string) bool {
	_, ok := iso.caps[capability]
	return ok
}

// Close marks the isolate torn down. Calls already running finish on their
// own clone; new calls are refused.
func (iso *Isolate) Close() { iso.closed.Store(true) }

func (iso *Isolate) Closed() bool { return iso.closed.Load() }

func str(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
