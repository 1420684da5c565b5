package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/d5/tengo/v2"

	"sentinel/internal/exchange"
)

// Input is the exchange a hook runs against. Response is nil for scan_request.
type Input struct {
	Exchange *exchange.CapturedExchange
	Response *exchange.CapturedResponse
}

// collector merges findings streamed through emitFinding with the ones a
// hook returns. It keeps first-seen order and drops exact duplicates.
type collector struct {
	mu      sync.Mutex
	max     int
	seen    map[string]struct{}
	items   []exchange.Finding
	dropped int
}

func newCollector(max int) *collector {
	return &collector{max: max, seen: map[string]struct{}{}}
}

func (c *collector) add(f exchange.Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := f.DedupKey()
	if _, dup := c.seen[k]; dup {
		return
	}
	if len(c.items) >= c.max {
		c.dropped++
		return
	}
	c.seen[k] = struct{}{}
	c.items = append(c.items, f)
}

func (c *collector) drain() []exchange.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.items
	c.items = nil
	return out
}

// Invoke runs hook against in. Findings streamed before a failure are
// returned together with the error. A missing hook is not an error.
func (iso *Isolate) Invoke(ctx context.Context, hook string, in Input, prober Prober) (findings []exchange.Finding, err error) {
	if iso.Closed() {
		return nil, &PluginError{Kind: KindRuntime, Plugin: iso.id, Hook: hook, Err: ErrNotLoaded}
	}
	prog := iso.hooks[hook]
	if prog == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	col := newCollector(iso.limits.MaxFindings)
	defer func() {
		if r := recover(); r != nil {
			err = &PluginError{Kind: KindRuntime, Plugin: iso.id, Hook: hook, Err: fmt.Errorf("host panic: %v\n%s", r, debug.Stack())}
		}
		findings = iso.stamp(hook, in, col.drain())
	}()

	runCtx, cancel := context.WithTimeout(ctx, iso.limits.Timeout)
	defer cancel()

	c := prog.Clone()
	if err := c.Set("__ctx__", hookContext(hook, in, iso.limits.MaxBodyBytes)); err != nil {
		return nil, &PluginError{Kind: KindRuntime, Plugin: iso.id, Hook: hook, Err: err}
	}
	if err := c.Set("emitFinding", &tengo.UserFunction{Name: "emitFinding", Value: emitFindingFunc(col)}); err != nil {
		return nil, &PluginError{Kind: KindRuntime, Plugin: iso.id, Hook: hook, Err: err}
	}
	if err := c.Set("probe", &tengo.UserFunction{Name: "probe", Value: iso.probeFunc(runCtx, prober)}); err != nil {
		return nil, &PluginError{Kind: KindRuntime, Plugin: iso.id, Hook: hook, Err: err}
	}

	runErr := c.RunContext(runCtx)
	if runErr != nil {
		return nil, classify(iso.id, hook, runErr, runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil)
	}

	res := c.Get("__result__").Object()
	if e, ok := res.(*tengo.Error); ok {
		return nil, &PluginError{Kind: KindRuntime, Plugin: iso.id, Hook: hook, Err: errors.New(e.String())}
	}
	if m, ok := tengo.ToInterface(res).(map[string]interface{}); ok {
		if arr, ok := m["findings"].([]interface{}); ok {
			for _, item := range arr {
				if fm, ok := item.(map[string]interface{}); ok {
					col.add(findingFromMap(fm))
				}
			}
		}
	}
	return nil, nil
}

func (iso *Isolate) stamp(hook string, in Input, raw []exchange.Finding) []exchange.Finding {
	if len(raw) == 0 {
		return nil
	}
	exID, url := "", ""
	if in.Exchange != nil {
		exID, url = in.Exchange.ID, in.Exchange.URL()
	}
	out := make([]exchange.Finding, 0, len(raw))
	for _, f := range raw {
		f.URL = url
		out = append(out, exchange.NewFinding(iso.id, exID, hook, f))
	}
	return out
}

func emitFindingFunc(col *collector) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		m, ok := tengo.ToInterface(args[0]).(map[string]interface{})
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "finding", Expected: "map", Found: args[0].TypeName()}
		}
		col.add(findingFromMap(m))
		return tengo.UndefinedValue, nil
	}
}

func findingFromMap(m map[string]interface{}) exchange.Finding {
	f := exchange.Finding{
		VulnType: str(m["vuln_type"]),
		Severity: exchange.Severity(str(m["severity"])),
		Title:    str(m["title"]),
		Evidence: str(m["evidence"]),
	}
	if f.VulnType == "" {
		f.VulnType = str(m["type"])
	}
	if f.Title == "" {
		f.Title = str(m["name"])
	}
	return f
}

// hookContext builds the ctx object a hook receives.
func hookContext(hook string, in Input, maxBody int) map[string]interface{} {
	req := requestContext(in.Exchange, maxBody)
	if hook != HookScanResponse || in.Response == nil {
		return req
	}
	out := make(map[string]interface{}, len(req)+4)
	for k, v := range req {
		out[k] = v
	}
	out["request"] = req
	out["status"] = in.Response.Status
	out["headers"] = headerMap(in.Response.Headers)
	out["body"] = capBody(in.Response.Body, maxBody)
	return out
}

func requestContext(ex *exchange.CapturedExchange, maxBody int) map[string]interface{} {
	if ex == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":      ex.ID,
		"method":  ex.Method,
		"url":     ex.URL(),
		"host":    ex.Host,
		"port":    ex.Port,
		"path":    ex.Path,
		"query":   ex.Query,
		"headers": headerMap(ex.Headers),
		"body":    capBody(ex.Body, maxBody),
	}
}

func headerMap(h exchange.Headers) map[string]interface{} {
	flat := h.Map()
	out := make(map[string]interface{}, len(flat))
	for k, v := range flat {
		out[k] = v
	}
	return out
}

func capBody(b []byte, max int) string {
	if max > 0 && len(b) > max {
		b = b[:max]
	}
	return string(b)
}
