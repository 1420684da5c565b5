package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/internal/correlator"
	"sentinel/internal/eventbus"
	"sentinel/internal/exchange"
	"sentinel/internal/governor"
	"sentinel/internal/sandbox"
	"sentinel/internal/storage"
	logx "sentinel/pkg/logx"
)

type call struct {
	plugin, hook, exchange string
	at                     time.Time
	done                   time.Time
}

// fakePlugins records every invocation and tracks peak concurrency.
type fakePlugins struct {
	ids   []string
	delay map[string]time.Duration // by hook
	emit  bool

	mu    sync.Mutex
	calls []call

	cur  atomic.Int64
	peak atomic.Int64
}

func (f *fakePlugins) Active(string) []string { return f.ids }

func (f *fakePlugins) Invoke(ctx context.Context, id, hook string, in sandbox.Input) ([]exchange.Finding, error) {
	n := f.cur.Add(1)
	defer f.cur.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c := call{plugin: id, hook: hook, exchange: in.Exchange.ID, at: time.Now()}
	if d := f.delay[hook]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.done = time.Now()
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if !f.emit {
		return nil, nil
	}
	return []exchange.Finding{exchange.NewFinding(id, in.Exchange.ID, hook, exchange.Finding{
		VulnType: "test", Severity: exchange.High, Title: "t", URL: in.Exchange.URL(),
	})}, nil
}

func (f *fakePlugins) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newPipeline(t *testing.T, fp *fakePlugins, deps Deps) *Pipeline {
	t.Helper()
	deps.Plugins = fp
	deps.Logger = logx.Nop()
	p := New(deps, Options{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func req(host string, headers exchange.Headers) *exchange.CapturedExchange {
	return exchange.NewExchange("http", host, 80, "GET", "/", "a=1", headers, nil)
}

func okResponse(ex *exchange.CapturedExchange) *exchange.CapturedResponse {
	return &exchange.CapturedResponse{ExchangeID: ex.ID, Status: 200, Body: []byte("ok"), ContentEncodingOK: true}
}

func TestSentinelExchangesNeverDispatched(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a", "b"}}
	p := newPipeline(t, fp, Deps{})

	for i := 0; i < 50; i++ {
		ex := req("target.test", exchange.Headers{{Name: exchange.SentinelHeader, Value: "true"}})
		if !ex.Sentinel {
			t.Fatal("marker header not detected")
		}
		p.ScanRequest(ex)
		p.ScanResponse(okResponse(ex))
	}
	drain(t, p)

	if got := len(fp.snapshot()); got != 0 {
		t.Fatalf("sentinel exchanges reached plugins %d times", got)
	}
	if st := p.Stats(); st.Skipped != 100 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestConcurrencyStaysWithinSlots(t *testing.T) {
	const slots = 3
	fp := &fakePlugins{ids: []string{"a", "b"}, delay: map[string]time.Duration{sandbox.HookScanRequest: 10 * time.Millisecond}}
	gov := governor.New(governor.Config{MaxConcurrentScans: slots})
	p := newPipeline(t, fp, Deps{Governor: gov})

	for i := 0; i < 10*slots; i++ {
		p.ScanRequest(req(fmt.Sprintf("h%d.test", i), nil))
	}
	drain(t, p)

	if got := len(fp.snapshot()); got != 2*10*slots {
		t.Fatalf("invocations = %d", got)
	}
	if peak := fp.peak.Load(); peak > slots {
		t.Fatalf("peak concurrency %d exceeds %d", peak, slots)
	}
	if st := gov.Stats(); st.Peak > slots || st.InFlight != 0 {
		t.Fatalf("governor stats %+v", st)
	}
}

func TestResponseWaitsForRequestPhase(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a"}, delay: map[string]time.Duration{sandbox.HookScanRequest: 40 * time.Millisecond}}
	p := newPipeline(t, fp, Deps{})

	ex := req("shop.test", nil)
	p.ScanRequest(ex)
	p.ScanResponse(okResponse(ex))
	drain(t, p)

	calls := fp.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	var reqDone, respAt time.Time
	for _, c := range calls {
		switch c.hook {
		case sandbox.HookScanRequest:
			reqDone = c.done
		case sandbox.HookScanResponse:
			respAt = c.at
		}
	}
	if respAt.Before(reqDone) {
		t.Fatalf("scan_response started %v before scan_request finished", reqDone.Sub(respAt))
	}
}

func TestEachResponsePairsOnce(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a"}}
	p := newPipeline(t, fp, Deps{})

	ex := req("shop.test", nil)
	p.ScanRequest(ex)
	p.ScanResponse(okResponse(ex))
	p.ScanResponse(okResponse(ex))
	p.ScanResponse(&exchange.CapturedResponse{ExchangeID: "never-seen", ContentEncodingOK: true})
	drain(t, p)

	n := 0
	for _, c := range fp.snapshot() {
		if c.hook == sandbox.HookScanResponse {
			n++
			if c.exchange != ex.ID {
				t.Fatalf("response paired with %s", c.exchange)
			}
		}
	}
	if n != 1 {
		t.Fatalf("scan_response ran %d times", n)
	}
	if st := p.Stats(); st.Unpaired != 2 {
		t.Fatalf("unpaired = %d", st.Unpaired)
	}
}

func TestUndecodableResponseIsNotScanned(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a"}}
	p := newPipeline(t, fp, Deps{})

	ex := req("shop.test", nil)
	p.ScanRequest(ex)
	p.ScanResponse(&exchange.CapturedResponse{ExchangeID: ex.ID, Status: 200, Body: []byte{0x1f, 0x8b, 0xff}, ContentEncodingOK: false})
	drain(t, p)

	for _, c := range fp.snapshot() {
		if c.hook == sandbox.HookScanResponse {
			t.Fatal("undecodable response was dispatched")
		}
	}
	if p.Stats().Pending != 0 {
		t.Fatal("exchange left in correlator")
	}
}

func TestFindingsArePublishedAndStored(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a", "b"}, emit: true}
	store := storage.NewMemory(0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	p := newPipeline(t, fp, Deps{Store: store, Bus: bus})

	ex := req("shop.test", nil)
	p.ScanRequest(ex)
	p.ScanResponse(okResponse(ex))
	drain(t, p)

	list, err := store.ListFindings(context.Background(), exchange.Filter{ExchangeID: ex.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("stored %d findings, want 4", len(list))
	}
	got := 0
	for got < 4 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.FindingEmitted {
				got++
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d finding events", got)
		}
	}
	if p.Stats().Findings != 4 {
		t.Fatalf("stats findings = %d", p.Stats().Findings)
	}
}

func TestSweepEvictsStaleExchanges(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	corr := correlator.New(correlator.WithClock(clock))
	fp := &fakePlugins{ids: []string{"a"}}
	p := newPipeline(t, fp, Deps{Correlator: corr})

	old := req("old.test", nil)
	p.ScanRequest(old)
	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	fresh := req("fresh.test", nil)
	p.ScanRequest(fresh)

	if n := p.Sweep(); n != 1 {
		t.Fatalf("swept %d", n)
	}
	p.ScanResponse(okResponse(old))
	p.ScanResponse(okResponse(fresh))
	drain(t, p)

	for _, c := range fp.snapshot() {
		if c.hook == sandbox.HookScanResponse && c.exchange == old.ID {
			t.Fatal("expired exchange scanned as a response")
		}
	}
	if p.Stats().Unpaired != 1 {
		t.Fatalf("unpaired = %d", p.Stats().Unpaired)
	}
}

func TestScheduledSweepRuns(t *testing.T) {
	corr := correlator.New()
	p := New(Deps{Correlator: corr, Logger: logx.Nop()}, Options{SweepInterval: time.Hour, MaxAge: time.Millisecond})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer drain(t, p)

	p.ScanRequest(req("x.test", nil))
	p.SetOptions(Options{SweepInterval: time.Second, MaxAge: time.Millisecond})

	deadline := time.Now().Add(5 * time.Second)
	for corr.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled sweep never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a"}}
	p := newPipeline(t, fp, Deps{})
	drain(t, p)

	p.ScanRequest(req("late.test", nil))
	if len(fp.snapshot()) != 0 || p.Stats().Pending != 0 {
		t.Fatal("work accepted after Stop")
	}
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("restart after Stop should fail")
	}
}

func TestStopDrainsQueuedInvocations(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a", "b"}, delay: map[string]time.Duration{sandbox.HookScanRequest: 80 * time.Millisecond}}
	p := newPipeline(t, fp, Deps{Governor: governor.New(governor.Config{MaxConcurrentScans: 1})})

	for i := 0; i < 3; i++ {
		p.ScanRequest(req(fmt.Sprintf("h%d.test", i), nil))
	}
	drain(t, p)

	// One slot and six invocations: most were still queued when Stop began.
	if got := len(fp.snapshot()); got != 6 {
		t.Fatalf("invocations completed before Stop returned = %d, want 6", got)
	}
}

func TestStopDeadlineCancelsInvocations(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a"}, delay: map[string]time.Duration{sandbox.HookScanRequest: 10 * time.Second}}
	p := newPipeline(t, fp, Deps{})
	p.ScanRequest(req("slow.test", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Stop did not return at its deadline")
	}
	// The canceled invocation unwinds and a second Stop completes the drain.
	drain(t, p)
}

func TestSentinelSkipHoldsUnderParallelLoad(t *testing.T) {
	fp := &fakePlugins{ids: []string{"a", "b"}}
	p := newPipeline(t, fp, Deps{})

	const workers, per = 16, 25
	var (
		mu       sync.Mutex
		sentinel = map[string]bool{}
		organic  = map[string]bool{}
		wg       sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				var h exchange.Headers
				marked := (w+i)%2 == 0
				if marked {
					h = exchange.Headers{{Name: exchange.SentinelHeader, Value: "1"}}
				}
				ex := req(fmt.Sprintf("w%d.test", w), h)
				mu.Lock()
				if marked {
					sentinel[ex.ID] = true
				} else {
					organic[ex.ID] = true
				}
				mu.Unlock()
				p.ScanRequest(ex)
				p.ScanResponse(okResponse(ex))
			}
		}(w)
	}
	wg.Wait()
	drain(t, p)

	seen := map[string]int{}
	for _, c := range fp.snapshot() {
		if sentinel[c.exchange] {
			t.Fatalf("sentinel exchange %s reached plugin %s (%s)", c.exchange, c.plugin, c.hook)
		}
		seen[c.exchange]++
	}
	for id := range organic {
		// two plugins, two hooks
		if seen[id] != 4 {
			t.Fatalf("organic exchange %s dispatched %d times, want 4", id, seen[id])
		}
	}
	if st := p.Stats(); st.Skipped != uint64(2*len(sentinel)) || st.Pending != 0 {
		t.Fatalf("stats = %+v with %d sentinel exchanges", st, len(sentinel))
	}
}
