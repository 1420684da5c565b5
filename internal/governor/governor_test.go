package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScanSlotsNeverExceedLimitUnderBurst(t *testing.T) {
	const n = 5
	g := New(Config{MaxConcurrentScans: n})

	var running, maxSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10*n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard, err := g.AcquireScanSlot(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer guard.Release()
			cur := running.Add(1)
			for {
				m := maxSeen.Load()
				if cur <= m || maxSeen.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()

	if maxSeen.Load() > n {
		t.Fatalf("observed %d concurrent holders, limit %d", maxSeen.Load(), n)
	}
	st := g.Stats()
	if st.Peak > n || st.Peak < 1 {
		t.Fatalf("peak = %d", st.Peak)
	}
	if st.InFlight != 0 {
		t.Fatalf("in flight after drain = %d", st.InFlight)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	g := New(Config{MaxConcurrentScans: 1})
	guard, err := g.AcquireScanSlot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.AcquireScanSlot(ctx); err == nil {
		t.Fatal("expected context error while slot is held")
	}
	guard.Release()
	guard.Release() // second release must not free an extra slot

	g1, err := g.AcquireScanSlot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := g.AcquireScanSlot(ctx2); err == nil {
		t.Fatal("double release leaked a slot")
	}
	g1.Release()
}

func TestRateLimitedWaitSpacesProbesPerKey(t *testing.T) {
	g := New(Config{ProbeInterval: 40 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.RateLimitedWait(ctx, "Target.example:443"); err != nil {
			t.Fatal(err)
		}
	}
	if el := time.Since(start); el < 75*time.Millisecond {
		t.Fatalf("3 probes took %s, want >= ~80ms", el)
	}

	// A different key is not throttled by the first.
	other := time.Now()
	if err := g.RateLimitedWait(ctx, "other.example"); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(other); el > 30*time.Millisecond {
		t.Fatalf("independent key waited %s", el)
	}
	if st := g.Stats(); st.ProbeKeys != 2 {
		t.Fatalf("probe keys = %d", st.ProbeKeys)
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"Example.COM:8443": "example.com",
		"example.com.":     "example.com",
		"bücher.example":   "xn--bcher-kva.example",
		" 10.0.0.1:80 ":    "10.0.0.1",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Fatalf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
