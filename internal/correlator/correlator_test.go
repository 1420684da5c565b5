package correlator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/internal/exchange"
)

type fakeClock struct{ t atomic.Int64 }

func (c *fakeClock) now() time.Time          { return time.Unix(0, c.t.Load()) }
func (c *fakeClock) advance(d time.Duration) { c.t.Add(int64(d)) }

func newEx(id string) *exchange.CapturedExchange {
	return &exchange.CapturedExchange{ID: id, Method: "GET", Path: "/" + id, Body: []byte(id)}
}

func TestTakeReturnsStoredExchangeExactlyOnce(t *testing.T) {
	c := New()
	ex := newEx("a")
	c.Store(ex)

	var wg sync.WaitGroup
	var hits atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, ok := c.Take("a"); ok {
				if got != ex {
					t.Errorf("Take returned a different exchange")
				}
				hits.Add(1)
			}
		}()
	}
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("Take succeeded %d times, want 1", hits.Load())
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d", c.Len())
	}
}

func TestSweepBoundsMemoryWithoutResponses(t *testing.T) {
	clk := &fakeClock{}
	clk.t.Store(time.Now().UnixNano())
	c := New(WithClock(clk.now))

	const n = 5000
	for i := 0; i < n; i++ {
		c.Store(newEx(fmt.Sprintf("req-%d", i)))
	}
	if c.Len() != n {
		t.Fatalf("Len = %d, want %d", c.Len(), n)
	}
	if removed := c.Sweep(5 * time.Minute); removed != 0 {
		t.Fatalf("fresh entries swept: %d", removed)
	}

	clk.advance(5*time.Minute + time.Second)
	if removed := c.Sweep(5 * time.Minute); removed != n {
		t.Fatalf("removed %d, want %d", removed, n)
	}
	if c.Len() != 0 {
		t.Fatalf("Len after sweep = %d", c.Len())
	}
	if _, ok := c.Take("req-1"); ok {
		t.Fatal("expired exchange must not be returned")
	}
}

func TestSweepKeepsYoungEntries(t *testing.T) {
	clk := &fakeClock{}
	c := New(WithClock(clk.now), WithShards(2))
	c.Store(newEx("old"))
	clk.advance(3 * time.Minute)
	c.Store(newEx("young"))
	clk.advance(3 * time.Minute)

	if removed := c.Sweep(5 * time.Minute); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, ok := c.Take("young"); !ok {
		t.Fatal("young entry evicted")
	}
}

func TestStoreSameIDDoesNotGrow(t *testing.T) {
	c := New()
	c.Store(newEx("dup"))
	c.Store(newEx("dup"))
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}
	c.Store(nil)
	c.Store(&exchange.CapturedExchange{})
	if c.Len() != 1 {
		t.Fatalf("Len = %d after invalid stores", c.Len())
	}
}
