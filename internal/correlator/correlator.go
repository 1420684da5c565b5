// Package correlator pairs captured requests with their eventual responses.
package correlator

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/exchange"
)

const defaultShards = 32

// Correlator is a time-bounded map from exchange id to captured request.
//
// Each shard has its own exclusive lock so unrelated exchanges never contend
// on the same mutex.
type Correlator struct {
	shards []*shard
	size   atomic.Int64
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	ex       *exchange.CapturedExchange
	storedAt time.Time
}

type Option func(*Correlator)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithShards sets the shard count (rounded up to 1).
func WithShards(n int) Option {
	return func(c *Correlator) {
		if n < 1 {
			n = 1
		}
		c.shards = newShards(n)
	}
}

func New(opts ...Option) *Correlator {
	c := &Correlator{shards: newShards(defaultShards), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{entries: map[string]entry{}}
	}
	return out
}

func (c *Correlator) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Store inserts ex keyed by its id. A second Store with the same id replaces
// the first without changing the size.
func (c *Correlator) Store(ex *exchange.CapturedExchange) {
	if ex == nil || ex.ID == "" {
		return
	}
	s := c.shardFor(ex.ID)
	s.mu.Lock()
	if _, exists := s.entries[ex.ID]; !exists {
		c.size.Add(1)
	}
	s.entries[ex.ID] = entry{ex: ex, storedAt: c.now()}
	s.mu.Unlock()
}

// Take removes and returns the exchange. Only the first caller for an id gets it.
func (c *Correlator) Take(id string) (*exchange.CapturedExchange, bool) {
	if id == "" {
		return nil, false
	}
	s := c.shardFor(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		c.size.Add(-1)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.ex, true
}

// Sweep evicts every entry stored more than maxAge ago and returns how many
// were removed. It never fails; shards are locked one at a time.
func (c *Correlator) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if !e.storedAt.After(cutoff) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.size.Add(int64(-removed))
	}
	return removed
}

// Len is the number of pending exchanges.
func (c *Correlator) Len() int { return int(c.size.Load()) }
