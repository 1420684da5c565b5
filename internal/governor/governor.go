// Package governor bounds plugin concurrency and throttles plugin-issued probes.
package governor

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxScans      = 20
	DefaultProbeInterval = 200 * time.Millisecond

	limiterIdleTTL = 10 * time.Minute
)

type Config struct {
	MaxConcurrentScans int
	ProbeInterval      time.Duration
}

// Governor separates two resources: how many plugin invocations run at once
// (scan slots) and how fast plugin probes may hit one target (per-key limiter).
type Governor struct {
	slots chan struct{}
	limit int

	inFlight atomic.Int64
	peak     atomic.Int64
	waiting  atomic.Int64

	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*keyLimiter
	lastGC   time.Time
}

type keyLimiter struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// New pre-fills the slot semaphore. The slot count is fixed for the life of the governor.
func New(cfg Config) *Governor {
	n := cfg.MaxConcurrentScans
	if n <= 0 {
		n = DefaultMaxScans
	}
	iv := cfg.ProbeInterval
	if iv <= 0 {
		iv = DefaultProbeInterval
	}
	g := &Governor{
		slots:    make(chan struct{}, n),
		limit:    n,
		interval: iv,
		limiters: map[string]*keyLimiter{},
	}
	for i := 0; i < n; i++ {
		g.slots <- struct{}{}
	}
	return g
}

// Guard releases a scan slot. Release is idempotent.
type Guard struct {
	g    *Governor
	once sync.Once
}

func (gd *Guard) Release() {
	if gd == nil || gd.g == nil {
		return
	}
	gd.once.Do(func() {
		gd.g.inFlight.Add(-1)
		gd.g.slots <- struct{}{}
	})
}

// AcquireScanSlot blocks until a slot is free or ctx ends.
func (g *Governor) AcquireScanSlot(ctx context.Context) (*Guard, error) {
	select {
	case <-g.slots:
	default:
		g.waiting.Add(1)
		select {
		case <-g.slots:
			g.waiting.Add(-1)
		case <-ctx.Done():
			g.waiting.Add(-1)
			return nil, ctx.Err()
		}
	}
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &Guard{g: g}, nil
}

// RateLimitedWait blocks until key may issue its next probe. Each key gets at
// most one probe per interval with no burst.
func (g *Governor) RateLimitedWait(ctx context.Context, key string) error {
	return g.limiterFor(NormalizeKey(key)).Wait(ctx)
}

func (g *Governor) limiterFor(key string) *rate.Limiter {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastGC) > limiterIdleTTL {
		for k, kl := range g.limiters {
			if now.Sub(kl.lastUsed) > limiterIdleTTL {
				delete(g.limiters, k)
			}
		}
		g.lastGC = now
	}

	kl := g.limiters[key]
	if kl == nil {
		kl = &keyLimiter{lim: rate.NewLimiter(rate.Every(g.interval), 1)}
		g.limiters[key] = kl
	}
	kl.lastUsed = now
	return kl.lim
}

// SetProbeInterval applies a new interval to existing and future keys.
func (g *Governor) SetProbeInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultProbeInterval
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if d == g.interval {
		return
	}
	g.interval = d
	for _, kl := range g.limiters {
		kl.lim.SetLimit(rate.Every(d))
	}
}

// Stats is a point-in-time view for status and metrics.
type Stats struct {
	Limit         int           `json:"limit"`
	InFlight      int64         `json:"in_flight"`
	Peak          int64         `json:"peak"`
	Waiting       int64         `json:"waiting"`
	ProbeKeys     int           `json:"probe_keys"`
	ProbeInterval time.Duration `json:"probe_interval"`
}

func (g *Governor) Stats() Stats {
	g.mu.Lock()
	keys := len(g.limiters)
	iv := g.interval
	g.mu.Unlock()
	return Stats{
		Limit:         g.limit,
		InFlight:      g.inFlight.Load(),
		Peak:          g.peak.Load(),
		Waiting:       g.waiting.Load(),
		ProbeKeys:     keys,
		ProbeInterval: iv,
	}
}

// NormalizeKey lowercases a host key, strips the port and converts IDNs to
// punycode so "Bücher.example:443" and "xn--bcher-kva.example" share a limiter.
func NormalizeKey(key string) string {
	k := strings.TrimSpace(key)
	if h, _, err := net.SplitHostPort(k); err == nil {
		k = h
	}
	k = strings.TrimSuffix(strings.ToLower(k), ".")
	if a, err := idna.Lookup.ToASCII(k); err == nil && a != "" {
		k = a
	}
	return k
}
