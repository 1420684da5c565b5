package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"sentinel/internal/exchange"
)

// memStore keeps findings in insertion order, evicting the oldest once max
// is reached. Plugin descriptors are never evicted.
type memStore struct {
	mu       sync.RWMutex
	max      int
	order    []string
	findings map[string]exchange.Finding
	plugins  map[string]PluginDescriptor
	closed   bool
}

// NewMemory returns the in-process store. max <= 0 means 10000 findings.
func NewMemory(max int) Store { return newMem(max) }

func newMem(max int) *memStore {
	if max <= 0 {
		max = 10000
	}
	return &memStore{max: max, findings: map[string]exchange.Finding{}, plugins: map[string]PluginDescriptor{}}
}

func (s *memStore) PutFinding(_ context.Context, f exchange.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putFindingLocked(f)
	return nil
}

func (s *memStore) putFindingLocked(f exchange.Finding) {
	if _, ok := s.findings[f.ID]; !ok {
		s.order = append(s.order, f.ID)
	}
	s.findings[f.ID] = f
	for len(s.order) > s.max {
		delete(s.findings, s.order[0])
		s.order[0] = ""
		s.order = s.order[1:]
	}
}

func (s *memStore) GetFinding(_ context.Context, id string) (exchange.Finding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.findings[id]
	return f, ok, nil
}

// ListFindings returns matches newest first.
func (s *memStore) ListFindings(_ context.Context, q exchange.Filter) ([]exchange.Finding, error) {
	limit := listLimit(q.Limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]exchange.Finding, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		f := s.findings[s.order[i]]
		if q.Match(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memStore) PutPlugin(_ context.Context, d PluginDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	d.Allow = slices.Clone(d.Allow)
	s.plugins[d.ID] = d
	return nil
}

func (s *memStore) GetPlugin(_ context.Context, id string) (PluginDescriptor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.plugins[id]
	return d, ok, nil
}

func (s *memStore) ListPlugins(_ context.Context) ([]PluginDescriptor, error) {
	s.mu.RLock()
	out := make([]PluginDescriptor, 0, len(s.plugins))
	for _, d := range s.plugins {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) DeletePlugin(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.plugins, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
