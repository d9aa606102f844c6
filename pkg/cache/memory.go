package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is an in-process store with a stale-while-revalidate window and
// FIFO eviction once MaxEntries is exceeded.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*Entry
	order []string
	opts  Options
	hooks MetricsHooks
	clk   clock.Clock
}

// NewMemory creates an in-process store on the wall clock.
func NewMemory(opts Options, hooks MetricsHooks) *Memory {
	return NewMemoryWithClock(opts, hooks, clock.New())
}

// NewMemoryWithClock creates an in-process store on the given clock.
func NewMemoryWithClock(opts Options, hooks MetricsHooks, clk clock.Clock) *Memory {
	return &Memory{
		items: make(map[string]*Entry),
		order: make([]string, 0, 128),
		opts:  opts,
		hooks: hooks,
		clk:   clk,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	now := m.clk.Now()

	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		m.hooks.miss()
		return nil, false, nil
	}
	if !e.Servable(now) {
		// Past the stale horizon: drop lazily and report a miss.
		m.mu.Lock()
		if cur, still := m.items[key]; still && cur == e {
			delete(m.items, key)
			m.removeFromOrder(key)
		}
		m.mu.Unlock()
		m.hooks.miss()
		return nil, false, nil
	}

	m.hooks.hit(e.Fresh(now))
	out := *e
	return &out, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.clk.Now()
	e := &Entry{
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		StaleAt:   now.Add(ttl).Add(m.opts.StaleWindow),
	}

	m.mu.Lock()
	if _, exists := m.items[key]; !exists {
		m.order = append(m.order, key)
	}
	m.items[key] = e
	m.evictIfNeeded()
	m.mu.Unlock()

	m.hooks.store()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.removeFromOrder(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

func (m *Memory) removeFromOrder(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Memory) evictIfNeeded() {
	if m.opts.MaxEntries <= 0 || len(m.items) <= m.opts.MaxEntries {
		return
	}
	// Simple FIFO eviction; can be replaced with true LRU
	excess := len(m.items) - m.opts.MaxEntries
	for excess > 0 && len(m.order) > 0 {
		victim := m.order[0]
		m.order = m.order[1:]
		delete(m.items, victim)
		m.hooks.evict()
		excess--
	}
}
