package cache

import (
	"context"
	"time"
)

// Entry carries a cached payload plus its freshness bookkeeping.
type Entry struct {
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
	StaleAt   time.Time
}

// Fresh reports whether the entry is still inside its TTL.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Servable reports whether the entry may still be handed out, fresh or stale.
func (e *Entry) Servable(now time.Time) bool {
	return now.Before(e.StaleAt)
}

// Store is the cache collaborator contract. Get keeps returning entries until
// their stale horizon passes; callers decide whether a non-fresh entry is
// acceptable for their path.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
}

// Options tunes a store.
type Options struct {
	// StaleWindow is how long past expiry an entry remains servable.
	StaleWindow time.Duration
	// MaxEntries bounds the memory store; 0 means unbounded.
	MaxEntries int
}

// MetricsHooks lets callers observe store traffic without coupling the
// store to a metrics backend.
type MetricsHooks struct {
	OnHit   func(fresh bool)
	OnMiss  func()
	OnStore func()
	OnEvict func()
}

func (h MetricsHooks) hit(fresh bool) {
	if h.OnHit != nil {
		h.OnHit(fresh)
	}
}

func (h MetricsHooks) miss() {
	if h.OnMiss != nil {
		h.OnMiss()
	}
}

func (h MetricsHooks) store() {
	if h.OnStore != nil {
		h.OnStore()
	}
}

func (h MetricsHooks) evict() {
	if h.OnEvict != nil {
		h.OnEvict()
	}
}
