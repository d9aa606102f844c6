package cache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestMemoryPutGetRemove(t *testing.T) {
	m := NewMemory(Options{StaleWindow: time.Minute, MaxEntries: 10}, MetricsHooks{})

	if err := m.Put(context.Background(), "alpha", []byte(`{"px":3150.4}`), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	e, ok, err := m.Get(context.Background(), "alpha")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(e.Value) != `{"px":3150.4}` {
		t.Fatalf("unexpected value %s", e.Value)
	}
	if !e.Fresh(time.Now()) {
		t.Fatalf("expected fresh entry")
	}

	if err := m.Remove(context.Background(), "alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := m.Get(context.Background(), "alpha"); ok {
		t.Fatalf("expected key to be removed")
	}
}

func TestMemoryStaleWindow(t *testing.T) {
	clk := clock.NewMock()
	m := NewMemoryWithClock(Options{StaleWindow: 30 * time.Second, MaxEntries: 10}, MetricsHooks{}, clk)

	if err := m.Put(context.Background(), "idx", []byte("1"), 10*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Inside TTL: fresh hit.
	clk.Add(5 * time.Second)
	e, ok, _ := m.Get(context.Background(), "idx")
	if !ok || !e.Fresh(clk.Now()) {
		t.Fatalf("expected fresh hit")
	}

	// Past TTL but inside stale window: servable, not fresh.
	clk.Add(10 * time.Second)
	e, ok, _ = m.Get(context.Background(), "idx")
	if !ok {
		t.Fatalf("expected stale hit")
	}
	if e.Fresh(clk.Now()) {
		t.Fatalf("expected entry to be stale")
	}

	// Past the stale horizon: gone.
	clk.Add(30 * time.Second)
	if _, ok, _ := m.Get(context.Background(), "idx"); ok {
		t.Fatalf("expected miss past stale horizon")
	}
	if n, _ := m.Len(context.Background()); n != 0 {
		t.Fatalf("expected lazy drop, len=%d", n)
	}
}

func TestMemoryEviction(t *testing.T) {
	m := NewMemory(Options{MaxEntries: 2}, MetricsHooks{})

	_ = m.Put(context.Background(), "first", []byte("1"), time.Minute)
	_ = m.Put(context.Background(), "second", []byte("2"), time.Minute)
	_ = m.Put(context.Background(), "third", []byte("3"), time.Minute)

	if _, ok, _ := m.Get(context.Background(), "first"); ok {
		t.Fatalf("expected first entry to be evicted")
	}
	if _, ok, _ := m.Get(context.Background(), "second"); !ok {
		t.Fatalf("expected second entry to remain")
	}
	if _, ok, _ := m.Get(context.Background(), "third"); !ok {
		t.Fatalf("expected third entry to remain")
	}
}

func TestMemoryHooks(t *testing.T) {
	var hits, misses, stores int
	var freshLast bool
	m := NewMemory(Options{StaleWindow: time.Minute}, MetricsHooks{
		OnHit:   func(fresh bool) { hits++; freshLast = fresh },
		OnMiss:  func() { misses++ },
		OnStore: func() { stores++ },
	})

	_, _, _ = m.Get(context.Background(), "missing")
	_ = m.Put(context.Background(), "k", []byte("v"), time.Minute)
	_, _, _ = m.Get(context.Background(), "k")

	if misses != 1 || stores != 1 || hits != 1 {
		t.Fatalf("unexpected hook counts: hits=%d misses=%d stores=%d", hits, misses, stores)
	}
	if !freshLast {
		t.Fatalf("expected fresh hit")
	}
}
