package engine

import (
	"context"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/activity"
	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/routing"
	"github.com/139QQ/Baostock-sub011/internal/scheduler"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
)

// StrategyStatus pairs a strategy's live condition with its tracked
// performance.
type StrategyStatus struct {
	Kind        market.SourceKind         `json:"kind"`
	Priority    int                       `json:"priority"`
	Available   bool                      `json:"available"`
	Health      strategy.Health           `json:"health"`
	Performance routing.PerformanceRecord `json:"performance"`
	Score       float64                   `json:"score"`
}

// Snapshot is the engine's full observability aggregate, the shape the
// control API serves.
type Snapshot struct {
	StartedAt     time.Time                          `json:"started_at,omitempty"`
	UptimeSeconds float64                            `json:"uptime_seconds"`
	Network       market.NetworkSnapshot             `json:"network"`
	ActiveSource  failover.SourceID                  `json:"active_source,omitempty"`
	Categories    []market.CategoryInfo              `json:"categories"`
	Strategies    map[string]StrategyStatus          `json:"strategies"`
	Activity      map[market.Category]activity.Stats `json:"activity"`
	Tasks         []scheduler.PollingTask            `json:"tasks"`
	Sources       []failover.SourceView              `json:"sources,omitempty"`
	CacheEntries  int                                `json:"cache_entries"`
	Stream        map[string]interface{}             `json:"stream"`
}

// StrategyStatuses reports every strategy's live condition and tracked
// performance.
func (e *Engine) StrategyStatuses() map[string]StrategyStatus {
	perf := e.performance.Snapshot()
	scores := e.performance.Scores()

	statuses := make(map[string]StrategyStatus, len(e.strategies.All()))
	for _, reg := range e.strategies.All() {
		statuses[reg.Name] = StrategyStatus{
			Kind:        reg.Kind,
			Priority:    reg.Priority,
			Available:   reg.Impl.Available(),
			Health:      reg.Impl.Health(),
			Performance: perf[reg.Name],
			Score:       scores[reg.Name],
		}
	}
	return statuses
}

// ActivityStats reports per-category activity aggregates.
func (e *Engine) ActivityStats() map[market.Category]activity.Stats {
	return e.activity.Snapshot()
}

// Snapshot assembles the current state of every component.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Network:      e.network.Snapshot(),
		Categories:   e.categories.All(),
		Strategies:   e.StrategyStatuses(),
		Activity:     e.ActivityStats(),
		Tasks:        e.scheduler.Tasks(),
		CacheEntries: e.cache.len(ctx),
		Stream:       e.hub.Stats(),
	}

	e.mu.Lock()
	if !e.startedAt.IsZero() {
		snap.StartedAt = e.startedAt
		snap.UptimeSeconds = e.clk.Since(e.startedAt).Seconds()
	}
	e.mu.Unlock()

	if e.failover != nil {
		snap.ActiveSource = e.failover.ActiveID()
		snap.Sources = e.failover.Snapshot()
	}
	return snap
}
