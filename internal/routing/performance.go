package routing

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scoring weights. Latency is penalized up to a cap so one slow provider
// cannot bury an otherwise healthy strategy; the overuse penalty nudges
// traffic away from a strategy that has been hammered in the last minute.
const (
	latencyPenaltyDivisor = 10.0
	latencyPenaltyCap     = 30.0
	errorPenaltyWeight    = 50.0
	recencyBonus          = 10.0
	recencyWindow         = 10 * time.Minute
	overusePenalty        = 5.0
	overuseUsageFloor     = 100
	overuseWindow         = time.Minute
)

// PerformanceRecord aggregates fetch outcomes for one strategy.
type PerformanceRecord struct {
	SuccessRate  float64   `json:"success_rate"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	TotalUsage   int64     `json:"total_usage"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Tracker maintains per-strategy performance aggregates. Updates are O(1)
// incremental weighted averages; no outcome history is retained.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*PerformanceRecord
	clk     clock.Clock
}

// NewTracker creates a tracker on the wall clock.
func NewTracker() *Tracker {
	return NewTrackerWithClock(clock.New())
}

// NewTrackerWithClock creates a tracker on an injected clock.
func NewTrackerWithClock(clk clock.Clock) *Tracker {
	return &Tracker{
		records: make(map[string]*PerformanceRecord),
		clk:     clk,
	}
}

// RecordOutcome folds one fetch outcome into a strategy's aggregates.
func (t *Tracker) RecordOutcome(strategy string, success bool, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[strategy]
	if !ok {
		rec = &PerformanceRecord{}
		t.records[strategy] = rec
	}

	n := float64(rec.TotalUsage)
	total := n + 1
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	rec.SuccessRate = (rec.SuccessRate*n + outcome) / total
	rec.ErrorRate = (rec.ErrorRate*n + (1.0 - outcome)) / total
	rec.AvgLatencyMs = (rec.AvgLatencyMs*n + latencyMs) / total
	rec.TotalUsage++
	rec.LastUsedAt = t.clk.Now()
}

// Score rates a strategy from its aggregates. Strategies with no history
// score zero so static priority decides between unknowns.
func (t *Tracker) Score(strategy string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[strategy]
	if !ok || rec.TotalUsage == 0 {
		return 0
	}
	return scoreRecord(rec, t.clk.Now())
}

func scoreRecord(rec *PerformanceRecord, now time.Time) float64 {
	score := rec.SuccessRate * 100
	score -= math.Min(rec.AvgLatencyMs/latencyPenaltyDivisor, latencyPenaltyCap)
	score -= rec.ErrorRate * errorPenaltyWeight
	if now.Sub(rec.LastUsedAt) < recencyWindow {
		score += recencyBonus
	}
	if rec.TotalUsage > overuseUsageFloor && now.Sub(rec.LastUsedAt) < overuseWindow {
		score -= overusePenalty
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Snapshot returns a copy of every record keyed by strategy name.
func (t *Tracker) Snapshot() map[string]PerformanceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]PerformanceRecord, len(t.records))
	for name, rec := range t.records {
		out[name] = *rec
	}
	return out
}

// Scores returns the current score for every tracked strategy.
func (t *Tracker) Scores() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clk.Now()
	out := make(map[string]float64, len(t.records))
	for name, rec := range t.records {
		if rec.TotalUsage == 0 {
			out[name] = 0
			continue
		}
		out[name] = scoreRecord(rec, now)
	}
	return out
}
