package activity

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

// Direction is which way an interval moved.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
	DirectionNone     Direction = "none"
)

// Adjustment reasons, reported in the audit trail and decision logs.
const (
	ReasonLowSuccessRate  = "success_rate_below_floor"
	ReasonHighLatency     = "latency_above_ceiling"
	ReasonLowChange       = "low_change_frequency"
	ReasonHeadroom        = "headroom"
	ReasonRetryExhausted  = "retry_exhausted"
	reasonNoSamples       = "no_samples"
	reasonWithinThreshold = "within_thresholds"
)

// AdjusterConfig holds the thresholds and bounds for interval tuning.
type AdjusterConfig struct {
	// SuccessRateFloor is the rate below which polling slows down.
	SuccessRateFloor float64
	// LatencyCeilingMs is the average latency above which polling slows down.
	LatencyCeilingMs float64
	// ChangeFloor is the change frequency below which polling slows down.
	ChangeFloor float64
	// Step and Sensitivity together set the relative move per adjustment.
	Step        float64
	Sensitivity float64
	// MinInterval and MaxInterval clamp every adjusted interval.
	MinInterval time.Duration
	MaxInterval time.Duration
	// Cooldown is the per-category gap between tuning adjustments.
	Cooldown time.Duration
	// HistoryCap bounds the audit trail.
	HistoryCap int
}

// DefaultAdjusterConfig returns the stock tuning thresholds.
func DefaultAdjusterConfig() AdjusterConfig {
	return AdjusterConfig{
		SuccessRateFloor: 0.8,
		LatencyCeilingMs: 3000,
		ChangeFloor:      0.2,
		Step:             0.25,
		Sensitivity:      0.5,
		MinInterval:      30 * time.Second,
		MaxInterval:      24 * time.Hour,
		Cooldown:         10 * time.Minute,
		HistoryCap:       100,
	}
}

// widenFactor stretches an interval after a task exhausts its retries.
const widenFactor = 1.5

// Adjustment records one applied interval change.
type Adjustment struct {
	Category    market.Category `json:"category"`
	OldInterval time.Duration   `json:"old_interval"`
	NewInterval time.Duration   `json:"new_interval"`
	Direction   Direction       `json:"direction"`
	Reason      string          `json:"reason"`
	Stats       Stats           `json:"stats"`
	At          time.Time       `json:"at"`
}

// Adjuster turns activity stats into polling interval changes. Tuning
// adjustments respect a per-category cooldown; widening after retry
// exhaustion does not.
type Adjuster struct {
	cfg     AdjusterConfig
	tracker *Tracker
	clk     clock.Clock
	logger  logging.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	lastApplied map[market.Category]time.Time
	history     []Adjustment
}

// AdjusterOption tunes an Adjuster.
type AdjusterOption func(*Adjuster)

// WithAdjusterClock injects the adjuster's clock.
func WithAdjusterClock(clk clock.Clock) AdjusterOption {
	return func(a *Adjuster) {
		a.clk = clk
	}
}

// WithAdjusterMetrics attaches Prometheus metrics.
func WithAdjusterMetrics(m *metrics.Metrics) AdjusterOption {
	return func(a *Adjuster) {
		a.metrics = m
	}
}

// NewAdjuster creates an interval adjuster fed by tracker.
func NewAdjuster(cfg AdjusterConfig, tracker *Tracker, logger logging.Logger, opts ...AdjusterOption) *Adjuster {
	if cfg.Step <= 0 {
		cfg.Step = 0.25
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 0.5
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.MaxInterval <= cfg.MinInterval {
		cfg.MaxInterval = 24 * time.Hour
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 100
	}
	a := &Adjuster{
		cfg:         cfg,
		tracker:     tracker,
		clk:         clock.New(),
		logger:      logger,
		lastApplied: make(map[market.Category]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Propose decides which way a category's interval should move. The checks
// run worst problem first, so a category that is both failing and quiet
// reads as failing.
func (a *Adjuster) Propose(category market.Category) (Direction, string) {
	stats, ok := a.tracker.Stats(category)
	if !ok {
		return DirectionNone, reasonNoSamples
	}
	return a.propose(stats)
}

func (a *Adjuster) propose(stats Stats) (Direction, string) {
	switch {
	case stats.SuccessRate < a.cfg.SuccessRateFloor:
		return DirectionDecrease, ReasonLowSuccessRate
	case stats.AvgLatencyMs > a.cfg.LatencyCeilingMs:
		return DirectionDecrease, ReasonHighLatency
	case stats.ChangeFrequency < a.cfg.ChangeFloor:
		return DirectionDecrease, ReasonLowChange
	case stats.SuccessRate > 0.95 && stats.AvgLatencyMs < a.cfg.LatencyCeilingMs/2 && stats.ChangeFrequency > 2*a.cfg.ChangeFloor:
		return DirectionIncrease, ReasonHeadroom
	default:
		return DirectionNone, reasonWithinThreshold
	}
}

// Apply evaluates a category and returns its tuned interval. The second
// return reports whether the interval actually changed.
func (a *Adjuster) Apply(category market.Category, interval time.Duration) (time.Duration, bool) {
	stats, ok := a.tracker.Stats(category)
	if !ok {
		return interval, false
	}
	direction, reason := a.propose(stats)
	if direction == DirectionNone {
		return interval, false
	}

	now := a.clk.Now()

	a.mu.Lock()
	if last, ok := a.lastApplied[category]; ok && now.Sub(last) < a.cfg.Cooldown {
		a.mu.Unlock()
		if a.logger != nil {
			a.logger.WithFields(logging.Fields{
				"category": string(category),
				"reason":   reason,
				"since":    now.Sub(last).String(),
			}).Debug("Interval adjustment suppressed by cooldown")
		}
		return interval, false
	}
	a.mu.Unlock()

	factor := 1 + a.cfg.Step*a.cfg.Sensitivity
	if direction == DirectionIncrease {
		factor = 1 - a.cfg.Step*a.cfg.Sensitivity
	}
	next := a.clamp(time.Duration(float64(interval) * factor))
	if next == interval {
		return interval, false
	}

	a.commit(Adjustment{
		Category:    category,
		OldInterval: interval,
		NewInterval: next,
		Direction:   direction,
		Reason:      reason,
		Stats:       stats,
		At:          now,
	})
	return next, true
}

// WidenOnFailure stretches a category's interval after retry exhaustion.
// It ignores the cooldown so a broken upstream backs off immediately, but
// it stamps the cooldown so tuning does not pile on top of it.
func (a *Adjuster) WidenOnFailure(category market.Category, interval time.Duration) (time.Duration, bool) {
	next := a.clamp(time.Duration(float64(interval) * widenFactor))
	if next == interval {
		return interval, false
	}
	stats, _ := a.tracker.Stats(category)
	a.commit(Adjustment{
		Category:    category,
		OldInterval: interval,
		NewInterval: next,
		Direction:   DirectionDecrease,
		Reason:      ReasonRetryExhausted,
		Stats:       stats,
		At:          a.clk.Now(),
	})
	return next, true
}

func (a *Adjuster) clamp(d time.Duration) time.Duration {
	if d < a.cfg.MinInterval {
		return a.cfg.MinInterval
	}
	if d > a.cfg.MaxInterval {
		return a.cfg.MaxInterval
	}
	return d
}

func (a *Adjuster) commit(adj Adjustment) {
	a.mu.Lock()
	a.lastApplied[adj.Category] = adj.At
	a.history = append(a.history, adj)
	if len(a.history) > a.cfg.HistoryCap {
		a.history = a.history[len(a.history)-a.cfg.HistoryCap:]
	}
	a.mu.Unlock()

	if a.metrics != nil && a.metrics.AdjustmentsTotal != nil {
		a.metrics.AdjustmentsTotal.WithLabelValues(string(adj.Category), string(adj.Direction)).Inc()
	}
	if a.logger == nil {
		return
	}
	a.logger.WithFields(logging.Fields{
		"category":     string(adj.Category),
		"direction":    string(adj.Direction),
		"reason":       adj.Reason,
		"old_interval": adj.OldInterval.String(),
		"new_interval": adj.NewInterval.String(),
		"success_rate": adj.Stats.SuccessRate,
		"avg_latency":  adj.Stats.AvgLatencyMs,
		"change_freq":  adj.Stats.ChangeFrequency,
	}).Info("Polling interval adjusted")
}

// History returns the retained adjustments, oldest first.
func (a *Adjuster) History() []Adjustment {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Adjustment, len(a.history))
	copy(out, a.history)
	return out
}
