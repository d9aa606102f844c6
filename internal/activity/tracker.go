package activity

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/139QQ/Baostock-sub011/internal/market"
)

const (
	defaultRingCap    = 100
	defaultWindowSize = 10
)

// Trend summarizes where a category's success rate is heading.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// trendDelta is the success-rate gap between window halves that counts as
// movement rather than noise.
const trendDelta = 0.1

// Record is one observed fetch for a category.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	LatencyMs float64   `json:"latency_ms"`
	HadChange bool      `json:"had_change"`
}

// Stats aggregates a category's recent activity.
type Stats struct {
	SampleCount     int       `json:"sample_count"`
	SuccessRate     float64   `json:"success_rate"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	ChangeFrequency float64   `json:"change_frequency"`
	Score           float64   `json:"score"`
	Trend           Trend     `json:"trend"`
	LastRecordAt    time.Time `json:"last_record_at"`
}

// window is a fixed-capacity ring of records.
type window struct {
	records []Record
	next    int
	full    bool
}

func (w *window) add(rec Record) {
	w.records[w.next] = rec
	w.next++
	if w.next == len(w.records) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.records)
	}
	return w.next
}

// ordered returns the retained records oldest first.
func (w *window) ordered() []Record {
	n := w.len()
	out := make([]Record, 0, n)
	if w.full {
		out = append(out, w.records[w.next:]...)
	}
	out = append(out, w.records[:w.next]...)
	return out
}

// Tracker keeps a bounded ring of fetch observations per category and
// derives an activity score and trend from it.
type Tracker struct {
	mu         sync.RWMutex
	windows    map[market.Category]*window
	ringCap    int
	windowSize int
	clk        clock.Clock
}

// Option tunes a Tracker.
type Option func(*Tracker)

// WithRingCap sets how many records are retained per category.
func WithRingCap(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.ringCap = n
		}
	}
}

// WithWindowSize sets the half-window used for trend comparison.
func WithWindowSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.windowSize = n
		}
	}
}

// WithClock injects the tracker's clock.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) {
		t.clk = clk
	}
}

// NewTracker creates an activity tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		windows:    make(map[market.Category]*window),
		ringCap:    defaultRingCap,
		windowSize: defaultWindowSize,
		clk:        clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record stores one fetch observation for a category.
func (t *Tracker) Record(category market.Category, success bool, latencyMs float64, hadChange bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[category]
	if !ok {
		w = &window{records: make([]Record, t.ringCap)}
		t.windows[category] = w
	}
	w.add(Record{
		Timestamp: t.clk.Now(),
		Success:   success,
		LatencyMs: latencyMs,
		HadChange: hadChange,
	})
}

// Stats returns the aggregate view for a category.
func (t *Tracker) Stats(category market.Category) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.windows[category]
	if !ok || w.len() == 0 {
		return Stats{Trend: TrendStable}, false
	}
	return t.statsLocked(w), true
}

func (t *Tracker) statsLocked(w *window) Stats {
	records := w.ordered()
	n := len(records)

	var successes, changes int
	var latencySum float64
	for _, rec := range records {
		if rec.Success {
			successes++
		}
		if rec.HadChange {
			changes++
		}
		latencySum += rec.LatencyMs
	}

	s := Stats{
		SampleCount:     n,
		SuccessRate:     float64(successes) / float64(n),
		AvgLatencyMs:    latencySum / float64(n),
		ChangeFrequency: float64(changes) / float64(n),
		LastRecordAt:    records[n-1].Timestamp,
	}
	s.Score = activityScore(s)
	s.Trend = trend(records, t.windowSize)
	return s
}

// ActivityScore rates how much a category deserves frequent refresh.
func (t *Tracker) ActivityScore(category market.Category) float64 {
	s, ok := t.Stats(category)
	if !ok {
		return 0
	}
	return s.Score
}

// Trend reports the success-rate direction for a category.
func (t *Tracker) Trend(category market.Category) Trend {
	s, ok := t.Stats(category)
	if !ok {
		return TrendStable
	}
	return s.Trend
}

// Snapshot returns stats for every tracked category.
func (t *Tracker) Snapshot() map[market.Category]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[market.Category]Stats, len(t.windows))
	for category, w := range t.windows {
		if w.len() == 0 {
			continue
		}
		out[category] = t.statsLocked(w)
	}
	return out
}

// activityScore weighs success (40), latency (30), and payload change
// frequency (30) into [0,100].
func activityScore(s Stats) float64 {
	latencyScore := 30 - s.AvgLatencyMs/100
	if latencyScore < 0 {
		latencyScore = 0
	}
	score := s.SuccessRate*40 + latencyScore + s.ChangeFrequency*30
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// trend compares the success rate of the two most recent half-windows.
// Fewer than two full halves reads as stable.
func trend(records []Record, windowSize int) Trend {
	if len(records) < 2*windowSize {
		return TrendStable
	}

	tail := records[len(records)-2*windowSize:]
	earlier := successRate(tail[:windowSize])
	recent := successRate(tail[windowSize:])

	switch {
	case recent-earlier > trendDelta:
		return TrendImproving
	case earlier-recent > trendDelta:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func successRate(records []Record) float64 {
	if len(records) == 0 {
		return 0
	}
	var successes int
	for _, rec := range records {
		if rec.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(records))
}
