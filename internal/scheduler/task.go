package scheduler

import (
	"time"

	"github.com/139QQ/Baostock-sub011/internal/market"
)

// PollingTask is one scheduled acquisition. The scheduler owns the mutable
// execution fields; callers hand in Category, Interval, Params, Enabled and
// MaxRetries and read the rest back through snapshots.
type PollingTask struct {
	Category market.Category `json:"category"`
	Interval time.Duration   `json:"interval"`
	Enabled  bool            `json:"enabled"`
	Params   market.Params   `json:"params"`

	// MaxRetries is how many consecutive failures a task absorbs with the
	// short retry backoff before its interval is widened.
	MaxRetries int `json:"max_retries"`

	NextExecutionAt time.Time `json:"next_execution_at"`
	LastExecutedAt  time.Time `json:"last_executed_at,omitempty"`
	ExecutionCount  int64     `json:"execution_count"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	LastError       string    `json:"last_error,omitempty"`

	inFlight bool
}

// snapshot copies the exported state for handlers and tests.
func (t *PollingTask) snapshot() PollingTask {
	out := *t
	out.inFlight = false
	out.Params = t.Params.Clone()
	return out
}

// entry is a heap slot. Entries are never removed in place: an entry is
// live only while its time still matches the task's NextExecutionAt, so
// reschedules simply push a fresh entry and the stale one is dropped when
// it surfaces.
type entry struct {
	category market.Category
	at       time.Time
}

// taskHeap orders entries by execution time, soonest first.
type taskHeap []entry

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
