package failover

import (
	"sync"
	"time"
)

// EventType discriminates degradation audit events.
type EventType string

const (
	EventDegradationStarted EventType = "degradationStarted"
	EventDegradationEnded   EventType = "degradationEnded"
	EventSourceSwitched     EventType = "sourceSwitched"
	EventSourceRecovered    EventType = "sourceRecovered"
	EventManualOverride     EventType = "manualOverride"
)

const defaultEventCap = 200

// Event is one immutable audit record of a source health transition.
type Event struct {
	Type        EventType              `json:"type"`
	SourceID    SourceID               `json:"source_id"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// eventRing retains the most recent events, dropping the oldest past cap.
type eventRing struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

func newEventRing(cap int) *eventRing {
	if cap <= 0 {
		cap = defaultEventCap
	}
	return &eventRing{cap: cap}
}

func (r *eventRing) append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
}

// all returns the retained events, oldest first.
func (r *eventRing) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
