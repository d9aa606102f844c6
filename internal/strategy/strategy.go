package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/market"
)

// Health is a strategy's self-reported condition.
type Health struct {
	Connected   bool              `json:"connected"`
	Detail      string            `json:"detail,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	LastSuccess time.Time         `json:"last_success,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Strategy is one acquisition mechanism. Implementations must be safe for
// concurrent use; Fetch honors ctx cancellation and deadlines.
type Strategy interface {
	// Fetch acquires one payload for the category.
	Fetch(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error)

	// Stream returns the per-category live feed, or nil when the strategy
	// has no push channel.
	Stream(category market.Category) <-chan *market.FetchedItem

	// Available reports whether the strategy can serve requests right now.
	Available() bool

	// Start brings up any long-lived resources (connections, pumps).
	Start(ctx context.Context) error

	// Stop tears the strategy down and releases its resources.
	Stop()

	// Health reports the strategy's current condition.
	Health() Health
}

// Descriptor describes a strategy to the routing engine.
type Descriptor struct {
	Name     string            `json:"name"`
	Kind     market.SourceKind `json:"kind"`
	Priority int               `json:"priority"`
	// Categories limits the strategy to specific categories; empty serves all.
	Categories []market.Category `json:"categories,omitempty"`
}

// Serves reports whether the descriptor covers a category.
func (d Descriptor) Serves(category market.Category) bool {
	if len(d.Categories) == 0 {
		return true
	}
	for _, c := range d.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Registered pairs a descriptor with its implementation. Seq records
// registration order for deterministic tie-breaks.
type Registered struct {
	Descriptor
	Impl Strategy
	Seq  int
}

// Registry holds registered strategies in registration order.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Registered
	ordered []*Registered
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Registered),
	}
}

// Register adds a strategy. Names are unique; duplicates are configuration
// errors so wiring mistakes surface at startup.
func (r *Registry) Register(desc Descriptor, impl Strategy) error {
	if desc.Name == "" {
		return &market.ConfigError{Field: "strategy.name", Reason: "must not be empty"}
	}
	if impl == nil {
		return &market.ConfigError{Field: "strategy." + desc.Name, Reason: "implementation is nil"}
	}
	switch desc.Kind {
	case market.SourcePush, market.SourcePoll, market.SourceOnDemand:
	default:
		return &market.ConfigError{Field: "strategy." + desc.Name + ".kind", Reason: "unknown kind " + string(desc.Kind)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[desc.Name]; exists {
		return &market.ConfigError{Field: "strategy." + desc.Name, Reason: "already registered"}
	}
	reg := &Registered{Descriptor: desc, Impl: impl, Seq: len(r.ordered)}
	r.byName[desc.Name] = reg
	r.ordered = append(r.ordered, reg)
	return nil
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (*Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// ForCategory returns the strategies serving a category, in registration order.
func (r *Registry) ForCategory(category market.Category) []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registered, 0, len(r.ordered))
	for _, reg := range r.ordered {
		if reg.Serves(category) {
			out = append(out, reg)
		}
	}
	return out
}

// All returns every registered strategy in registration order.
func (r *Registry) All() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registered, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// StartAll starts every strategy, stopping the ones already started if one
// fails so a partial bring-up never leaks pumps.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]*Registered, 0, len(r.All()))
	for _, reg := range r.All() {
		if err := reg.Impl.Start(ctx); err != nil {
			for _, s := range started {
				s.Impl.Stop()
			}
			return err
		}
		started = append(started, reg)
	}
	return nil
}

// StopAll stops every strategy.
func (r *Registry) StopAll() {
	for _, reg := range r.All() {
		reg.Impl.Stop()
	}
}
