package market

import (
	"sync"
	"time"
)

// Tier ranks how consequential a category's data is for consumers.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Rank orders tiers for priority comparisons; higher is more consequential.
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 4
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// Category identifies a logical data category.
type Category string

// Built-in categories.
const (
	CategoryIndexQuote     Category = "index_quote"
	CategoryWatchlistQuote Category = "watchlist_quote"
	CategorySectorRank     Category = "sector_rank"
	CategoryFundNav        Category = "fund_nav"
	CategoryMarketNews     Category = "market_news"
)

// CategoryInfo describes how a category wants to be acquired.
type CategoryInfo struct {
	ID              Category      `json:"id"`
	Tier            Tier          `json:"tier"`
	DefaultInterval time.Duration `json:"default_interval"`
	CacheTTL        time.Duration `json:"cache_ttl"`
	Batchable       bool          `json:"batchable"`
	BatchSize       int           `json:"batch_size,omitempty"`
}

const defaultBatchSize = 50

// Registry holds the known categories. Registration order is preserved so
// downstream tie-breaks stay deterministic.
type Registry struct {
	mu    sync.RWMutex
	infos map[Category]CategoryInfo
	order []Category
}

// NewRegistry creates an empty category registry.
func NewRegistry() *Registry {
	return &Registry{
		infos: make(map[Category]CategoryInfo),
	}
}

// DefaultRegistry returns a registry seeded with the built-in categories.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	seed := []CategoryInfo{
		{ID: CategoryIndexQuote, Tier: TierCritical, DefaultInterval: 5 * time.Second},
		{ID: CategoryWatchlistQuote, Tier: TierHigh, DefaultInterval: 15 * time.Second, Batchable: true},
		{ID: CategorySectorRank, Tier: TierMedium, DefaultInterval: 5 * time.Minute},
		{ID: CategoryFundNav, Tier: TierMedium, DefaultInterval: 10 * time.Minute, Batchable: true},
		{ID: CategoryMarketNews, Tier: TierLow, DefaultInterval: 30 * time.Minute},
	}
	for _, info := range seed {
		// Built-in definitions are well formed.
		_ = r.Register(info)
	}
	return r
}

// Register adds or replaces a category definition. Zero CacheTTL defaults to
// the polling interval; zero BatchSize on a batchable category defaults to 50.
func (r *Registry) Register(info CategoryInfo) error {
	if info.ID == "" {
		return &ConfigError{Field: "category.id", Reason: "must not be empty"}
	}
	if !info.Tier.Valid() {
		return &ConfigError{Field: "category.tier", Reason: "unknown tier " + string(info.Tier)}
	}
	if info.DefaultInterval <= 0 {
		return &ConfigError{Field: "category.default_interval", Reason: "must be positive"}
	}
	if info.CacheTTL <= 0 {
		info.CacheTTL = info.DefaultInterval
	}
	if info.Batchable && info.BatchSize <= 0 {
		info.BatchSize = defaultBatchSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.infos[info.ID]; !exists {
		r.order = append(r.order, info.ID)
	}
	r.infos[info.ID] = info
	return nil
}

// Get returns the definition for a category.
func (r *Registry) Get(id Category) (CategoryInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[id]
	return info, ok
}

// All returns every definition in registration order.
func (r *Registry) All() []CategoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CategoryInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.infos[id])
	}
	return out
}

// IDs returns every category id in registration order.
func (r *Registry) IDs() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, len(r.order))
	copy(out, r.order)
	return out
}
