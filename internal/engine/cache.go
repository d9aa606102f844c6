package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/pkg/cache"
)

// itemCache stores fetched items as JSON in a byte-oriented cache backend.
// Keys combine the category with the request's key set so different key
// subsets of a batchable category cache independently.
type itemCache struct {
	store cache.Store
	clk   clock.Clock
}

func newItemCache(store cache.Store, clk clock.Clock) *itemCache {
	return &itemCache{store: store, clk: clk}
}

func cacheKey(category market.Category, params market.Params) string {
	if len(params.Keys) == 0 {
		return string(category)
	}
	return string(category) + "?" + strings.Join(params.Keys, ",")
}

// get returns the cached item and whether the entry is still within its TTL.
// A servable-but-stale entry comes back with fresh=false so callers can hold
// it as a refresh fallback.
func (c *itemCache) get(ctx context.Context, key string) (item *market.FetchedItem, fresh bool, ok bool) {
	entry, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return nil, false, false
	}
	var it market.FetchedItem
	if err := json.Unmarshal(entry.Value, &it); err != nil {
		return nil, false, false
	}
	return &it, entry.Fresh(c.clk.Now()), true
}

func (c *itemCache) put(ctx context.Context, key string, item *market.FetchedItem, ttl time.Duration) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, key, raw, ttl)
}

func (c *itemCache) len(ctx context.Context) int {
	n, err := c.store.Len(ctx)
	if err != nil {
		return 0
	}
	return n
}
