package market

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultRegistrySeedsBuiltins(t *testing.T) {
	r := DefaultRegistry()

	ids := r.IDs()
	want := []Category{
		CategoryIndexQuote,
		CategoryWatchlistQuote,
		CategorySectorRank,
		CategoryFundNav,
		CategoryMarketNews,
	}
	if len(ids) != len(want) {
		t.Fatalf("expected %d categories, got %d", len(want), len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("expected %s at position %d, got %s", id, i, ids[i])
		}
	}

	info, ok := r.Get(CategoryIndexQuote)
	if !ok {
		t.Fatal("expected index_quote to be registered")
	}
	if info.Tier != TierCritical || info.DefaultInterval != 5*time.Second {
		t.Fatalf("unexpected index_quote definition: %+v", info)
	}
	if info.CacheTTL != info.DefaultInterval {
		t.Fatalf("expected cache ttl to default to interval, got %v", info.CacheTTL)
	}

	watchlist, _ := r.Get(CategoryWatchlistQuote)
	if !watchlist.Batchable || watchlist.BatchSize != 50 {
		t.Fatalf("expected batchable watchlist with default batch size 50, got %+v", watchlist)
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	var cfgErr *ConfigError
	err := r.Register(CategoryInfo{Tier: TierLow, DefaultInterval: time.Minute})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for empty id, got %v", err)
	}

	err = r.Register(CategoryInfo{ID: "x", Tier: "extreme", DefaultInterval: time.Minute})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for unknown tier, got %v", err)
	}

	err = r.Register(CategoryInfo{ID: "x", Tier: TierLow})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing interval, got %v", err)
	}
}

func TestRegistryReplaceKeepsOrder(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(CategoryInfo{ID: "a", Tier: TierLow, DefaultInterval: time.Minute})
	_ = r.Register(CategoryInfo{ID: "b", Tier: TierLow, DefaultInterval: time.Minute})
	_ = r.Register(CategoryInfo{ID: "a", Tier: TierHigh, DefaultInterval: time.Second})

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected stable order [a b], got %v", ids)
	}
	info, _ := r.Get("a")
	if info.Tier != TierHigh {
		t.Fatalf("expected replacement to take effect, got %+v", info)
	}
}

func TestTierRank(t *testing.T) {
	if TierCritical.Rank() <= TierHigh.Rank() {
		t.Fatal("expected critical to outrank high")
	}
	if TierHigh.Rank() <= TierMedium.Rank() {
		t.Fatal("expected high to outrank medium")
	}
	if Tier("bogus").Valid() {
		t.Fatal("expected unknown tier to be invalid")
	}
}
