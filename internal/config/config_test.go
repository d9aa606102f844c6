package config

import (
	"errors"
	"testing"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/market"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("POLL_BASE_URL", "https://quotes.example.com")

	cfg := LoadConfig()
	if cfg.Port != "18010" {
		t.Fatalf("port = %s", cfg.Port)
	}
	if cfg.OnDemandBaseURL != "https://quotes.example.com" {
		t.Fatalf("on-demand base should fall back to poll base, got %s", cfg.OnDemandBaseURL)
	}
	if cfg.PushFeedURL != "" {
		t.Fatalf("push feed should default off, got %s", cfg.PushFeedURL)
	}
	if cfg.FetchTimeout != 10*time.Second || cfg.SchedulerTick != time.Second {
		t.Fatalf("unexpected timing defaults: %v / %v", cfg.FetchTimeout, cfg.SchedulerTick)
	}
	if !cfg.SeedTasks {
		t.Fatal("seed tasks should default on")
	}
	if cfg.CacheBackend != "memory" {
		t.Fatalf("cache backend = %s", cfg.CacheBackend)
	}
	if cfg.ProbeURL != "https://quotes.example.com" {
		t.Fatalf("probe url should fall back to poll base, got %s", cfg.ProbeURL)
	}
	if cfg.ProbeInterval != 30*time.Second || cfg.NetworkMetered {
		t.Fatalf("unexpected probe defaults: %v metered=%v", cfg.ProbeInterval, cfg.NetworkMetered)
	}
	if len(cfg.Sources) != 4 {
		t.Fatalf("expected 4 default sources, got %d", len(cfg.Sources))
	}
	first := cfg.Sources[0]
	if first.ID != "baostock" || first.Tier != market.TierCritical || first.Policy != failover.PolicyImmediate {
		t.Fatalf("unexpected primary source: %+v", first)
	}
	if first.DegradationThreshold != 3 || first.RecoveryThreshold != 2 {
		t.Fatalf("unexpected thresholds: %+v", first)
	}
	if cfg.Tuning.SuccessRateFloor != 0.8 || cfg.Tuning.MinInterval != 30*time.Second {
		t.Fatalf("unexpected tuning defaults: %+v", cfg.Tuning)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("POLL_BASE_URL", "https://quotes.example.com")
	t.Setenv("ONDEMAND_BASE_URL", "https://snapshot.example.com")
	t.Setenv("PUSH_FEED_URL", "wss://feed.example.com/stream")
	t.Setenv("PUSH_CATEGORIES", "index_quote")
	t.Setenv("WATCHLIST_KEYS", "600000.SH, 000001.SZ ,")
	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("TUNE_MIN_INTERVAL", "10s")
	t.Setenv("SOURCE_DEGRADATION_THRESHOLD", "5")
	t.Setenv("SOURCES", "alpha:critical:immediate, beta:high:delayed")

	cfg := LoadConfig()
	if cfg.OnDemandBaseURL != "https://snapshot.example.com" {
		t.Fatalf("on-demand base = %s", cfg.OnDemandBaseURL)
	}
	if cfg.PushFeedURL != "wss://feed.example.com/stream" {
		t.Fatalf("push feed = %s", cfg.PushFeedURL)
	}
	if len(cfg.PushCategories) != 1 || cfg.PushCategories[0] != market.CategoryIndexQuote {
		t.Fatalf("push categories = %v", cfg.PushCategories)
	}
	if len(cfg.WatchlistKeys) != 2 || cfg.WatchlistKeys[1] != "000001.SZ" {
		t.Fatalf("watchlist keys = %v", cfg.WatchlistKeys)
	}
	if cfg.FetchTimeout != 3*time.Second {
		t.Fatalf("fetch timeout = %v", cfg.FetchTimeout)
	}
	if cfg.Tuning.MinInterval != 10*time.Second {
		t.Fatalf("tuning min interval = %v", cfg.Tuning.MinInterval)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	second := cfg.Sources[1]
	if second.ID != "beta" || second.Tier != market.TierHigh || second.Policy != failover.PolicyDelayed {
		t.Fatalf("unexpected source: %+v", second)
	}
	if second.DegradationThreshold != 5 || second.RecoveryThreshold != 2 {
		t.Fatalf("unexpected thresholds: %+v", second)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("override config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("POLL_BASE_URL", "https://quotes.example.com")
	base := LoadConfig()

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero fetch timeout", func(c *Config) { c.FetchTimeout = 0 }, "FETCH_TIMEOUT"},
		{"zero tick", func(c *Config) { c.SchedulerTick = 0 }, "SCHEDULER_TICK"},
		{"no workers", func(c *Config) { c.MaxConcurrent = 0 }, "MAX_CONCURRENT_FETCHES"},
		{"inverted tuning clamp", func(c *Config) { c.Tuning.MaxInterval = c.Tuning.MinInterval / 2 }, "TUNE_MIN_INTERVAL"},
		{"redis without url", func(c *Config) { c.CacheBackend = "redis"; c.RedisURL = "" }, "REDIS_URL"},
		{"unknown backend", func(c *Config) { c.CacheBackend = "disk" }, "CACHE_BACKEND"},
		{"no sources", func(c *Config) { c.Sources = nil }, "SOURCES"},
		{"empty source id", func(c *Config) { c.Sources[0].ID = "" }, "SOURCES"},
		{"duplicate source id", func(c *Config) { c.Sources[1].ID = c.Sources[0].ID }, "SOURCES"},
		{"unknown tier", func(c *Config) { c.Sources[0].Tier = "extreme" }, "SOURCES"},
		{"unknown policy", func(c *Config) { c.Sources[0].Policy = "panic" }, "SOURCES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Sources = append([]failover.Definition(nil), base.Sources...)
			tc.mutate(&cfg)
			var cfgErr *market.ConfigError
			if err := cfg.Validate(); !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			} else if cfgErr.Field != tc.field {
				t.Fatalf("field = %s, want %s", cfgErr.Field, tc.field)
			}
		})
	}
}

func TestValidateDefaultsOpenTierAndPolicy(t *testing.T) {
	t.Setenv("POLL_BASE_URL", "https://quotes.example.com")
	t.Setenv("SOURCES", "alpha")

	cfg := LoadConfig()
	if len(cfg.Sources) != 1 || cfg.Sources[0].Tier != "" || cfg.Sources[0].Policy != "" {
		t.Fatalf("bare source should leave tier and policy open: %+v", cfg.Sources)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bare source should validate: %v", err)
	}
}
