package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/activity"
	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/pkg/config"
)

// Config stores environment configuration for marketd.
type Config struct {
	Port string

	// Provider endpoints. The push feed is optional; without it the engine
	// runs on polling and on-demand acquisition alone. On-demand falls back
	// to the poll base when not set separately.
	PushFeedURL     string
	PushCategories  []market.Category
	PollBaseURL     string
	QuotePath       string
	OnDemandBaseURL string

	PushPriority     int
	PollPriority     int
	OnDemandPriority int

	FetchTimeout  time.Duration
	SchedulerTick time.Duration
	MaxConcurrent int
	BatchParallel int
	SeedTasks     bool
	WatchlistKeys []string

	// Network probing. The prober measures round-trip latency against
	// ProbeURL so routing can judge push feed suitability.
	ProbeURL       string
	ProbeInterval  time.Duration
	NetworkMetered bool

	Tuning activity.AdjusterConfig

	CacheBackend     string
	RedisURL         string
	CacheStaleWindow time.Duration
	CacheMaxEntries  int

	SourceCheckInterval time.Duration
	SourceEventCap      int
	Sources             []failover.Definition
}

// LoadConfig loads the marketd configuration from environment variables.
func LoadConfig() Config {
	tuning := activity.DefaultAdjusterConfig()
	tuning.SuccessRateFloor = config.GetEnvFloat("TUNE_SUCCESS_RATE_FLOOR", tuning.SuccessRateFloor)
	tuning.LatencyCeilingMs = config.GetEnvFloat("TUNE_LATENCY_CEILING_MS", tuning.LatencyCeilingMs)
	tuning.ChangeFloor = config.GetEnvFloat("TUNE_CHANGE_FLOOR", tuning.ChangeFloor)
	tuning.Step = config.GetEnvFloat("TUNE_STEP", tuning.Step)
	tuning.Sensitivity = config.GetEnvFloat("TUNE_SENSITIVITY", tuning.Sensitivity)
	tuning.MinInterval = config.GetEnvDuration("TUNE_MIN_INTERVAL", tuning.MinInterval)
	tuning.MaxInterval = config.GetEnvDuration("TUNE_MAX_INTERVAL", tuning.MaxInterval)
	tuning.Cooldown = config.GetEnvDuration("TUNE_COOLDOWN", tuning.Cooldown)

	degradeAfter := config.GetEnvInt("SOURCE_DEGRADATION_THRESHOLD", 3)
	recoverAfter := config.GetEnvInt("SOURCE_RECOVERY_THRESHOLD", 2)
	pollBase := config.RequireEnv("POLL_BASE_URL")

	return Config{
		Port:             config.GetEnv("PORT", "18010"),
		PushFeedURL:      config.GetEnv("PUSH_FEED_URL", ""),
		PushCategories:   parseCategories(config.GetEnv("PUSH_CATEGORIES", "index_quote,watchlist_quote")),
		PollBaseURL:      pollBase,
		QuotePath:        config.GetEnv("POLL_QUOTE_PATH", ""),
		OnDemandBaseURL:  config.GetEnv("ONDEMAND_BASE_URL", pollBase),
		PushPriority:     config.GetEnvInt("PUSH_PRIORITY", 3),
		PollPriority:     config.GetEnvInt("POLL_PRIORITY", 2),
		OnDemandPriority: config.GetEnvInt("ONDEMAND_PRIORITY", 1),

		FetchTimeout:  config.GetEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		SchedulerTick: config.GetEnvDuration("SCHEDULER_TICK", time.Second),
		MaxConcurrent: config.GetEnvInt("MAX_CONCURRENT_FETCHES", 5),
		BatchParallel: config.GetEnvInt("BATCH_MAX_CONCURRENT", 3),
		SeedTasks:     config.GetEnvBool("SEED_TASKS", true),
		WatchlistKeys: parseList(config.GetEnv("WATCHLIST_KEYS", "")),

		ProbeURL:       config.GetEnv("PROBE_URL", pollBase),
		ProbeInterval:  config.GetEnvDuration("PROBE_INTERVAL", 30*time.Second),
		NetworkMetered: config.GetEnvBool("NETWORK_METERED", false),

		Tuning: tuning,

		CacheBackend:     config.GetEnv("CACHE_BACKEND", "memory"),
		RedisURL:         config.GetEnv("REDIS_URL", ""),
		CacheStaleWindow: config.GetEnvDuration("CACHE_STALE_WINDOW", 5*time.Minute),
		CacheMaxEntries:  config.GetEnvInt("CACHE_MAX_ENTRIES", 4096),

		SourceCheckInterval: config.GetEnvDuration("SOURCE_CHECK_INTERVAL", 15*time.Second),
		SourceEventCap:      config.GetEnvInt("SOURCE_EVENT_CAP", 200),
		Sources:             parseSources(config.GetEnv("SOURCES", ""), degradeAfter, recoverAfter),
	}
}

// Validate rejects configurations the engine cannot run with. Problems are
// reported as *market.ConfigError so startup can fail before any component
// is built.
func (c Config) Validate() error {
	if c.FetchTimeout <= 0 {
		return &market.ConfigError{Field: "FETCH_TIMEOUT", Reason: "must be positive"}
	}
	if c.SchedulerTick <= 0 {
		return &market.ConfigError{Field: "SCHEDULER_TICK", Reason: "must be positive"}
	}
	if c.MaxConcurrent < 1 {
		return &market.ConfigError{Field: "MAX_CONCURRENT_FETCHES", Reason: "must be at least 1"}
	}
	if c.BatchParallel < 1 {
		return &market.ConfigError{Field: "BATCH_MAX_CONCURRENT", Reason: "must be at least 1"}
	}
	if c.Tuning.MinInterval <= 0 || c.Tuning.MaxInterval < c.Tuning.MinInterval {
		return &market.ConfigError{Field: "TUNE_MIN_INTERVAL", Reason: "intervals must satisfy 0 < min <= max"}
	}
	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return &market.ConfigError{Field: "REDIS_URL", Reason: "required when CACHE_BACKEND=redis"}
		}
	default:
		return &market.ConfigError{Field: "CACHE_BACKEND", Reason: "must be memory or redis, got " + c.CacheBackend}
	}
	if len(c.Sources) == 0 {
		return &market.ConfigError{Field: "SOURCES", Reason: "at least one source is required"}
	}
	seen := make(map[failover.SourceID]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.ID == "" {
			return &market.ConfigError{Field: "SOURCES", Reason: "source id must not be empty"}
		}
		if seen[src.ID] {
			return &market.ConfigError{Field: "SOURCES", Reason: "duplicate source " + string(src.ID)}
		}
		seen[src.ID] = true
		// Empty tier and policy are filled in at registration time.
		if src.Tier != "" && !src.Tier.Valid() {
			return &market.ConfigError{Field: "SOURCES", Reason: fmt.Sprintf("source %s: unknown tier %s", src.ID, src.Tier)}
		}
		if src.Policy != "" && !src.Policy.Valid() {
			return &market.ConfigError{Field: "SOURCES", Reason: fmt.Sprintf("source %s: unknown policy %s", src.ID, src.Policy)}
		}
	}
	return nil
}

func parseList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

func parseCategories(s string) []market.Category {
	var result []market.Category
	for _, item := range parseList(s) {
		result = append(result, market.Category(item))
	}
	return result
}

// parseSources parses "id:tier:policy" triples from a comma-separated list.
// Tier and policy may be left empty to take the registration defaults.
// An empty list yields the standard provider chain.
func parseSources(raw string, degradeAfter, recoverAfter int) []failover.Definition {
	entries := parseList(raw)
	if len(entries) == 0 {
		return defaultSources(degradeAfter, recoverAfter)
	}
	var defs []failover.Definition
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		def := failover.Definition{
			ID:                   failover.SourceID(strings.TrimSpace(parts[0])),
			DegradationThreshold: degradeAfter,
			RecoveryThreshold:    recoverAfter,
		}
		if len(parts) > 1 {
			def.Tier = market.Tier(strings.TrimSpace(parts[1]))
		}
		if len(parts) > 2 {
			def.Policy = failover.Policy(strings.TrimSpace(parts[2]))
		}
		defs = append(defs, def)
	}
	return defs
}

func defaultSources(degradeAfter, recoverAfter int) []failover.Definition {
	return []failover.Definition{
		{ID: "baostock", Name: "Baostock", Tier: market.TierCritical, Policy: failover.PolicyImmediate,
			DegradationThreshold: degradeAfter, RecoveryThreshold: recoverAfter},
		{ID: "eastmoney", Name: "Eastmoney", Tier: market.TierHigh, Policy: failover.PolicyDelayed,
			DegradationThreshold: degradeAfter, RecoveryThreshold: recoverAfter},
		{ID: "sina", Name: "Sina Finance", Tier: market.TierMedium, Policy: failover.PolicyGradual,
			DegradationThreshold: degradeAfter, RecoveryThreshold: recoverAfter},
		{ID: "tencent", Name: "Tencent Finance", Tier: market.TierLow, Policy: failover.PolicyManual,
			DegradationThreshold: degradeAfter, RecoveryThreshold: recoverAfter},
	}
}
