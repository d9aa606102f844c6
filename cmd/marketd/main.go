package main

import (
	"context"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/activity"
	marketdconfig "github.com/139QQ/Baostock-sub011/internal/config"
	"github.com/139QQ/Baostock-sub011/internal/engine"
	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/handlers"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/internal/scheduler"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/internal/strategy/ondemand"
	"github.com/139QQ/Baostock-sub011/internal/strategy/poll"
	"github.com/139QQ/Baostock-sub011/internal/strategy/push"
	"github.com/139QQ/Baostock-sub011/pkg/cache"
	"github.com/139QQ/Baostock-sub011/pkg/config"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
	"github.com/139QQ/Baostock-sub011/pkg/middleware"
	"github.com/139QQ/Baostock-sub011/pkg/monitoring"
	"github.com/139QQ/Baostock-sub011/pkg/redis"
	"github.com/139QQ/Baostock-sub011/pkg/server"
	"github.com/139QQ/Baostock-sub011/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("marketd")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting marketd (adaptive market data engine)")

	cfg := marketdconfig.LoadConfig()
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("marketd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("marketd", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		RoutingDecisions:    metricsCollector.NewCounter("routing_decisions_total", "Strategy selections", []string{"category", "strategy", "reason"}),
		RoutingRejections:   metricsCollector.NewCounter("routing_rejections_total", "Requests no strategy could serve", []string{"category", "reason"}),
		SchedulerDispatches: metricsCollector.NewCounter("scheduler_dispatches_total", "Polling task executions", []string{"category", "result"}),
		DispatchGateInUse:   metricsCollector.NewGauge("dispatch_gate_in_use", "Scheduled executions holding the dispatch gate", nil).WithLabelValues(),
		BatchGateInUse:      metricsCollector.NewGauge("batch_gate_in_use", "Batch chunks holding the batch gate", nil).WithLabelValues(),
		BatchQuality:        metricsCollector.NewCounter("batch_quality_total", "Batch acquisitions by quality grade", []string{"category", "quality"}),
		AdjustmentsTotal:    metricsCollector.NewCounter("interval_adjustments_total", "Applied polling interval changes", []string{"category", "direction"}),
		SourceHealthy:       metricsCollector.NewGauge("source_healthy", "Source health, 1 healthy and 0 degraded", []string{"source"}),
		SourceEvents:        metricsCollector.NewCounter("source_events_total", "Source degradation lifecycle events", []string{"source", "event"}),
		StreamSubscribers:   metricsCollector.NewGauge("stream_subscribers", "Live subscribers per category", []string{"category"}),
		StreamMessages:      metricsCollector.NewCounter("stream_messages_total", "Messages through the stream hub", []string{"category", "direction"}),
	}
	serviceMetrics.FetchesTotal, serviceMetrics.FetchDuration, serviceMetrics.ActiveCategories = metricsCollector.CreateAcquisitionMetrics()
	serviceMetrics.CacheRequests, serviceMetrics.CacheEntries = metricsCollector.CreateCacheMetrics()

	// Build the cache store
	cacheTier := cfg.CacheBackend
	cacheHooks := cache.MetricsHooks{
		OnHit: func(fresh bool) {
			result := "hit"
			if !fresh {
				result = "hit_stale"
			}
			serviceMetrics.CacheRequests.WithLabelValues(cacheTier, result).Inc()
		},
		OnMiss:  func() { serviceMetrics.CacheRequests.WithLabelValues(cacheTier, "miss").Inc() },
		OnStore: func() { serviceMetrics.CacheRequests.WithLabelValues(cacheTier, "store").Inc() },
		OnEvict: func() { serviceMetrics.CacheRequests.WithLabelValues(cacheTier, "evict").Inc() },
	}
	cacheOpts := cache.Options{StaleWindow: cfg.CacheStaleWindow, MaxEntries: cfg.CacheMaxEntries}

	var store cache.Store
	if cfg.CacheBackend == "redis" {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.NewClientFromURL(connectCtx, cfg.RedisURL)
		connectCancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer func() { _ = client.Close() }()
		store = cache.NewRedis(client, "marketd", cacheOpts, cacheHooks)
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(client))
	} else {
		store = cache.NewMemory(cacheOpts, cacheHooks)
	}

	// Register acquisition strategies
	strategies := strategy.NewRegistry()
	if cfg.PushFeedURL != "" {
		feed := push.New(push.Config{
			Name:       "push",
			URL:        cfg.PushFeedURL,
			Priority:   cfg.PushPriority,
			Categories: cfg.PushCategories,
			Logger:     logger,
		})
		if err := strategies.Register(feed.Descriptor(), feed); err != nil {
			logger.WithError(err).Fatal("Failed to register push strategy")
		}
	}
	poller := poll.New(poll.Config{
		Name:      "poll",
		BaseURL:   cfg.PollBaseURL,
		QuotePath: cfg.QuotePath,
		Timeout:   cfg.FetchTimeout,
		Priority:  cfg.PollPriority,
		Logger:    logger,
	})
	if err := strategies.Register(poller.Descriptor(), poller); err != nil {
		logger.WithError(err).Fatal("Failed to register poll strategy")
	}
	snapshot := ondemand.New(ondemand.Config{
		Name:      "ondemand",
		BaseURL:   cfg.OnDemandBaseURL,
		QuotePath: cfg.QuotePath,
		Timeout:   cfg.FetchTimeout,
		Priority:  cfg.OnDemandPriority,
		Logger:    logger,
	})
	if err := strategies.Register(snapshot.Descriptor(), snapshot); err != nil {
		logger.WithError(err).Fatal("Failed to register on-demand strategy")
	}

	// Register data sources for degradation tracking
	sources := failover.NewManager(failover.Config{
		CheckInterval: cfg.SourceCheckInterval,
		EventCap:      cfg.SourceEventCap,
		Logger:        logger,
		Metrics:       serviceMetrics,
	})
	for _, def := range cfg.Sources {
		if err := sources.Register(def); err != nil {
			logger.WithError(err).Fatal("Failed to register data source")
		}
	}

	// Activity tracking with configured tuning thresholds
	activityTracker := activity.NewTracker()
	adjuster := activity.NewAdjuster(cfg.Tuning, activityTracker, logger,
		activity.WithAdjusterMetrics(serviceMetrics))

	// Probe upstream latency so routing can judge push feed suitability
	prober := market.NewProber(market.ProberConfig{
		URL:      cfg.ProbeURL,
		Interval: cfg.ProbeInterval,
		Metered:  cfg.NetworkMetered,
		Logger:   logger,
	})
	prober.Start()

	eng, err := engine.New(engine.Config{
		Categories:   market.DefaultRegistry(),
		Strategies:   strategies,
		Cache:        store,
		Activity:     activityTracker,
		Adjuster:     adjuster,
		Failover:     sources,
		Network:      prober,
		FetchTimeout: cfg.FetchTimeout,
		Scheduler: scheduler.Config{
			Tick:          cfg.SchedulerTick,
			MaxConcurrent: int64(cfg.MaxConcurrent),
			FetchTimeout:  cfg.FetchTimeout,
		},
		Batch: scheduler.BatchConfig{
			MaxConcurrent: int64(cfg.BatchParallel),
		},
		Logger:  logger,
		Metrics: serviceMetrics,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build engine")
	}

	// Add health checks
	healthChecker.AddCheck("poll_upstream", monitoring.UpstreamSourceHealthCheck("poll", cfg.PollBaseURL))
	healthChecker.AddCheck("sources", func() monitoring.CheckResult {
		healthy := 0
		for _, view := range eng.Sources() {
			if view.Available && !view.Degraded {
				healthy++
			}
		}
		if healthy == 0 {
			return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "no healthy data source"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy}
	})
	healthChecker.AddCheck("scheduler", func() monitoring.CheckResult {
		if len(eng.Tasks()) == 0 {
			return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: "no polling tasks registered"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy}
	})
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"POLL_BASE_URL": cfg.PollBaseURL,
		"CACHE_BACKEND": cfg.CacheBackend,
	}))

	// Start the engine and seed polling tasks
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := eng.Start(runCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start engine")
	}

	if len(cfg.WatchlistKeys) > 0 {
		err := eng.RegisterTask(scheduler.PollingTask{
			Category: market.CategoryWatchlistQuote,
			Params:   market.Params{Keys: cfg.WatchlistKeys},
			Enabled:  true,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to register watchlist task")
		}
	}
	if cfg.SeedTasks {
		if err := eng.SeedTasks(); err != nil {
			logger.WithError(err).Fatal("Failed to seed polling tasks")
		}
	}

	// Keep the cache entries gauge current
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := store.Len(runCtx); err == nil {
					serviceMetrics.CacheEntries.WithLabelValues(cacheTier).Set(float64(n))
				}
			}
		}
	}()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "marketd", healthChecker, metricsCollector)

	marketHandlers := handlers.New(eng, logger)
	marketHandlers.RegisterRoutes(router, middleware.ServiceAuthMiddleware(serviceToken))

	// Start server with graceful shutdown; the engine drains after the
	// listener stops accepting requests.
	serverConfig := server.DefaultConfig("marketd", cfg.Port)
	if err := server.StartWithShutdownHook(serverConfig, router, logger, func(context.Context) error {
		cancelRun()
		eng.Stop()
		prober.Stop()
		return nil
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
