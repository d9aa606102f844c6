package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/139QQ/Baostock-sub011/internal/activity"
	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/internal/routing"
	"github.com/139QQ/Baostock-sub011/internal/scheduler"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/internal/stream"
	"github.com/139QQ/Baostock-sub011/pkg/cache"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const defaultFetchTimeout = 10 * time.Second

// ErrUnknownCategory marks a request for a category the registry does not
// know.
var ErrUnknownCategory = errors.New("unknown category")

// Config wires the engine's collaborators. Categories, Strategies, and
// Cache are required; everything else gets a working default.
type Config struct {
	Categories *market.Registry
	Strategies *strategy.Registry
	Cache      cache.Store

	// Performance and Activity default to fresh trackers; supply them to
	// share state with tests or a warm restart.
	Performance *routing.Tracker
	Activity    *activity.Tracker
	// Adjuster defaults to one with standard tuning over Activity.
	Adjuster *activity.Adjuster
	// Failover is optional; without it every fetch is attributed to no
	// source and quality passes through untouched.
	Failover *failover.Manager
	// Hub defaults to a new stream hub owned by the engine.
	Hub *stream.Hub
	// Network defaults to a static ethernet snapshot.
	Network market.StatusProvider

	Scheduler scheduler.Config
	Batch     scheduler.BatchConfig

	// FetchTimeout bounds each on-demand Fetch end to end.
	FetchTimeout time.Duration
	Clock        clock.Clock
	Logger       logging.Logger
	Metrics      *metrics.Metrics
}

// Engine is the acquisition façade. It routes each request to a strategy,
// records the outcome into the performance and activity trackers, feeds the
// failover manager, caches what it fetched, and broadcasts new data to
// stream subscribers. Polling tasks execute through the same pipeline.
type Engine struct {
	categories  *market.Registry
	strategies  *strategy.Registry
	router      *routing.Router
	performance *routing.Tracker
	activity    *activity.Tracker
	adjuster    *activity.Adjuster
	failover    *failover.Manager
	hub         *stream.Hub
	network     market.StatusProvider
	cache       *itemCache
	scheduler   *scheduler.Scheduler
	batcher     *scheduler.Batcher
	clk         clock.Clock
	logger      logging.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration

	flight singleflight.Group

	mu        sync.Mutex
	lastHash  map[market.Category]uint64
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an engine from the config. The scheduler and batcher are
// constructed here so their executions run through the engine's pipeline.
func New(cfg Config) (*Engine, error) {
	if cfg.Categories == nil {
		return nil, &market.ConfigError{Field: "engine.categories", Reason: "must not be nil"}
	}
	if cfg.Strategies == nil {
		return nil, &market.ConfigError{Field: "engine.strategies", Reason: "must not be nil"}
	}
	if cfg.Cache == nil {
		return nil, &market.ConfigError{Field: "engine.cache", Reason: "must not be nil"}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Network == nil {
		cfg.Network = market.StaticNetwork{Kind: market.NetworkEthernet}
	}
	if cfg.Performance == nil {
		cfg.Performance = routing.NewTrackerWithClock(clk)
	}
	if cfg.Activity == nil {
		cfg.Activity = activity.NewTracker(activity.WithClock(clk))
	}
	if cfg.Adjuster == nil {
		cfg.Adjuster = activity.NewAdjuster(activity.DefaultAdjusterConfig(), cfg.Activity, cfg.Logger,
			activity.WithAdjusterClock(clk), activity.WithAdjusterMetrics(cfg.Metrics))
	}
	if cfg.Hub == nil {
		cfg.Hub = stream.NewHub(cfg.Logger, cfg.Metrics)
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	e := &Engine{
		categories:  cfg.Categories,
		strategies:  cfg.Strategies,
		performance: cfg.Performance,
		activity:    cfg.Activity,
		adjuster:    cfg.Adjuster,
		failover:    cfg.Failover,
		hub:         cfg.Hub,
		network:     cfg.Network,
		cache:       newItemCache(cfg.Cache, clk),
		clk:         clk,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		timeout:     timeout,
		lastHash:    make(map[market.Category]uint64),
	}
	e.router = routing.NewRouter(routing.Config{
		Strategies: cfg.Strategies,
		Categories: cfg.Categories,
		Tracker:    cfg.Performance,
		Network:    cfg.Network,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})

	schedCfg := cfg.Scheduler
	if schedCfg.Adjuster == nil {
		schedCfg.Adjuster = cfg.Adjuster
	}
	if schedCfg.Clock == nil {
		schedCfg.Clock = clk
	}
	if schedCfg.Logger == nil {
		schedCfg.Logger = cfg.Logger
	}
	if schedCfg.Metrics == nil {
		schedCfg.Metrics = cfg.Metrics
	}
	e.scheduler = scheduler.New(e, schedCfg)

	batchCfg := cfg.Batch
	if batchCfg.Logger == nil {
		batchCfg.Logger = cfg.Logger
	}
	if batchCfg.Metrics == nil {
		batchCfg.Metrics = cfg.Metrics
	}
	e.batcher = scheduler.NewBatcher(scheduler.RunnerFunc(e.runOnce), batchCfg)

	return e, nil
}

// Start brings up strategies, the stream hub, the failover manager, and the
// polling scheduler, then begins forwarding push feeds into the hub.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.started = true
	e.startedAt = e.clk.Now()
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.strategies.StartAll(runCtx); err != nil {
		cancel()
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("start strategies: %w", err)
	}
	e.hub.Start()
	if e.failover != nil {
		e.failover.Start()
	}
	if err := e.scheduler.Start(); err != nil {
		cancel()
		e.strategies.StopAll()
		e.hub.Stop()
		if e.failover != nil {
			e.failover.Stop()
		}
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("start scheduler: %w", err)
	}
	e.forwardStreams(runCtx)

	if e.logger != nil {
		e.logger.WithFields(logging.Fields{
			"categories": len(e.categories.All()),
			"strategies": len(e.strategies.All()),
		}).Info("Engine started")
	}
	return nil
}

// Stop tears the engine down in reverse order of Start and drains the push
// forwarders before closing the hub.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.scheduler.Stop()
	if e.failover != nil {
		e.failover.Stop()
	}
	e.strategies.StopAll()
	e.wg.Wait()
	e.hub.Stop()

	if e.logger != nil {
		e.logger.Info("Engine stopped")
	}
}

// FetchOption adjusts one Fetch call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	urgency    routing.Urgency
	preference market.SourceKind
	bypass     bool
}

// WithUrgency sets the request urgency the router weighs.
func WithUrgency(u routing.Urgency) FetchOption {
	return func(o *fetchOptions) { o.urgency = u }
}

// WithPreference pins routing to a strategy kind when one is available.
func WithPreference(kind market.SourceKind) FetchOption {
	return func(o *fetchOptions) { o.preference = kind }
}

// WithRefresh skips the cache read and forces a live fetch.
func WithRefresh() FetchOption {
	return func(o *fetchOptions) { o.bypass = true }
}

// Fetch acquires data for a category, cache-aside. A TTL-fresh cache entry
// is returned without touching any strategy. On a miss the fetch is
// deduplicated per cache key, so concurrent callers share one upstream
// request. If the live fetch fails and a stale-but-servable entry exists,
// the stale entry is served instead of the error.
func (e *Engine) Fetch(ctx context.Context, category market.Category, params market.Params, opts ...FetchOption) (*market.FetchedItem, error) {
	var fo fetchOptions
	for _, opt := range opts {
		opt(&fo)
	}
	if _, ok := e.categories.Get(category); !ok {
		return nil, fmt.Errorf("fetch %s: %w", category, ErrUnknownCategory)
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, e.timeout)
	defer cancelTimeout()

	key := cacheKey(category, params)
	var stale *market.FetchedItem
	if !fo.bypass {
		if item, fresh, ok := e.cache.get(ctx, key); ok {
			if fresh {
				e.countFetch(category, "cache", "hit")
				out := *item
				out.Source = market.SourceCache
				return &out, nil
			}
			stale = item
		}
	}

	rc := routing.RequestContext{
		Urgency:    fo.urgency,
		Preference: fo.preference,
		Network:    e.network.Snapshot(),
	}
	v, err, _ := e.flight.Do(key, func() (interface{}, error) {
		return e.execute(ctx, category, params, rc)
	})
	if err != nil {
		if stale != nil {
			e.countFetch(category, "cache", "stale")
			if e.logger != nil {
				e.logger.WithFields(logging.Fields{
					"category": category,
					"error":    err.Error(),
				}).Warn("Serving stale cache entry after refresh failure")
			}
			out := *stale
			out.Source = market.SourceCache
			return &out, nil
		}
		return nil, err
	}
	return v.(*market.FetchedItem), nil
}

// FetchBatch acquires a batchable category in bounded chunks. Partial
// coverage returns the result alongside a BatchPartialError.
func (e *Engine) FetchBatch(ctx context.Context, category market.Category, params market.Params) (*scheduler.BatchResult, error) {
	info, ok := e.categories.Get(category)
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", category, ErrUnknownCategory)
	}
	if !info.Batchable {
		return nil, &market.ConfigError{Field: "category." + string(category), Reason: "not batchable"}
	}
	return e.batcher.ProcessChunked(ctx, category, params, info.BatchSize)
}

// Run executes one scheduled poll through the fetch pipeline. Key sets
// larger than the category's batch size go through the batcher; partial
// batch coverage counts as success so the task is not retried for chunks
// that already landed.
func (e *Engine) Run(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	if info, ok := e.categories.Get(category); ok && info.Batchable && len(params.Keys) > info.BatchSize {
		res, err := e.batcher.ProcessChunked(ctx, category, params, info.BatchSize)
		if err != nil {
			var partial *market.BatchPartialError
			if errors.As(err, &partial) && res != nil && len(res.Items) > 0 {
				return res.Items[0], nil
			}
			return nil, err
		}
		if len(res.Items) > 0 {
			return res.Items[0], nil
		}
		return nil, fmt.Errorf("batch %s: empty result", category)
	}
	return e.runOnce(ctx, category, params)
}

// runOnce is the batcher's chunk runner: one routed fetch with a neutral
// request context.
func (e *Engine) runOnce(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	return e.execute(ctx, category, params, routing.RequestContext{Network: e.network.Snapshot()})
}

// execute is the single write path: route, fetch, record outcomes, cap
// quality at the active source's effective level, cache, broadcast.
func (e *Engine) execute(ctx context.Context, category market.Category, params market.Params, rc routing.RequestContext) (*market.FetchedItem, error) {
	picked, err := e.router.Select(category, rc)
	if err != nil {
		e.countFetch(category, "none", "rejected")
		return nil, err
	}

	start := e.clk.Now()
	item, fetchErr := picked.Impl.Fetch(ctx, category, params)
	latencyMs := float64(e.clk.Since(start)) / float64(time.Millisecond)
	outcome := market.OutcomeFromError(fetchErr, latencyMs)

	e.performance.RecordOutcome(picked.Name, outcome.Success(), latencyMs)
	if e.failover != nil {
		if id := e.failover.ActiveID(); id != "" {
			_ = e.failover.RecordOutcome(id, outcome.Success())
		}
	}

	if fetchErr != nil {
		e.activity.Record(category, false, latencyMs, false)
		e.countFetch(category, picked.Name, string(outcome.Kind))
		if e.logger != nil {
			e.logger.WithFields(logging.Fields{
				"category": category,
				"strategy": picked.Name,
				"error":    fetchErr.Error(),
			}).Warn("Fetch failed")
		}
		return nil, fmt.Errorf("fetch %s via %s: %w", category, picked.Name, fetchErr)
	}

	hash := item.PayloadHash()
	e.mu.Lock()
	prev, seen := e.lastHash[category]
	e.lastHash[category] = hash
	e.mu.Unlock()
	hadChange := !seen || prev != hash

	e.activity.Record(category, true, latencyMs, hadChange)
	item = e.capQuality(item)

	if info, ok := e.categories.Get(category); ok {
		if putErr := e.cache.put(ctx, cacheKey(category, params), item, info.CacheTTL); putErr != nil && e.logger != nil {
			e.logger.WithFields(logging.Fields{
				"category": category,
				"error":    putErr.Error(),
			}).Warn("Cache store failed")
		}
	}
	e.hub.Publish(item)

	e.countFetch(category, picked.Name, "success")
	if e.metrics != nil && e.metrics.FetchDuration != nil {
		e.metrics.FetchDuration.WithLabelValues(string(category), picked.Name).Observe(latencyMs / 1000)
	}
	if e.logger != nil {
		e.logger.WithFields(logging.Fields{
			"category":   category,
			"strategy":   picked.Name,
			"latency_ms": latencyMs,
			"quality":    item.Quality,
			"changed":    hadChange,
		}).Debug("Fetch completed")
	}
	return item, nil
}

// capQuality lowers the item's quality to the active source's effective
// quality when that source has been gradually degraded.
func (e *Engine) capQuality(item *market.FetchedItem) *market.FetchedItem {
	if e.failover == nil {
		return item
	}
	active, ok := e.failover.Active()
	if !ok {
		return item
	}
	eff := active.State.EffectiveQuality
	if eff == "" || eff.Rank() >= item.Quality.Rank() {
		return item
	}
	out := *item
	out.Quality = eff
	return &out
}

// forwardStreams pumps every push feed into the hub. Pushed frames refresh
// the cache and the change fingerprint so the next poll compares against
// the freshest payload, but they do not feed the activity tracker; that
// stays the polling loop's own signal.
func (e *Engine) forwardStreams(ctx context.Context) {
	for _, reg := range e.strategies.All() {
		for _, info := range e.categories.All() {
			if !reg.Serves(info.ID) {
				continue
			}
			ch := reg.Impl.Stream(info.ID)
			if ch == nil {
				continue
			}
			e.wg.Add(1)
			go e.pumpStream(ctx, ch)
		}
	}
}

func (e *Engine) pumpStream(ctx context.Context, ch <-chan *market.FetchedItem) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			if item == nil {
				continue
			}
			e.mu.Lock()
			e.lastHash[item.Category] = item.PayloadHash()
			e.mu.Unlock()
			item = e.capQuality(item)
			if info, ok := e.categories.Get(item.Category); ok {
				_ = e.cache.put(ctx, string(item.Category), item, info.CacheTTL)
			}
			e.hub.Publish(item)
		}
	}
}

// Refresh forces a live fetch for a category, reusing the polling task's
// params when one is registered.
func (e *Engine) Refresh(ctx context.Context, category market.Category) (*market.FetchedItem, error) {
	var params market.Params
	if task, ok := e.scheduler.Task(category); ok {
		params = task.Params
	}
	return e.Fetch(ctx, category, params, WithRefresh())
}

// RegisterTask registers a polling task, defaulting a missing interval to
// the category's configured one.
func (e *Engine) RegisterTask(task scheduler.PollingTask) error {
	info, ok := e.categories.Get(task.Category)
	if !ok {
		return fmt.Errorf("register %s: %w", task.Category, ErrUnknownCategory)
	}
	if task.Interval <= 0 {
		task.Interval = info.DefaultInterval
	}
	return e.scheduler.RegisterTask(task)
}

// SeedTasks registers an enabled polling task for every known category at
// its default interval. Categories that already have a task are left alone.
func (e *Engine) SeedTasks() error {
	for _, info := range e.categories.All() {
		if _, ok := e.scheduler.Task(info.ID); ok {
			continue
		}
		task := scheduler.PollingTask{
			Category: info.ID,
			Interval: info.DefaultInterval,
			Enabled:  true,
		}
		if err := e.scheduler.RegisterTask(task); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterTask removes a polling task.
func (e *Engine) UnregisterTask(category market.Category) error {
	return e.scheduler.UnregisterTask(category)
}

// AdjustInterval changes a task's polling interval.
func (e *Engine) AdjustInterval(category market.Category, interval time.Duration) error {
	return e.scheduler.AdjustInterval(category, interval)
}

// SetTaskEnabled pauses or resumes a polling task.
func (e *Engine) SetTaskEnabled(category market.Category, enabled bool) error {
	return e.scheduler.SetEnabled(category, enabled)
}

// Task returns one polling task snapshot.
func (e *Engine) Task(category market.Category) (scheduler.PollingTask, bool) {
	return e.scheduler.Task(category)
}

// Tasks returns all polling task snapshots.
func (e *Engine) Tasks() []scheduler.PollingTask {
	return e.scheduler.Tasks()
}

// ManualSwitch forces the active data source.
func (e *Engine) ManualSwitch(id failover.SourceID) error {
	if e.failover == nil {
		return fmt.Errorf("switch %s: %w", id, failover.ErrUnknownSource)
	}
	return e.failover.ManualSwitch(id)
}

// ResetSource clears a source's failure state.
func (e *Engine) ResetSource(id failover.SourceID) error {
	if e.failover == nil {
		return fmt.Errorf("reset %s: %w", id, failover.ErrUnknownSource)
	}
	return e.failover.ResetCounters(id)
}

// ActiveSourceID reports the active data source, or empty when no manager
// is configured.
func (e *Engine) ActiveSourceID() failover.SourceID {
	if e.failover == nil {
		return ""
	}
	return e.failover.ActiveID()
}

// Sources returns every registered data source.
func (e *Engine) Sources() []failover.SourceView {
	if e.failover == nil {
		return nil
	}
	return e.failover.Snapshot()
}

// SourceEvents returns the degradation audit history.
func (e *Engine) SourceEvents() []failover.Event {
	if e.failover == nil {
		return nil
	}
	return e.failover.Events()
}

// Subscribe attaches an in-process subscriber to a category's feed.
func (e *Engine) Subscribe(category market.Category) *stream.Subscription {
	return e.hub.Subscribe(category)
}

// Hub exposes the stream hub for websocket handlers.
func (e *Engine) Hub() *stream.Hub {
	return e.hub
}

// Categories returns the category registry contents.
func (e *Engine) Categories() []market.CategoryInfo {
	return e.categories.All()
}

// Adjustments returns the interval adjustment audit history.
func (e *Engine) Adjustments() []activity.Adjustment {
	return e.adjuster.History()
}

func (e *Engine) countFetch(category market.Category, strategyName, status string) {
	if e.metrics == nil || e.metrics.FetchesTotal == nil {
		return
	}
	e.metrics.FetchesTotal.WithLabelValues(string(category), strategyName, status).Inc()
}
