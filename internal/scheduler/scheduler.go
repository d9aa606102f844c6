package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/139QQ/Baostock-sub011/internal/activity"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	defaultTick          = time.Second
	defaultMaxConcurrent = 5
	defaultFetchTimeout  = 10 * time.Second
	defaultMaxRetries    = 3

	// retryBackoffCap bounds the short retry delay after a failed
	// execution; the task's own interval takes over past exhaustion.
	retryBackoffCap = 30 * time.Second
)

// Dispatch results reported to metrics.
const (
	resultSuccess   = "success"
	resultRetry     = "retry"
	resultExhausted = "retry_exhausted"
)

// ErrUnknownTask is returned for operations on an unregistered category.
var ErrUnknownTask = errors.New("unknown polling task")

// Runner executes one acquisition on behalf of the scheduler. The engine
// implements it with the full route-fetch-record pipeline.
type Runner interface {
	Run(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error)

func (f RunnerFunc) Run(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	return f(ctx, category, params)
}

// Config tunes the scheduler.
type Config struct {
	// Tick is the dispatch granularity.
	Tick time.Duration
	// MaxConcurrent bounds simultaneously executing tasks.
	MaxConcurrent int64
	// FetchTimeout bounds each execution.
	FetchTimeout time.Duration
	// Adjuster, when set, retunes task intervals from observed activity.
	Adjuster *activity.Adjuster
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

// Scheduler dispatches registered polling tasks when they come due. Tasks
// live in a min-heap keyed by next execution time; a ticker drains the due
// prefix each tick and a weighted semaphore bounds concurrent executions.
type Scheduler struct {
	runner   Runner
	adjuster *activity.Adjuster
	clk      clock.Clock
	logger   logging.Logger
	metrics  *metrics.Metrics
	tick     time.Duration
	timeout  time.Duration
	gate     *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[market.Category]*PollingTask
	heap    taskHeap
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that executes tasks through runner.
func New(runner Runner, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scheduler{
		runner:   runner,
		adjuster: cfg.Adjuster,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tick:     cfg.Tick,
		timeout:  cfg.FetchTimeout,
		gate:     semaphore.NewWeighted(cfg.MaxConcurrent),
		tasks:    make(map[market.Category]*PollingTask),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() error {
	if s.runner == nil {
		return &market.ConfigError{Field: "scheduler.runner", Reason: "must not be nil"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// The ticker is created before Start returns so tests driving a mock
	// clock cannot advance past the first tick.
	ticker := s.clk.Ticker(s.tick)
	s.wg.Add(1)
	go s.run(ticker)
	return nil
}

// Stop halts dispatching and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

// dispatchDue drains every heap entry at or before now. Entries whose time
// no longer matches their task are stale reschedules and are dropped.
func (s *Scheduler) dispatchDue() {
	now := s.clk.Now()
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		e := heap.Pop(&s.heap).(entry)
		task, ok := s.tasks[e.category]
		if !ok || task.inFlight || !task.Enabled || !e.at.Equal(task.NextExecutionAt) {
			continue
		}
		task.inFlight = true
		s.wg.Add(1)
		go s.execute(e.category, task.Params.Clone())
	}
	s.mu.Unlock()
}

func (s *Scheduler) execute(category market.Category, params market.Params) {
	defer s.wg.Done()

	if err := s.gate.Acquire(s.ctx, 1); err != nil {
		s.mu.Lock()
		if task, ok := s.tasks[category]; ok {
			task.inFlight = false
		}
		s.mu.Unlock()
		return
	}
	defer s.gate.Release(1)
	if s.metrics != nil && s.metrics.DispatchGateInUse != nil {
		s.metrics.DispatchGateInUse.Inc()
		defer s.metrics.DispatchGateInUse.Dec()
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	_, err := s.runner.Run(ctx, category, params)
	cancel()
	s.complete(category, err)
}

// complete folds one execution result into the task and schedules its next
// run. Success resets the failure streak and consults the adjuster; a
// failure inside the retry budget gets a short backoff; exhausting the
// budget widens the interval and starts the streak over.
func (s *Scheduler) complete(category market.Category, err error) {
	now := s.clk.Now()

	s.mu.Lock()
	task, ok := s.tasks[category]
	if !ok {
		s.mu.Unlock()
		return
	}
	task.inFlight = false
	task.ExecutionCount++
	task.LastExecutedAt = now

	var result string
	switch {
	case err == nil:
		task.SuccessCount++
		task.FailureCount = 0
		task.LastError = ""
		if s.adjuster != nil {
			if next, changed := s.adjuster.Apply(category, task.Interval); changed {
				task.Interval = next
			}
		}
		task.NextExecutionAt = now.Add(task.Interval)
		result = resultSuccess
	case task.FailureCount+1 >= task.MaxRetries:
		task.FailureCount = 0
		task.LastError = err.Error()
		if s.adjuster != nil {
			if next, changed := s.adjuster.WidenOnFailure(category, task.Interval); changed {
				task.Interval = next
			}
		}
		task.NextExecutionAt = now.Add(task.Interval)
		result = resultExhausted
	default:
		task.FailureCount++
		task.LastError = err.Error()
		task.NextExecutionAt = now.Add(retryDelay(task.Interval))
		result = resultRetry
	}
	heap.Push(&s.heap, entry{category: category, at: task.NextExecutionAt})
	interval := task.Interval
	next := task.NextExecutionAt
	s.mu.Unlock()

	if s.metrics != nil && s.metrics.SchedulerDispatches != nil {
		s.metrics.SchedulerDispatches.WithLabelValues(string(category), result).Inc()
	}
	if s.logger == nil {
		return
	}
	fields := logging.Fields{
		"category": string(category),
		"result":   result,
		"interval": interval.String(),
		"next":     next,
	}
	switch result {
	case resultExhausted:
		s.logger.WithFields(fields).WithField("error", err.Error()).Warn("Polling task exhausted retries")
	case resultRetry:
		s.logger.WithFields(fields).WithField("error", err.Error()).Debug("Polling task failed, retrying")
	default:
		s.logger.WithFields(fields).Debug("Polling task executed")
	}
}

// retryDelay is the short backoff applied inside the retry budget.
func retryDelay(interval time.Duration) time.Duration {
	d := interval / 4
	if d > retryBackoffCap {
		return retryBackoffCap
	}
	return d
}

// RegisterTask adds a task. Its first execution is due immediately.
func (s *Scheduler) RegisterTask(task PollingTask) error {
	if task.Category == "" {
		return &market.ConfigError{Field: "task.category", Reason: "must not be empty"}
	}
	if task.Interval <= 0 {
		return &market.ConfigError{Field: "task.interval", Reason: "must be positive"}
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = defaultMaxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Category]; exists {
		return &market.ConfigError{Field: "task.category", Reason: fmt.Sprintf("%q already registered", task.Category)}
	}
	task.NextExecutionAt = s.clk.Now()
	task.inFlight = false
	t := task
	s.tasks[t.Category] = &t
	heap.Push(&s.heap, entry{category: t.Category, at: t.NextExecutionAt})
	s.setActiveGauge(t.Category, t.Enabled)

	if s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"category": string(t.Category),
			"interval": t.Interval.String(),
			"enabled":  t.Enabled,
		}).Info("Polling task registered")
	}
	return nil
}

func (s *Scheduler) setActiveGauge(category market.Category, enabled bool) {
	if s.metrics == nil || s.metrics.ActiveCategories == nil {
		return
	}
	v := 0.0
	if enabled {
		v = 1.0
	}
	s.metrics.ActiveCategories.WithLabelValues(string(category)).Set(v)
}

// UnregisterTask removes a task. An in-flight execution finishes but is not
// rescheduled.
func (s *Scheduler) UnregisterTask(category market.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[category]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, category)
	}
	delete(s.tasks, category)
	if s.metrics != nil && s.metrics.ActiveCategories != nil {
		s.metrics.ActiveCategories.DeleteLabelValues(string(category))
	}
	if s.logger != nil {
		s.logger.WithField("category", string(category)).Info("Polling task unregistered")
	}
	return nil
}

// AdjustInterval overrides a task's interval and reschedules it.
func (s *Scheduler) AdjustInterval(category market.Category, interval time.Duration) error {
	if interval <= 0 {
		return &market.ConfigError{Field: "task.interval", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, category)
	}
	old := task.Interval
	task.Interval = interval
	if !task.inFlight {
		task.NextExecutionAt = s.clk.Now().Add(interval)
		heap.Push(&s.heap, entry{category: category, at: task.NextExecutionAt})
	}

	if s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"category": string(category),
			"old":      old.String(),
			"new":      interval.String(),
		}).Info("Polling interval overridden")
	}
	return nil
}

// SetEnabled pauses or resumes a task. Resuming schedules a prompt run.
func (s *Scheduler) SetEnabled(category market.Category, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, category)
	}
	if task.Enabled == enabled {
		return nil
	}
	task.Enabled = enabled
	if enabled && !task.inFlight {
		task.NextExecutionAt = s.clk.Now()
		heap.Push(&s.heap, entry{category: category, at: task.NextExecutionAt})
	}
	s.setActiveGauge(category, enabled)

	if s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"category": string(category),
			"enabled":  enabled,
		}).Info("Polling task toggled")
	}
	return nil
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(category market.Category) (PollingTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[category]
	if !ok {
		return PollingTask{}, false
	}
	return task.snapshot(), true
}

// Tasks returns snapshots of every task, ordered by category.
func (s *Scheduler) Tasks() []PollingTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PollingTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
