package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/pkg/clients"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	defaultQuotePath = "/api/v1/quotes"
	defaultTimeout   = 10 * time.Second
	maxBodyBytes     = 4 << 20
)

// APIError reports a non-OK provider response.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status: %d", e.StatusCode)
}

// Config configures a polling strategy against one provider endpoint.
type Config struct {
	Name       string
	BaseURL    string
	QuotePath  string
	Timeout    time.Duration
	Priority   int
	Categories []market.Category

	// Executor tunes retry behavior; zero value takes defaults.
	Executor clients.HTTPExecutorConfig
	// Breaker tunes the circuit breaker; nil takes defaults named after
	// the strategy.
	Breaker *clients.CircuitBreakerConfig

	Client *http.Client
	Logger logging.Logger
}

// Strategy polls provider HTTP endpoints with retry and a circuit breaker.
type Strategy struct {
	name        string
	baseURL     string
	quotePath   string
	priority    int
	categories  []market.Category
	client      *http.Client
	executor    failsafe.Executor[*http.Response]
	shouldRetry func(resp *http.Response, err error) bool
	breaker     *clients.CircuitBreaker
	logger      logging.Logger

	mu          sync.RWMutex
	started     bool
	lastErr     error
	lastSuccess time.Time
}

// New creates a polling strategy.
func New(cfg Config) *Strategy {
	if cfg.QuotePath == "" {
		cfg.QuotePath = defaultQuotePath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = clients.NewHTTPClient(cfg.Timeout)
	}

	breakerCfg := clients.DefaultCircuitBreakerConfig()
	breakerCfg.Name = cfg.Name
	breakerCfg.Logger = cfg.Logger
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}
	breaker := clients.NewCircuitBreaker(breakerCfg)

	execCfg := cfg.Executor
	if execCfg.MaxRetries == 0 && execCfg.BaseDelay == 0 && execCfg.MaxDelay == 0 && execCfg.ShouldRetry == nil {
		execCfg = clients.DefaultHTTPExecutorConfig()
	}
	if execCfg.ShouldRetry == nil {
		execCfg.ShouldRetry = clients.DefaultShouldRetry
	}

	return &Strategy{
		name:        cfg.Name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		quotePath:   cfg.QuotePath,
		priority:    cfg.Priority,
		categories:  cfg.Categories,
		client:      cfg.Client,
		executor:    clients.NewHTTPExecutor(execCfg),
		shouldRetry: execCfg.ShouldRetry,
		breaker:     breaker,
		logger:      cfg.Logger,
	}
}

// Descriptor returns the routing descriptor for this strategy.
func (s *Strategy) Descriptor() strategy.Descriptor {
	return strategy.Descriptor{
		Name:       s.name,
		Kind:       market.SourcePoll,
		Priority:   s.priority,
		Categories: s.categories,
	}
}

func (s *Strategy) Fetch(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	if !s.Available() {
		return nil, market.NewFetchError(category, market.ReasonClosed, errors.New("strategy not serving"))
	}

	// The breaker wraps the whole request so an open circuit rejects
	// immediately and half-open probes happen on their own once the
	// delay elapses.
	var item *market.FetchedItem
	err := s.breaker.Call(func() error {
		var fetchErr error
		item, fetchErr = s.doFetch(ctx, category, params)
		return fetchErr
	})
	if err != nil {
		if clients.IsCircuitOpen(err) {
			err = market.NewFetchError(category, market.ReasonClosed, err)
		}
		s.recordFailure(err)
		return nil, err
	}

	s.recordSuccess()
	return item, nil
}

func (s *Strategy) doFetch(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	endpoint := s.quoteURL(category, params)
	resp, err := clients.ExecuteHTTP(ctx, s.executor, func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		r, doErr := s.client.Do(req)
		if s.shouldRetry != nil && s.shouldRetry(r, doErr) {
			if r != nil && r.Body != nil {
				_ = r.Body.Close()
			}
		}
		return r, doErr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", market.ErrFetchTimeout, endpoint)
		}
		return nil, market.NewFetchError(category, market.ReasonTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, market.NewFetchError(category, market.ReasonUpstream, &APIError{StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, market.NewFetchError(category, market.ReasonTransport, err)
	}
	if !json.Valid(body) {
		return nil, market.NewFetchError(category, market.ReasonParse, errors.New("response is not valid JSON"))
	}

	return market.NewItem(category, body, market.QualityExcellent, market.SourcePoll), nil
}

// Stream is unsupported; polling has no live feed.
func (s *Strategy) Stream(market.Category) <-chan *market.FetchedItem {
	return nil
}

// Available reports only whether the strategy is started. An open circuit
// is not a hard exclusion: rejected fetches fail fast, and hiding the
// strategy from the router would starve the half-open probe that closes
// the breaker again.
func (s *Strategy) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Strategy) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"strategy": s.name,
			"base_url": s.baseURL,
		}).Info("Poll strategy started")
	}
	return nil
}

func (s *Strategy) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Strategy) Health() strategy.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := strategy.Health{
		Connected:   s.started && !s.breaker.IsOpen(),
		LastSuccess: s.lastSuccess,
		Extra: map[string]string{
			"circuit": s.breaker.State().String(),
		},
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

func (s *Strategy) quoteURL(category market.Category, params market.Params) string {
	q := url.Values{}
	q.Set("category", string(category))
	if len(params.Keys) > 0 {
		q.Set("keys", strings.Join(params.Keys, ","))
	}
	for k, v := range params.Extra {
		q.Set(k, v)
	}
	return s.baseURL + s.quotePath + "?" + q.Encode()
}

func (s *Strategy) recordSuccess() {
	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Strategy) recordFailure(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
