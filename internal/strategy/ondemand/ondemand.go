package ondemand

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

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/pkg/clients"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	defaultQuotePath = "/api/v1/quotes"
	defaultTimeout   = 8 * time.Second
	maxBodyBytes     = 4 << 20
)

// Config configures the single-shot strategy.
type Config struct {
	Name       string
	BaseURL    string
	QuotePath  string
	Timeout    time.Duration
	Priority   int
	Categories []market.Category
	Client     *http.Client
	Logger     logging.Logger
}

// Strategy performs single-shot fetches with a minimal footprint: one short
// retry, no circuit breaker, no held connections beyond the pooled transport.
type Strategy struct {
	name       string
	baseURL    string
	quotePath  string
	priority   int
	categories []market.Category
	client     *http.Client
	logger     logging.Logger

	mu          sync.RWMutex
	started     bool
	lastErr     error
	lastSuccess time.Time
}

// New creates an on-demand strategy.
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
	return &Strategy{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		quotePath:  cfg.QuotePath,
		priority:   cfg.Priority,
		categories: cfg.Categories,
		client:     cfg.Client,
		logger:     cfg.Logger,
	}
}

// Descriptor returns the routing descriptor for this strategy.
func (s *Strategy) Descriptor() strategy.Descriptor {
	return strategy.Descriptor{
		Name:       s.name,
		Kind:       market.SourceOnDemand,
		Priority:   s.priority,
		Categories: s.categories,
	}
}

func (s *Strategy) Fetch(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	if !s.Available() {
		return nil, market.NewFetchError(category, market.ReasonClosed, errors.New("strategy not serving"))
	}

	endpoint := s.quoteURL(category, params)

	// One immediate retry on transient failure keeps the footprint small
	// while absorbing the common blip.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		item, err := s.fetchOnce(ctx, category, endpoint)
		if err == nil {
			s.recordSuccess()
			return item, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, market.ErrFetchTimeout) || ctx.Err() != nil {
			break
		}
	}
	s.recordFailure(lastErr)
	return nil, lastErr
}

func (s *Strategy) fetchOnce(ctx context.Context, category market.Category, endpoint string) (*market.FetchedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, market.NewFetchError(category, market.ReasonTransport, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", market.ErrFetchTimeout, endpoint)
		}
		return nil, market.NewFetchError(category, market.ReasonTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, market.NewFetchError(category, market.ReasonUpstream,
			fmt.Errorf("provider returned status: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, market.NewFetchError(category, market.ReasonTransport, err)
	}
	if !json.Valid(body) {
		return nil, market.NewFetchError(category, market.ReasonParse, errors.New("response is not valid JSON"))
	}

	return market.NewItem(category, body, market.QualityExcellent, market.SourceOnDemand), nil
}

// Stream is unsupported; on-demand has no live feed.
func (s *Strategy) Stream(market.Category) <-chan *market.FetchedItem {
	return nil
}

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
		}).Info("On-demand strategy started")
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
		Connected:   s.started,
		LastSuccess: s.lastSuccess,
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
