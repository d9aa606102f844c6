package poll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/pkg/clients"
)

func newStarted(t *testing.T, cfg Config) *Strategy {
	t.Helper()
	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestFetchReturnsDecodedItem(t *testing.T) {
	var gotCategory, gotKeys, gotAdjust string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCategory = r.URL.Query().Get("category")
		gotKeys = r.URL.Query().Get("keys")
		gotAdjust = r.URL.Query().Get("adjust")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"600519.SH","price":1688.0}`))
	}))
	defer srv.Close()

	s := newStarted(t, Config{Name: "eastmoney", BaseURL: srv.URL})
	item, err := s.Fetch(context.Background(), market.CategoryWatchlistQuote, market.Params{
		Keys:  []string{"600519.SH", "000858.SZ"},
		Extra: map[string]string{"adjust": "qfq"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotCategory != "watchlist_quote" {
		t.Fatalf("expected category query param, got %q", gotCategory)
	}
	if gotKeys != "600519.SH,000858.SZ" {
		t.Fatalf("expected joined keys, got %q", gotKeys)
	}
	if gotAdjust != "qfq" {
		t.Fatalf("expected extra param forwarded, got %q", gotAdjust)
	}

	if item.Category != market.CategoryWatchlistQuote {
		t.Fatalf("unexpected category %s", item.Category)
	}
	if item.Source != market.SourcePoll {
		t.Fatalf("unexpected source %s", item.Source)
	}
	if string(item.Payload) != `{"symbol":"600519.SH","price":1688.0}` {
		t.Fatalf("unexpected payload %s", item.Payload)
	}
	if item.ID == "" {
		t.Fatal("expected generated item ID")
	}
}

func TestFetchBeforeStartIsRejected(t *testing.T) {
	s := New(Config{Name: "sina", BaseURL: "http://localhost:0"})
	_, err := s.Fetch(context.Background(), market.CategoryIndexQuote, market.Params{})

	var fe *market.FetchError
	if !errors.As(err, &fe) || fe.Reason != market.ReasonClosed {
		t.Fatalf("expected closed rejection before start, got %v", err)
	}
}

func TestFetchClassifiesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	s := newStarted(t, Config{Name: "sina", BaseURL: srv.URL})
	_, err := s.Fetch(context.Background(), market.CategoryIndexQuote, market.Params{})

	var fe *market.FetchError
	if !errors.As(err, &fe) || fe.Reason != market.ReasonUpstream {
		t.Fatalf("expected upstream classification, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError with 404, got %v", err)
	}
}

func TestFetchClassifiesInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not a quote</html>"))
	}))
	defer srv.Close()

	s := newStarted(t, Config{Name: "tencent", BaseURL: srv.URL})
	_, err := s.Fetch(context.Background(), market.CategorySectorRank, market.Params{})

	var fe *market.FetchError
	if !errors.As(err, &fe) || fe.Reason != market.ReasonParse {
		t.Fatalf("expected parse classification, got %v", err)
	}
}

func TestFetchRetriesServerErrorsToExhaustion(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newStarted(t, Config{
		Name:    "eastmoney",
		BaseURL: srv.URL,
		Executor: clients.HTTPExecutorConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
	})
	_, err := s.Fetch(context.Background(), market.CategoryFundNav, market.Params{})
	if err == nil {
		t.Fatal("expected fetch to fail after retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}

	h := s.Health()
	if h.LastError == "" {
		t.Fatal("expected health to record the failure")
	}
}

func TestFetchMapsDeadlineToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	s := newStarted(t, Config{
		Name:    "baostock",
		BaseURL: srv.URL,
		Executor: clients.HTTPExecutorConfig{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Fetch(ctx, market.CategoryIndexQuote, market.Params{})
	if !errors.Is(err, market.ErrFetchTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
}

func TestBreakerRejectsAfterRepeatedFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	s := newStarted(t, Config{
		Name:    "flaky",
		BaseURL: srv.URL,
		Breaker: &clients.CircuitBreakerConfig{
			Name:         "flaky",
			MinRequests:  4,
			FailureRatio: 0.5,
			Timeout:      time.Minute,
		},
	})

	// Two upstream failures trip the breaker (2 of 4 at 50%).
	for i := 0; i < 2; i++ {
		if _, err := s.Fetch(context.Background(), market.CategoryIndexQuote, market.Params{}); err == nil {
			t.Fatal("expected upstream failure")
		}
	}

	_, err := s.Fetch(context.Background(), market.CategoryIndexQuote, market.Params{})
	var fe *market.FetchError
	if !errors.As(err, &fe) || fe.Reason != market.ReasonClosed {
		t.Fatalf("expected circuit rejection, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected open circuit to skip the provider, got %d attempts", got)
	}

	h := s.Health()
	if h.Extra["circuit"] != "open" {
		t.Fatalf("expected open circuit in health, got %q", h.Extra["circuit"])
	}
	if !s.Available() {
		t.Fatal("open circuit must not hide the strategy; recovery needs probes")
	}
}

func TestStreamIsNilForPolling(t *testing.T) {
	s := New(Config{Name: "eastmoney", BaseURL: "http://localhost:0"})
	if s.Stream(market.CategoryIndexQuote) != nil {
		t.Fatal("polling strategy must not expose a stream")
	}
}
