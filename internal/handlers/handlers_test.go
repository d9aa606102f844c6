package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/139QQ/Baostock-sub011/internal/engine"
	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/scheduler"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/pkg/cache"
	"github.com/139QQ/Baostock-sub011/pkg/middleware"
)

type stubStrategy struct {
	mu    sync.Mutex
	fetch func(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error)
	calls int64
}

func (s *stubStrategy) Fetch(ctx context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
	atomic.AddInt64(&s.calls, 1)
	s.mu.Lock()
	fetch := s.fetch
	s.mu.Unlock()
	return fetch(ctx, category, params)
}

func (s *stubStrategy) Stream(market.Category) <-chan *market.FetchedItem { return nil }
func (s *stubStrategy) Available() bool                                   { return true }
func (s *stubStrategy) Start(context.Context) error                       { return nil }
func (s *stubStrategy) Stop()                                             {}
func (s *stubStrategy) Health() strategy.Health                           { return strategy.Health{Connected: true} }

func (s *stubStrategy) callCount() int64 { return atomic.LoadInt64(&s.calls) }

type fixture struct {
	router *gin.Engine
	eng    *engine.Engine
	stub   *stubStrategy
	mgr    *failover.Manager
}

func newFixture(t *testing.T, control ...gin.HandlerFunc) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stub := &stubStrategy{}
	stub.fetch = func(_ context.Context, category market.Category, _ market.Params) (*market.FetchedItem, error) {
		return market.NewItem(category, json.RawMessage(`{"px":3105.4}`), market.QualityExcellent, market.SourceOnDemand), nil
	}
	strategies := strategy.NewRegistry()
	if err := strategies.Register(strategy.Descriptor{Name: "stub", Kind: market.SourceOnDemand, Priority: 1}, stub); err != nil {
		t.Fatalf("register stub: %v", err)
	}

	categories := market.DefaultRegistry()
	// Shrink watchlist batches so chunking is observable with a few keys.
	small := market.CategoryInfo{
		ID:              market.CategoryWatchlistQuote,
		Tier:            market.TierHigh,
		DefaultInterval: 15 * time.Second,
		Batchable:       true,
		BatchSize:       2,
	}
	if err := categories.Register(small); err != nil {
		t.Fatalf("register category: %v", err)
	}

	mgr := failover.NewManager(failover.Config{})
	for _, def := range []failover.Definition{
		{ID: "baostock", Tier: market.TierCritical},
		{ID: "eastmoney", Tier: market.TierHigh},
	} {
		if err := mgr.Register(def); err != nil {
			t.Fatalf("register source %s: %v", def.ID, err)
		}
	}

	eng, err := engine.New(engine.Config{
		Categories: categories,
		Strategies: strategies,
		Cache:      cache.NewMemory(cache.Options{StaleWindow: time.Minute}, cache.MetricsHooks{}),
		Failover:   mgr,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	router := gin.New()
	New(eng, nil).RegisterRoutes(router, control...)
	return &fixture{router: router, eng: eng, stub: stub, mgr: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp StatusResponse
	decode(t, w, &resp)
	if resp.Service != "marketd" || resp.Status != "ok" {
		t.Fatalf("unexpected identity: %+v", resp)
	}
	if len(resp.Engine.Categories) != 5 {
		t.Fatalf("categories = %d, want 5", len(resp.Engine.Categories))
	}
	if resp.Engine.ActiveSource != "baostock" {
		t.Fatalf("active source = %s, want baostock", resp.Engine.ActiveSource)
	}
}

func TestFetchEndpointServesItem(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/fetch/index_quote", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var item market.FetchedItem
	decode(t, w, &item)
	if item.Category != market.CategoryIndexQuote {
		t.Fatalf("category = %s", item.Category)
	}
	if item.Source != market.SourceOnDemand {
		t.Fatalf("source = %s, want ondemand", item.Source)
	}

	// Within the TTL the second request is a cache hit.
	w = f.do(t, "GET", "/fetch/index_quote", nil)
	decode(t, w, &item)
	if item.Source != market.SourceCache {
		t.Fatalf("second source = %s, want cache", item.Source)
	}
	if got := f.stub.callCount(); got != 1 {
		t.Fatalf("strategy calls = %d, want 1", got)
	}
}

func TestFetchUnknownCategory(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/fetch/bogus", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Error != "not_found" {
		t.Fatalf("error = %s, want not_found", resp.Error)
	}
}

func TestFetchUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.stub.mu.Lock()
	f.stub.fetch = func(context.Context, market.Category, market.Params) (*market.FetchedItem, error) {
		return nil, errors.New("provider unreachable")
	}
	f.stub.mu.Unlock()

	w := f.do(t, "GET", "/fetch/market_news", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Error != "upstream_error" {
		t.Fatalf("error = %s, want upstream_error", resp.Error)
	}
}

func TestBatchFetchChunksKeys(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{"keys": []string{"600000.SH", "600001.SH", "600002.SH", "600003.SH", "600004.SH"}}
	w := f.do(t, "POST", "/fetch/watchlist_quote/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Result scheduler.BatchResult `json:"result"`
	}
	decode(t, w, &resp)
	if resp.Result.Chunks != 3 {
		t.Fatalf("chunks = %d, want 3", resp.Result.Chunks)
	}
	if resp.Result.Succeeded != 5 {
		t.Fatalf("succeeded = %d, want 5", resp.Result.Succeeded)
	}
	if resp.Result.Quality != market.QualityExcellent {
		t.Fatalf("quality = %s, want excellent", resp.Result.Quality)
	}
}

func TestBatchFetchRejectsNonBatchable(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/fetch/index_quote/batch", map[string]interface{}{"keys": []string{"000001.SH"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/control/tasks", map[string]interface{}{"category": "sector_rank", "interval": "2m"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", w.Code, w.Body.String())
	}
	var created struct {
		Task scheduler.PollingTask `json:"task"`
	}
	decode(t, w, &created)
	if created.Task.Interval != 2*time.Minute || !created.Task.Enabled {
		t.Fatalf("unexpected task: %+v", created.Task)
	}

	w = f.do(t, "GET", "/scheduler/tasks", nil)
	var listed struct {
		Tasks []scheduler.PollingTask `json:"tasks"`
	}
	decode(t, w, &listed)
	if len(listed.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(listed.Tasks))
	}

	w = f.do(t, "PUT", "/control/tasks/sector_rank/interval", map[string]interface{}{"interval": "30s"})
	if w.Code != http.StatusOK {
		t.Fatalf("interval status = %d body %s", w.Code, w.Body.String())
	}
	decode(t, w, &created)
	if created.Task.Interval != 30*time.Second {
		t.Fatalf("interval = %v, want 30s", created.Task.Interval)
	}

	w = f.do(t, "PUT", "/control/tasks/sector_rank/enabled", map[string]interface{}{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("enabled status = %d body %s", w.Code, w.Body.String())
	}
	decode(t, w, &created)
	if created.Task.Enabled {
		t.Fatalf("task still enabled after pause")
	}

	w = f.do(t, "DELETE", "/control/tasks/sector_rank", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = f.do(t, "DELETE", "/control/tasks/sector_rank", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestRegisterTaskValidation(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, "POST", "/control/tasks", map[string]interface{}{"interval": "1m"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing category status = %d, want 400", w.Code)
	}
	if w := f.do(t, "POST", "/control/tasks", map[string]interface{}{"category": "sector_rank", "interval": "soon"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad interval status = %d, want 400", w.Code)
	}
	if w := f.do(t, "POST", "/control/tasks", map[string]interface{}{"category": "bogus"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown category status = %d, want 404", w.Code)
	}
}

func TestSourceControls(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/sources", nil)
	var sources struct {
		Active  failover.SourceID     `json:"active"`
		Sources []failover.SourceView `json:"sources"`
	}
	decode(t, w, &sources)
	if sources.Active != "baostock" || len(sources.Sources) != 2 {
		t.Fatalf("unexpected sources: %+v", sources)
	}

	w = f.do(t, "POST", "/control/sources/eastmoney/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d body %s", w.Code, w.Body.String())
	}
	var active struct {
		Active failover.SourceID `json:"active"`
	}
	decode(t, w, &active)
	if active.Active != "eastmoney" {
		t.Fatalf("active = %s, want eastmoney", active.Active)
	}

	if w := f.do(t, "POST", "/control/sources/bogus/activate", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown source status = %d, want 404", w.Code)
	}
	if w := f.do(t, "POST", "/control/sources/baostock/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}

	w = f.do(t, "GET", "/sources/events", nil)
	var events struct {
		Events []failover.Event `json:"events"`
	}
	decode(t, w, &events)
	if len(events.Events) == 0 {
		t.Fatalf("expected audit events after manual switch")
	}
}

func TestRefreshForcesLiveFetch(t *testing.T) {
	f := newFixture(t)

	f.do(t, "GET", "/fetch/index_quote", nil)
	f.do(t, "GET", "/fetch/index_quote", nil)
	if got := f.stub.callCount(); got != 1 {
		t.Fatalf("calls before refresh = %d, want 1", got)
	}

	w := f.do(t, "POST", "/control/refresh/index_quote", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body %s", w.Code, w.Body.String())
	}
	if got := f.stub.callCount(); got != 2 {
		t.Fatalf("calls after refresh = %d, want 2", got)
	}
}

func TestControlRoutesHonorAuth(t *testing.T) {
	f := newFixture(t, middleware.ServiceAuthMiddleware("sekret"))

	w := f.do(t, "POST", "/control/refresh/index_quote", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/control/refresh/index_quote", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer sekret")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d body %s", rec.Code, rec.Body.String())
	}

	// Read-only routes stay open.
	if w := f.do(t, "GET", "/status", nil); w.Code != http.StatusOK {
		t.Fatalf("status route should not require auth, got %d", w.Code)
	}
}

func TestNotFoundBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Error != "not_found" || resp.Service != "marketd" {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestWebSocketRouteStreamsMarketData(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	defer f.eng.Stop()

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/index_quote"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := f.eng.Fetch(context.Background(), market.CategoryIndexQuote, market.Params{}, engine.WithRefresh()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i > 0 {
		line = raw[:i]
	}
	var frame struct {
		Type     string          `json:"type"`
		Category market.Category `json:"category"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", line, err)
	}
	if frame.Type != "market_data" || frame.Category != market.CategoryIndexQuote {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	if w := f.do(t, "GET", "/ws/bogus", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown ws category status = %d, want 404", w.Code)
	}
}
