package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/139QQ/Baostock-sub011/pkg/logging"
	"github.com/139QQ/Baostock-sub011/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func TestSetupServiceRouter(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("svc", "v1")
	mc := monitoring.NewMetricsCollector("svc", "v1", "abc")
	r := SetupServiceRouter(logger, "svc", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSetupServiceRouterHealthEndpoint(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("svc", "v1")
	hc.AddCheck("down", func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusUnhealthy}
	})
	mc := monitoring.NewMetricsCollector("svc", "v1", "abc")
	r := SetupServiceRouter(logger, "svc", hc, mc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a check fails, got %d", w.Code)
	}
}

func TestSetupServiceRouterMetricsEndpoint(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("svc", "v1")
	mc := monitoring.NewMetricsCollector("svc", "v1", "abc")
	r := SetupServiceRouter(logger, "svc", hc, mc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected metrics exposition body")
	}
}
