package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for a service
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	// Standard HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	// Custom metrics registry
	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Sanitize service name for Prometheus (replace hyphens with underscores)
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName:   sanitizedServiceName,
		registry:      prometheus.NewRegistry(),
		customMetrics: make(map[string]prometheus.Collector),
	}

	// Standard HTTP metrics
	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active connections",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	// Register standard metrics
	mc.registry.MustRegister(mc.httpRequestsTotal)
	mc.registry.MustRegister(mc.httpRequestDuration)
	mc.registry.MustRegister(mc.activeConnections)
	mc.registry.MustRegister(mc.serviceInfo)

	// Set service info
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers a custom Prometheus metric
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	mc.registry.MustRegister(metric)
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Increment active connections
		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		// Process request
		c.Next()

		// Record metrics
		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// Service-specific metric helpers

// NewCounter creates a new counter metric for the service
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge creates a new gauge metric for the service
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram creates a new histogram metric for the service
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_" + name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// NewSummary creates a new summary metric for the service
func (mc *MetricsCollector) NewSummary(name, help string, labels []string, objectives map[float64]float64) *prometheus.SummaryVec {
	if objectives == nil {
		objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}
	}

	summary := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       mc.serviceName + "_" + name,
			Help:       help,
			Objectives: objectives,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, summary)
	return summary
}

// Common service metrics creators

// CreateAcquisitionMetrics creates standard data acquisition metrics
func (mc *MetricsCollector) CreateAcquisitionMetrics() (
	*prometheus.CounterVec, // fetches_total
	*prometheus.HistogramVec, // fetch_duration_seconds
	*prometheus.GaugeVec, // active_categories
) {
	fetches := mc.NewCounter("fetches_total", "Total fetch operations", []string{"category", "strategy", "status"})
	duration := mc.NewHistogram("fetch_duration_seconds", "Fetch operation duration", []string{"category", "strategy"}, nil)
	active := mc.NewGauge("active_categories", "Categories with active acquisition", []string{"category"})

	return fetches, duration, active
}

// CreateCacheMetrics creates standard cache metrics
func (mc *MetricsCollector) CreateCacheMetrics() (
	*prometheus.CounterVec, // cache_requests_total
	*prometheus.GaugeVec, // cache_entries
) {
	requests := mc.NewCounter("cache_requests_total", "Cache lookups by result", []string{"tier", "result"})
	entries := mc.NewGauge("cache_entries", "Entries held per cache tier", []string{"tier"})

	return requests, entries
}
