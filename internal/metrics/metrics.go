package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the acquisition engine
type Metrics struct {
	// Fetch pipeline metrics
	FetchesTotal  *prometheus.CounterVec   // {category, strategy, status}
	FetchDuration *prometheus.HistogramVec // {category, strategy}

	// Routing metrics
	RoutingDecisions  *prometheus.CounterVec // {category, strategy, reason}
	RoutingRejections *prometheus.CounterVec // {category, reason}

	// Scheduler metrics
	SchedulerDispatches *prometheus.CounterVec // {category, result}
	ActiveCategories    *prometheus.GaugeVec   // {category} 1 while a task is registered and enabled
	DispatchGateInUse   prometheus.Gauge
	BatchGateInUse      prometheus.Gauge
	BatchQuality        *prometheus.CounterVec // {category, quality}

	// Frequency adjuster metrics
	AdjustmentsTotal *prometheus.CounterVec // {category, direction}

	// Failover metrics
	SourceHealthy *prometheus.GaugeVec   // {source} 1 healthy, 0 degraded
	SourceEvents  *prometheus.CounterVec // {source, event}

	// Cache metrics
	CacheRequests *prometheus.CounterVec // {tier, result}
	CacheEntries  *prometheus.GaugeVec   // {tier}

	// Stream hub metrics
	StreamSubscribers *prometheus.GaugeVec   // {category}
	StreamMessages    *prometheus.CounterVec // {category, direction}
}
