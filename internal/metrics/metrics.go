package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// RealtimeChanges counts row-change notifications published by table and type
	RealtimeChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "realtime_changes_total", Help: "Row-change notifications published."},
		[]string{"table", "type"},
	)
	// RealtimeSubscribers tracks open subscriptions per table
	RealtimeSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "realtime_subscribers", Help: "Open realtime subscriptions."},
		[]string{"table"},
	)

	// DirectionsRequests counts directions calls by provider and resulting status
	DirectionsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "directions_requests_total", Help: "Directions requests by provider and status."},
		[]string{"provider", "status"},
	)
	// DirectionsLatency tracks directions call latency in seconds
	DirectionsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "directions_request_duration_seconds", Help: "Directions request latency.", Buckets: []float64{.05, .1, .25, .5, 1, 2, 5}},
		[]string{"provider"},
	)
	// CircuitBreakerState is 0 closed, 1 half-open, 2 open
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)."},
		[]string{"name"},
	)

	// PositionsIngested counts position samples by outcome (stored, throttled, rejected)
	PositionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "positions_ingested_total", Help: "Crew position samples by outcome."},
		[]string{"outcome"},
	)
	// RoutesComputed counts route computations by outcome
	RoutesComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routes_computed_total", Help: "Optimized route computations by outcome."},
		[]string{"outcome"},
	)
)

// RegisterDefault registers collectors to Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RealtimeChanges)
		Registry.MustRegister(RealtimeSubscribers)
		Registry.MustRegister(DirectionsRequests)
		Registry.MustRegister(DirectionsLatency)
		Registry.MustRegister(CircuitBreakerState)
		Registry.MustRegister(PositionsIngested)
		Registry.MustRegister(RoutesComputed)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
