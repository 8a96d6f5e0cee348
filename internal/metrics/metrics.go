package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry served at /metrics
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

	// DeliveryAttempts counts single HTTP attempts by outcome
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paynotify_delivery_attempts_total", Help: "Webhook delivery attempts by event type and outcome."},
		[]string{"event_type", "outcome"},
	)
	// DeliveryResults counts per-subscriber terminal states
	DeliveryResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paynotify_delivery_results_total", Help: "Per-subscriber delivery results by terminal state."},
		[]string{"event_type", "state"},
	)
	// DeliveryLatency tracks attempt latencies in milliseconds
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "paynotify_delivery_latency_ms", Help: "Webhook attempt latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paynotify_events_published_total", Help: "Events accepted for delivery by mode."},
		[]string{"event_type", "mode"},
	)
	// BufferMessages counts durable buffer operations (enqueue, ack, dead_letter, requeue, replay)
	BufferMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "paynotify_buffer_messages_total", Help: "Durable buffer operations."},
		[]string{"op"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(DeliveryAttempts)
		Registry.MustRegister(DeliveryResults)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(EventsPublished)
		Registry.MustRegister(BufferMessages)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
