package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guild"

// Metrics holds the process counters. Each instance owns its registry, so tests can
// create as many as they like. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	published       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	guildsRunning   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers the counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "published_total",
			Help:      "Envelopes accepted for delivery.",
		}, []string{"backend"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "delivered_total",
			Help:      "Envelopes handed to a subscriber successfully.",
		}, []string{"backend"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "dead_lettered_total",
			Help:      "Envelopes given up on after exhausting delivery attempts.",
		}, []string{"backend"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "handler_failures_total",
			Help:      "Agent handler invocations that returned an error or panicked.",
		}, []string{"engine", "kind"}),
		guildsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "guilds_running",
			Help:      "Guilds with a live runtime in this process.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.published, m.delivered, m.deadLettered, m.handlerFailures, m.guildsRunning,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordPublish(backend string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(backend).Inc()
}

func (m *Metrics) RecordDelivery(backend string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(backend).Inc()
}

func (m *Metrics) RecordDeadLetter(backend string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(backend).Inc()
}

// RecordHandlerFailure counts a failed handler call; kind is "error" or "panic".
func (m *Metrics) RecordHandlerFailure(engine string, panicked bool) {
	if m == nil {
		return
	}
	kind := "error"
	if panicked {
		kind = "panic"
	}
	m.handlerFailures.WithLabelValues(engine, kind).Inc()
}

// SetGuildsRunning records how many guild runtimes are live.
func (m *Metrics) SetGuildsRunning(n int) {
	if m == nil {
		return
	}
	m.guildsRunning.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
