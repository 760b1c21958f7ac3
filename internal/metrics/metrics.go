// Package metrics owns the Prometheus registry and the relay and HTTP
// instruments exposed on /metrics. A nil *Collector is valid and records
// nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmhub"

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	OutcomeRejected  = "rejected"
)

// Collector groups every instrument behind one registry.
type Collector struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	chunksTotal     prometheus.Counter
	upstreamErrors  *prometheus.CounterVec
	persistFailures prometheus.Counter
	tokensTotal     *prometheus.CounterVec
	openConnections prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers all instruments on a fresh registry, including the Go runtime
// and process collectors.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "turns_total",
			Help:      "Chat turns handled by the relay, by outcome",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "turn_duration_seconds",
			Help:      "Time from accepting a turn to its terminal event",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "chunks_total",
			Help:      "Text fragments forwarded to clients",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Upstream completion failures, by class",
		}, []string{"class"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "persist_failures_total",
			Help:      "Completed turns that could not be saved",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "tokens_total",
			Help:      "Tokens reported by the upstream provider",
		}, []string{"type"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "open_connections",
			Help:      "Currently admitted socket connections",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route pattern, method and status",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	registry.MustRegister(
		c.turnsTotal,
		c.turnDuration,
		c.chunksTotal,
		c.upstreamErrors,
		c.persistFailures,
		c.tokensTotal,
		c.openConnections,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) TurnFinished(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		c.turnDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collector) ChunkForwarded() {
	if c == nil {
		return
	}
	c.chunksTotal.Inc()
}

func (c *Collector) UpstreamError(class string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(class).Inc()
}

func (c *Collector) PersistFailed() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

func (c *Collector) Tokens(prompt, completion int) {
	if c == nil {
		return
	}
	c.tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	c.tokensTotal.WithLabelValues("completion").Add(float64(completion))
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.openConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.openConnections.Dec()
}

// HTTPRequest records one served request. route should be the router
// pattern, not the raw path, to keep cardinality bounded.
func (c *Collector) HTTPRequest(route, method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
