// Package metrics exposes channel lifecycle activity as Prometheus metrics
// and serves liveness and readiness checks.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soyeahso/omnidesk/internal/domain"
)

const namespace = "omnidesk"

// Collector records lifecycle activity. It implements lifecycle.Observer.
type Collector struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	pairings        prometheus.Counter
	persistFailures prometheus.Counter
	subscribers     prometheus.Gauge
	sessions        *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
}

// New creates a collector with its own registry, including Go runtime and
// process metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "Connection state transitions by source and target state.",
		}, []string{"from", "to"}),
		pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "pairings_started_total",
			Help:      "Pairing exchanges started against the transport.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "persistence_failures_total",
			Help:      "State writes that failed after all retries.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "subscribers",
			Help:      "Listeners currently subscribed to channel events.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "sessions",
			Help:      "Live channel sessions by connection state.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "http_requests_total",
			Help:      "Gateway HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c.pairings,
		c.persistFailures,
		c.subscribers,
		c.sessions,
		c.httpRequests,
	)
	for _, s := range domain.AllStates {
		c.sessions.WithLabelValues(string(s)).Set(0)
	}
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// InstrumentHTTP counts requests served by h.
func (c *Collector) InstrumentHTTP(h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(c.httpRequests, h)
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (c *Collector) SessionOpened(_ string, state domain.ConnectionState) {
	c.sessions.WithLabelValues(string(state)).Inc()
}

func (c *Collector) SessionClosed(_ string, state domain.ConnectionState) {
	c.sessions.WithLabelValues(string(state)).Dec()
}

func (c *Collector) Transitioned(_ string, from, to domain.ConnectionState) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	c.sessions.WithLabelValues(string(from)).Dec()
	c.sessions.WithLabelValues(string(to)).Inc()
}

func (c *Collector) PairingStarted(string) { c.pairings.Inc() }

func (c *Collector) PersistFailed(string, error) { c.persistFailures.Inc() }

func (c *Collector) SubscribersChanged(_ string, delta int) {
	c.subscribers.Add(float64(delta))
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyTimeout bounds each readiness probe.
const ReadyTimeout = 2 * time.Second

// maxGoroutines fails liveness when exceeded; a leak this large means
// something is stuck.
const maxGoroutines = 10000

// NewHealth returns a health handler serving /live and /ready. Check results
// are also exported on the collector's registry. The store, when not nil,
// gates readiness.
func NewHealth(c *Collector, store Pinger) healthcheck.Handler {
	h := healthcheck.NewMetricsHandler(c.registry, namespace)
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	if store != nil {
		h.AddReadinessCheck("store", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), ReadyTimeout)
			defer cancel()
			return store.Ping(ctx)
		}, ReadyTimeout))
	}
	return h
}
