// Package metrics exposes Prometheus instrumentation for the wishr service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records store, authentication and session metrics.
type Collector struct {
	usersCreated   prometheus.Counter
	storeOps       *prometheus.CounterVec
	storeLatency   *prometheus.HistogramVec
	authEvents     *prometheus.CounterVec
	activeSessions prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// NewCollector registers the metrics against reg. A nil registry gets a private one.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wishr_users_created_total",
			Help: "Total number of user records created",
		}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wishr_store_operations_total",
			Help: "Store operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wishr_store_operation_duration_seconds",
			Help:    "Latency of store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wishr_auth_events_total",
			Help: "Authentication bridge events by event and outcome",
		}, []string{"event", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wishr_active_session_states",
			Help: "Session states currently holding a user subscription",
		}),
		gatherer: reg,
	}
	reg.MustRegister(c.usersCreated, c.storeOps, c.storeLatency, c.authEvents, c.activeSessions)
	return c
}

// RecordUserCreated counts a newly inserted user record.
func (c *Collector) RecordUserCreated() {
	c.usersCreated.Inc()
}

// RecordStoreOperation counts a store call and observes its latency.
func (c *Collector) RecordStoreOperation(operation, outcome string, duration time.Duration) {
	c.storeOps.WithLabelValues(operation, outcome).Inc()
	c.storeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAuthEvent counts a login, callback, logout or reconciliation outcome.
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	c.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	c.activeSessions.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
