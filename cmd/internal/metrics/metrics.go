// Package metrics exposes Prometheus collectors for sessions, check-ins and the broadcast hub.
package metrics

import (
	"net/http"

	"attend/cmd/internal/attendance"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attend"

// Metrics implements attendance.Observer and realtime.Observer.
type Metrics struct {
	reg *prometheus.Registry

	sessions  *prometheus.CounterVec
	accepted  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	subs      prometheus.Gauge
	delivered prometheus.Counter
	dropped   prometheus.Counter
	httpReqs  *prometheus.CounterVec
	httpLat   *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session lifecycle transitions by kind (created, rotated, closed).",
		}, []string{"kind"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_accepted_total",
			Help:      "Accepted check-ins by source.",
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_rejected_total",
			Help:      "Rejected check-ins by error code.",
		}, []string{"code"}),
		subs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Dashboard subscriptions currently held by this replica.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_broadcast_delivered_total",
			Help:      "Envelopes queued to subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_broadcast_dropped_total",
			Help:      "Envelopes dropped because a subscriber queue was full or closing.",
		}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status class.",
		}, []string{"route", "method", "class"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.accepted, m.rejected,
		m.subs, m.delivered, m.dropped,
		m.httpReqs, m.httpLat,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) SessionCreated() { m.sessions.WithLabelValues("created").Inc() }
func (m *Metrics) SessionRotated() { m.sessions.WithLabelValues("rotated").Inc() }
func (m *Metrics) SessionClosed()  { m.sessions.WithLabelValues("closed").Inc() }

func (m *Metrics) CheckInAccepted(source attendance.Source) {
	m.accepted.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) CheckInRejected(code string) { m.rejected.WithLabelValues(code).Inc() }

func (m *Metrics) SubscriberJoined() { m.subs.Inc() }
func (m *Metrics) SubscriberLeft()   { m.subs.Dec() }

func (m *Metrics) BroadcastDelivered(n int) {
	if n > 0 {
		m.delivered.Add(float64(n))
	}
}

func (m *Metrics) BroadcastDropped(n int) {
	if n > 0 {
		m.dropped.Add(float64(n))
	}
}

// ObserveHTTP records one finished request. route is the chi route pattern, not the raw path.
func (m *Metrics) ObserveHTTP(route, method, class string, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	m.httpReqs.WithLabelValues(route, method, class).Inc()
	m.httpLat.WithLabelValues(route, method).Observe(seconds)
}
