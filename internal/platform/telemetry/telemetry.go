// Package telemetry exposes Prometheus metrics for the service: HTTP
// request counts and latency, audit spills, persistence mode and note
// streaming outcomes.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metrics for the application. Each instance
// owns its registry.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	AuditSpilled    prometheus.Counter
	PersistenceMode prometheus.Gauge
	Streams         *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medscribe_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medscribe_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medscribe_http_active_requests",
			Help: "In-flight HTTP requests.",
		}),
		AuditSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medscribe_audit_spilled_total",
			Help: "Audit entries kept in memory because the durable write failed.",
		}),
		PersistenceMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medscribe_persistence_available",
			Help: "1 when the durable backend is in use, 0 in fallback mode.",
		}),
		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medscribe_note_streams_total",
			Help: "Note streams by terminal state.",
		}, []string{"state"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medscribe_note_streams_active",
			Help: "Note streams currently delivering.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration, m.ActiveRequests,
		m.AuditSpilled, m.PersistenceMode, m.Streams, m.ActiveStreams,
	)
	return m
}

// SetPersistenceAvailable records the mode chosen at startup.
func (m *Metrics) SetPersistenceAvailable(available bool) {
	if available {
		m.PersistenceMode.Set(1)
		return
	}
	m.PersistenceMode.Set(0)
}

// StreamStarted and StreamFinished track note stream lifecycles.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished(state string) {
	m.ActiveStreams.Dec()
	m.Streams.WithLabelValues(state).Inc()
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.ActiveRequests.Inc()
			start := time.Now()

			err := next(c)

			m.ActiveRequests.Dec()

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
