// Package metrics exposes Prometheus metrics for inboxd.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inboxd"

// Metrics holds the daemon's collectors. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	ActiveSessions prometheus.Gauge
	Notices        *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	UploadBytes    *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests being served",
			},
		),

		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_sessions_active",
				Help:      "Number of live inbox sync sessions",
			},
		),

		Notices: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notices_total",
				Help:      "User-facing notices by operation and level",
			},
			[]string{"op", "level"},
		),

		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-user rate limit",
			},
			[]string{"endpoint"},
		),

		UploadBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_size_bytes",
				Help:      "Size of accepted upload request bodies",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
			[]string{"kind"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSockets exports count as the number of open websocket connections.
// Call it once.
func (m *Metrics) ObserveSockets(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Number of open websocket connections",
		},
		func() float64 { return float64(count()) },
	)
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordNotice counts a notice.
func (m *Metrics) RecordNotice(op, level string) {
	m.Notices.WithLabelValues(op, level).Inc()
}

// HTTPMetrics is a gin middleware recording request counts and latency.
// Unmatched routes are recorded under "unmatched".
func (m *Metrics) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
