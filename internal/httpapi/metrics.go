package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instruments for the sync API. All
// counters are labelled with low-cardinality values only; device ids
// and operation ids stay out of label space.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	deviceAuthFailures *prometheus.CounterVec
	ingestResults      *prometheus.CounterVec
	pairingEvents      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokosync_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokosync_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		deviceAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokosync_device_auth_failures_total",
			Help: "Device signature authentication failures, by reason.",
		}, []string{"reason"}),
		ingestResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokosync_ingest_results_total",
			Help: "Offline sync ingest outcomes, by operation type and status.",
		}, []string{"type", "status"}),
		pairingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokosync_pairing_events_total",
			Help: "Pairing lifecycle events (initiated, approved, denied, expired, consumed).",
		}, []string{"event"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) DeviceAuthFailure(reason string) {
	m.deviceAuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IngestResult(opType string, status string) {
	m.ingestResults.WithLabelValues(opType, status).Inc()
}

func (m *Metrics) PairingEvent(event string) {
	m.pairingEvents.WithLabelValues(event).Inc()
}

// statusRecorder captures the response code for the request log and
// metrics. WriteHeader may never be called; the zero value reads as 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
