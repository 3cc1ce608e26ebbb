// Package metrics provides the Prometheus collectors for geocdn.
//
// All recording methods are nil-safe: components receive a *Metrics
// that may be nil when metrics are disabled, resulting in zero
// overhead.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared across the service.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	partUploadsTotal *prometheus.CounterVec
	partUploadBytes  *prometheus.CounterVec
	uploadsFinished  *prometheus.CounterVec

	replicationJobs *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocdn_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geocdn_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		partUploadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocdn_multipart_parts_total",
				Help: "Multipart parts uploaded by collection (api or cdn)",
			},
			[]string{"collection"},
		),
		partUploadBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocdn_multipart_bytes_total",
				Help: "Bytes uploaded through the multipart engine by collection",
			},
			[]string{"collection"},
		),
		uploadsFinished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocdn_multipart_uploads_finished_total",
				Help: "Multipart uploads driven to completion by collection",
			},
			[]string{"collection"},
		),
		replicationJobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocdn_replication_jobs_total",
				Help: "Replication jobs by outcome (completed, failed, skipped)",
			},
			[]string{"outcome"},
		),
		rateLimited: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "geocdn_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
	}
}

// Handler returns the /metrics HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordPart records one uploaded multipart part.
func (m *Metrics) RecordPart(collection string, bytes int) {
	if m == nil {
		return
	}
	m.partUploadsTotal.WithLabelValues(collection).Inc()
	m.partUploadBytes.WithLabelValues(collection).Add(float64(bytes))
}

// RecordUploadFinished records a completed multipart upload.
func (m *Metrics) RecordUploadFinished(collection string) {
	if m == nil {
		return
	}
	m.uploadsFinished.WithLabelValues(collection).Inc()
}

// RecordReplication records the outcome of one replication job.
func (m *Metrics) RecordReplication(outcome string) {
	if m == nil {
		return
	}
	m.replicationJobs.WithLabelValues(outcome).Inc()
}

// RecordRateLimited records one rate-limited request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
