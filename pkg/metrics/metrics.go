package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry
// so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	queueRejected prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// New registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tryon",
			Name:      "submissions_total",
			Help:      "Upload requests by outcome.",
		}, []string{"outcome"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tryon",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tryon",
			Name:      "job_duration_seconds",
			Help:      "Time from processing start to terminal status.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tryon",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tryon",
			Name:      "dispatch_rejected_total",
			Help:      "Jobs that could not be handed to a worker.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tryon",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tryon",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions,
		m.jobsTotal,
		m.jobDuration,
		m.inFlight,
		m.queueRejected,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDispatchRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

// JobStarted marks a job as in flight and returns a func that records its outcome.
func (m *Metrics) JobStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(status string) {
		m.inFlight.Dec()
		m.jobsTotal.WithLabelValues(status).Inc()
		m.jobDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

// RecordRequest counts one HTTP request and records its latency.
func (m *Metrics) RecordRequest(method, path string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, path).Observe(latency.Seconds())
}
