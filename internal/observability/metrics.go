// Package observability owns the Prometheus collectors exported on /metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskgate"

type Metrics struct {
	registry *prometheus.Registry

	// requests counts API requests. Labels: method, path (route template), status.
	requests *prometheus.CounterVec
	// latency measures API request duration. Labels: method, path.
	latency *prometheus.HistogramVec
	// jobs counts finished jobs. Labels: fn_name, status (completed, failed).
	jobs *prometheus.CounterVec
	// jobAttempts tracks attempts used by finished jobs. Labels: fn_name.
	jobAttempts *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	// decisions counts gate results. Labels: result.
	decisions *prometheus.CounterVec
}

// New registers collectors on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		}, []string{"method", "path", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"fn_name", "status"}),
		jobAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "attempts",
			Help:      "Attempts used by finished jobs",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"fn_name"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "live",
			Help:      "Jobs held by the queue, including finished jobs awaiting retention cleanup",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Gate decisions by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDecision(result string) {
	m.decisions.WithLabelValues(result).Inc()
}

// JobFinished and QueueDepth make Metrics a job queue observer.
func (m *Metrics) JobFinished(fnName, status string, attempts int) {
	m.jobs.WithLabelValues(fnName, status).Inc()
	m.jobAttempts.WithLabelValues(fnName).Observe(float64(attempts))
}

func (m *Metrics) QueueDepth(live int) {
	m.queueDepth.Set(float64(live))
}
