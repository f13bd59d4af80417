package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/job"
)

const namespace = "keyscan"

// Metrics records job engine activity. It implements job.Observer.
type Metrics struct {
	keysProcessed *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	lookupLatency *prometheus.HistogramVec
	found         *prometheus.CounterVec
	runningJobs   prometheus.Gauge
	jobsFinished  *prometheus.CounterVec
}

var _ job.Observer = (*Metrics)(nil)

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		keysProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_processed_total",
			Help:      "Input lines processed, partitioned by outcome.",
		}, []string{"outcome"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_lookups_total",
			Help:      "Balance lookups partitioned by backend and outcome.",
		}, []string{"backend", "outcome"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_lookup_duration_seconds",
			Help:      "Balance lookup latency partitioned by backend.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend"}),
		found: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "found_keys_total",
			Help:      "Keys with a positive balance partitioned by the backend that reported it.",
		}, []string{"backend"}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Jobs currently being processed.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Finished jobs partitioned by terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns the collectors for registration with a custom registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.keysProcessed, m.lookups, m.lookupLatency, m.found, m.runningJobs, m.jobsFinished,
	}
}

func (m *Metrics) JobStarted() {
	m.runningJobs.Inc()
}

func (m *Metrics) JobFinished(status job.Status) {
	m.runningJobs.Dec()
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) KeyProcessed(outcome string) {
	m.keysProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Lookup(res balance.Result) {
	m.lookups.WithLabelValues(res.Backend, string(res.Outcome)).Inc()
	if res.Latency > 0 {
		m.lookupLatency.WithLabelValues(res.Backend).Observe(res.Latency.Seconds())
	}
}

func (m *Metrics) KeyFound(backend string) {
	m.found.WithLabelValues(backend).Inc()
}

var (
	metricsMu sync.Mutex

	// Registry holds every keyscan collector. Nil until InitMetrics runs.
	Registry *prometheus.Registry

	// JobMetrics is the engine observer bound to Registry.
	JobMetrics *Metrics

	// HTTPMetrics instruments the API router.
	HTTPMetrics *HTTPMiddleware
)

// InitMetrics creates Registry with Go runtime, process, engine and HTTP
// collectors. Calling it again is a no-op.
func InitMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if Registry != nil {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	JobMetrics = NewMetrics(reg)
	HTTPMetrics = NewHTTPMiddleware(reg)
	Registry = reg
}

// MetricsHandler serves Registry in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	metricsMu.Lock()
	reg := Registry
	metricsMu.Unlock()
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
