package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup results.
const (
	LookupMatched = "matched"
	LookupNoMatch = "no_match"
)

// Connect results.
const (
	ConnectSuccess           = "success"
	ConnectResolutionFailure = "resolution_failure"
	ConnectFailure           = "connect_failure"
)

// Metrics holds all Prometheus metrics for the router.
type Metrics struct {
	lookupsTotal       *prometheus.CounterVec
	connectsTotal      *prometheus.CounterVec
	connectDuration    *prometheus.HistogramVec
	candidateAttempts  *prometheus.CounterVec
	resolvedCandidates prometheus.Histogram
	backends           prometheus.Gauge
	registryMutations  *prometheus.CounterVec
	circuitBreaker     *prometheus.GaugeVec
	configReloadsTotal *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sniroute"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lookups_total",
			Help:      "Total number of backend lookups by result",
		},
		[]string{"result"},
	)

	m.connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "connects_total",
			Help:      "Total number of backend connect calls by result",
		},
		[]string{"result"},
	)

	m.connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "connect_duration_seconds",
			Help: "Duration of resolve and connect " +
				"for one backend connect call",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"result"},
	)

	m.candidateAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "candidate_attempts_total",
			Help: "Total number of dial attempts " +
				"against resolved candidate addresses",
		},
		[]string{"result"},
	)

	m.resolvedCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "resolved_candidates",
			Help:      "Number of candidate addresses returned per resolution",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 16},
		},
	)

	m.backends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "backends",
			Help:      "Number of backends currently registered",
		},
	)

	m.registryMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Total number of registry mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "circuit_breaker_state",
			Help: "Candidate circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"address"},
	)

	m.configReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reloads by result",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for sniroute",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the process in unix seconds",
		},
	)

	m.registerCollectors()
	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.lookupsTotal,
		m.connectsTotal,
		m.connectDuration,
		m.candidateAttempts,
		m.resolvedCandidates,
		m.backends,
		m.registryMutations,
		m.circuitBreaker,
		m.configReloadsTotal,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// InitVecMetrics pre-populates result labels with zero values so
// that Vec metrics appear in /metrics output immediately after startup.
func (m *Metrics) InitVecMetrics() {
	for _, r := range []string{LookupMatched, LookupNoMatch} {
		m.lookupsTotal.WithLabelValues(r)
	}
	for _, r := range []string{ConnectSuccess, ConnectResolutionFailure, ConnectFailure} {
		m.connectsTotal.WithLabelValues(r)
	}
	m.candidateAttempts.WithLabelValues("success")
	m.candidateAttempts.WithLabelValues("failure")
}

// RecordLookup records the outcome of a registry lookup.
func (m *Metrics) RecordLookup(result string) {
	m.lookupsTotal.WithLabelValues(result).Inc()
}

// RecordConnect records the outcome of one dispatcher connect call.
func (m *Metrics) RecordConnect(result string, duration time.Duration) {
	m.connectsTotal.WithLabelValues(result).Inc()
	m.connectDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordCandidateAttempt records a dial attempt against one candidate.
func (m *Metrics) RecordCandidateAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.candidateAttempts.WithLabelValues(result).Inc()
}

// ObserveCandidates records how many candidates a resolution produced.
func (m *Metrics) ObserveCandidates(n int) {
	m.resolvedCandidates.Observe(float64(n))
}

// SetBackends sets the registered backend gauge.
func (m *Metrics) SetBackends(n int) {
	m.backends.Set(float64(n))
}

// RecordRegistryMutation records an add, remove or replace on the registry.
func (m *Metrics) RecordRegistryMutation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.registryMutations.WithLabelValues(operation, result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a candidate.
func (m *Metrics) SetCircuitBreakerState(address string, state int) {
	m.circuitBreaker.WithLabelValues(address).Set(float64(state))
}

// DeleteCircuitBreakerState removes the state series for a candidate that
// is no longer tracked.
func (m *Metrics) DeleteCircuitBreakerState(address string) {
	m.circuitBreaker.DeleteLabelValues(address)
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.configReloadsTotal.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
