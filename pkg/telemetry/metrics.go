package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for a sandbox worker.
//
// Collectors are always registered on a private registry; MetricsConfig.Enabled
// only controls whether they are served over HTTP. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Resolver metrics
	resolverLookups       *prometheus.CounterVec
	resolverFetchDuration *prometheus.HistogramVec

	// Session metrics
	baselineBytes   prometheus.Gauge
	restoreDuration prometheus.Histogram

	// Error metrics
	cleanupFailures prometheus.Counter
	engineFaults    prometheus.Counter
	errorsByCode    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of compile jobs by kind and result",
			},
			[]string{"kind", "result"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of compile jobs in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300},
			},
			[]string{"kind"},
		),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of protocol commands received",
			},
			[]string{"command"},
		),

		resolverLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_lookups_total",
				Help:      "Total number of resource lookups by class and outcome",
			},
			[]string{"class", "outcome"},
		),
		resolverFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolver_fetch_duration_seconds",
				Help:      "Duration of origin fetches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"class"},
		),

		baselineBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "baseline_snapshot_bytes",
				Help:      "Size of the baseline memory snapshot in bytes",
			},
		),
		restoreDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "baseline_restore_duration_seconds",
				Help:      "Duration of baseline restores in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		cleanupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_failures_total",
				Help:      "Total number of namespace nodes that could not be removed",
			},
		),
		engineFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_faults_total",
				Help:      "Total number of engine aborts",
			},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.commandsTotal,
		m.resolverLookups,
		m.resolverFetchDuration,
		m.baselineBytes,
		m.restoreDuration,
		m.cleanupFailures,
		m.engineFaults,
		m.errorsByCode,
	)

	return m, nil
}

// Job Metrics

// RecordJob records a finished compile job.
func (m *Metrics) RecordJob(kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(kind, result).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCommand counts a received protocol command.
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command).Inc()
}

// Resolver Metrics

// RecordLookup counts a resource lookup. outcome is one of hit, miss_cached,
// fetched, not_found, rejected or failed.
func (m *Metrics) RecordLookup(class, outcome string) {
	if m == nil {
		return
	}
	m.resolverLookups.WithLabelValues(class, outcome).Inc()
}

// RecordFetch records the duration of an origin fetch.
func (m *Metrics) RecordFetch(class string, duration time.Duration) {
	if m == nil {
		return
	}
	m.resolverFetchDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// LookupCounter returns the lookup counter for a class and outcome.
func (m *Metrics) LookupCounter(class, outcome string) prometheus.Counter {
	return m.resolverLookups.WithLabelValues(class, outcome)
}

// Session Metrics

// SetBaselineBytes records the size of the baseline snapshot.
func (m *Metrics) SetBaselineBytes(n int) {
	if m == nil {
		return
	}
	m.baselineBytes.Set(float64(n))
}

// RecordRestore records the duration of a baseline restore.
func (m *Metrics) RecordRestore(duration time.Duration) {
	if m == nil {
		return
	}
	m.restoreDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordCleanupFailures adds namespace nodes that could not be removed.
func (m *Metrics) RecordCleanupFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupFailures.Add(float64(n))
}

// RecordEngineFault counts an engine abort.
func (m *Metrics) RecordEngineFault() {
	if m == nil {
		return
	}
	m.engineFaults.Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns nil
// when metrics serving is disabled.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
