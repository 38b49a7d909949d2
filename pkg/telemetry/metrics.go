package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Gauntlet.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Check unit metrics
	unitsExecuted *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	unitRetries   *prometheus.CounterVec

	// Probe metrics
	probeCalls    *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	probeErrors   *prometheus.CounterVec

	// Finding metrics
	findingsRecorded *prometheus.CounterVec
	honeypotsPassed  *prometheus.CounterVec

	// Breaker metrics
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns  prometheus.Gauge
	queuedUnits prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of verification runs started",
			},
			[]string{"suite"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of verification runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Check unit metrics
		unitsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_executed_total",
				Help:      "Total number of check units executed",
			},
			[]string{"kind", "status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Duration of check unit execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "project"},
		),
		unitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_retries_total",
				Help:      "Total number of check unit retry attempts",
			},
			[]string{"kind", "error_class"},
		),

		// Probe metrics
		probeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_calls_total",
				Help:      "Total number of probe invocations",
			},
			[]string{"kind", "project"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_call_duration_seconds",
				Help:      "Duration of probe invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "project"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_errors_total",
				Help:      "Total number of probe errors",
			},
			[]string{"kind", "project"},
		),

		// Finding metrics
		findingsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_recorded_total",
				Help:      "Total number of findings recorded",
			},
			[]string{"source", "severity", "project"},
		),
		honeypotsPassed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "honeypots_passed_total",
				Help:      "Total number of honeypot steps that passed when they must fail",
			},
			[]string{"project"},
		),

		// Breaker metrics
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"project", "state"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state per project (0=closed, 1=half-open, 2=open)",
			},
			[]string{"project"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		queuedUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_units",
				Help:      "Current number of queued check units",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.unitsExecuted,
		m.unitDuration,
		m.unitRetries,
		m.probeCalls,
		m.probeDuration,
		m.probeErrors,
		m.findingsRecorded,
		m.honeypotsPassed,
		m.breakerTransitions,
		m.breakerState,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.queuedUnits,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(suite string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(suite).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Check Unit Metrics

// RecordUnitExecution records the execution of a check unit.
func (m *Metrics) RecordUnitExecution(kind, status, project string, duration time.Duration) {
	if m.unitsExecuted == nil {
		return
	}
	m.unitsExecuted.WithLabelValues(kind, status).Inc()
	m.unitDuration.WithLabelValues(kind, project).Observe(duration.Seconds())
}

// RecordUnitRetry records a retry attempt and the error class that caused it.
func (m *Metrics) RecordUnitRetry(kind, errorClass string) {
	if m.unitRetries == nil {
		return
	}
	m.unitRetries.WithLabelValues(kind, errorClass).Inc()
}

// Probe Metrics

// RecordProbeCall records a probe invocation with its duration.
func (m *Metrics) RecordProbeCall(kind, project string, duration time.Duration) {
	if m.probeCalls == nil {
		return
	}
	m.probeCalls.WithLabelValues(kind, project).Inc()
	m.probeDuration.WithLabelValues(kind, project).Observe(duration.Seconds())
}

// RecordProbeError records a probe error.
func (m *Metrics) RecordProbeError(kind, project string) {
	if m.probeErrors == nil {
		return
	}
	m.probeErrors.WithLabelValues(kind, project).Inc()
}

// Finding Metrics

// RecordFinding records a new finding.
func (m *Metrics) RecordFinding(source, severity, project string) {
	if m.findingsRecorded == nil {
		return
	}
	m.findingsRecorded.WithLabelValues(source, severity, project).Inc()
}

// RecordHoneypotPassed records a honeypot inversion.
func (m *Metrics) RecordHoneypotPassed(project string) {
	if m.honeypotsPassed == nil {
		return
	}
	m.honeypotsPassed.WithLabelValues(project).Inc()
}

// Breaker Metrics

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(project, state string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(project, state).Inc()

	value := 0.0
	switch state {
	case "half-open":
		value = 1.0
	case "open":
		value = 2.0
	}
	m.breakerState.WithLabelValues(project).Set(value)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveRuns sets the current number of active runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
}

// SetQueuedUnits sets the current number of queued check units.
func (m *Metrics) SetQueuedUnits(count float64) {
	if m.queuedUnits == nil {
		return
	}
	m.queuedUnits.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
