package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Metrics provides Prometheus metrics for planning and deployments.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec

	// Operation metrics
	operationsExecuted *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec

	// Component metrics
	componentOutcomes *prometheus.CounterVec

	// Planning metrics
	plansComputed     *prometheus.CounterVec
	planOperations    *prometheus.HistogramVec
	componentsChanged prometheus.Counter

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Task metrics
	taskDuration *prometheus.HistogramVec

	// System metrics
	activeDeployments prometheus.Gauge
	pendingOperations prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"mode", "dry_run"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments that reached a terminal state",
			},
			[]string{"state"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		operationsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_executed_total",
				Help:      "Total number of operation outcomes by action and state",
			},
			[]string{"action", "state"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		componentOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "component_outcomes_total",
				Help:      "Total number of component outcomes by service and state",
			},
			[]string{"service", "state"},
		),

		plansComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_computed_total",
				Help:      "Total number of plans computed",
			},
			[]string{"mode"},
		),
		planOperations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_operations",
				Help:      "Number of operations per computed plan",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"mode"},
		),
		componentsChanged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "components_changed_total",
				Help:      "Total number of changed components found by configuration diffs",
			},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),

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

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of instrumented tasks such as configuration loading",
				Buckets:   buckets,
			},
			[]string{"task", "status"},
		),

		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of running deployments",
			},
		),
		pendingOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_operations",
				Help:      "Operations of running deployments that have not produced an outcome yet",
			},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.operationsExecuted,
		m.operationDuration,
		m.componentOutcomes,
		m.plansComputed,
		m.planOperations,
		m.componentsChanged,
		m.policyViolations,
		m.errorsByClass,
		m.errorsByCode,
		m.taskDuration,
		m.activeDeployments,
		m.pendingOperations,
	)

	return m, nil
}

// Deployment Metrics

// RecordDeploymentStarted counts a started deployment and its pending
// operations.
func (m *Metrics) RecordDeploymentStarted(record *engine.DeploymentRecord) {
	if m.deploymentsStarted == nil {
		return
	}
	dry := "false"
	if record.DryRun {
		dry = "true"
	}
	m.deploymentsStarted.WithLabelValues(string(record.Mode), dry).Inc()
	m.activeDeployments.Inc()
	m.pendingOperations.Add(float64(len(record.Operations)))
}

// RecordDeploymentCompleted records a terminal deployment. pending is the
// number of planned operations that never produced an outcome.
func (m *Metrics) RecordDeploymentCompleted(record *engine.DeploymentRecord, pending int) {
	if m.deploymentsCompleted == nil {
		return
	}
	state := string(record.State)
	m.deploymentsCompleted.WithLabelValues(state).Inc()
	m.deploymentDuration.WithLabelValues(state).Observe(record.Duration().Seconds())
	m.activeDeployments.Dec()
	m.pendingOperations.Sub(float64(pending))
}

// Outcome Metrics

// RecordOutcome records one element of a deployment's outcome sequence.
func (m *Metrics) RecordOutcome(outcome engine.Outcome) {
	if m.operationsExecuted == nil {
		return
	}
	switch outcome.Kind() {
	case engine.OutcomeKindOperation:
		op := outcome.Operation
		m.operationsExecuted.WithLabelValues(string(op.Action), string(op.State)).Inc()
		if op.State != engine.OutcomeSkipped {
			m.operationDuration.WithLabelValues(string(op.Action)).Observe(op.EndedAt.Sub(op.StartedAt).Seconds())
		}
		m.pendingOperations.Dec()
	case engine.OutcomeKindComponent:
		c := outcome.Component
		m.componentOutcomes.WithLabelValues(c.Service, string(c.State)).Inc()
	}
}

// Planning Metrics

// RecordPlan records a computed plan.
func (m *Metrics) RecordPlan(plan *engine.Plan) {
	if m.plansComputed == nil {
		return
	}
	mode := string(plan.Mode)
	m.plansComputed.WithLabelValues(mode).Inc()
	m.planOperations.WithLabelValues(mode).Observe(float64(plan.Len()))
}

// RecordChangedComponents adds the size of a configuration diff.
func (m *Metrics) RecordChangedComponents(n int) {
	if m.componentsChanged == nil {
		return
	}
	m.componentsChanged.Add(float64(n))
}

// Policy Metrics

// RecordPolicyViolation records one policy violation.
func (m *Metrics) RecordPolicyViolation(policyName, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policyName, severity).Inc()
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

// RecordEngineError records err when it is an engine error.
func (m *Metrics) RecordEngineError(err error) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		m.RecordError(string(ee.Class), ee.Code)
	}
}

// ObserveTask records how long the task timed by t took.
func (m *Metrics) ObserveTask(task string, err error, t *Timer) {
	if m.taskDuration == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.ObserveDuration(m.taskDuration.WithLabelValues(task, status))
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

// ObserveDuration records the elapsed time in seconds.
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

// StartMetricsServer starts an HTTP server exposing metrics. It does
// nothing when metrics are disabled or no listen address is set.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	return nil
}

// Shutdown stops the metrics server if it is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
