package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that discards logs, spans and events while still
// counting metrics in a private registry.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Events.Enabled = false

	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  NewLoggerFrom(zerolog.Nop()),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if an address is set.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(*t.Logger.Zerolog())
}

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	name string
	tel  *Telemetry
}

// Instrument begins an instrumented task with logging, tracing, and timing.
func Instrument(ctx context.Context, name string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, name, attrs...)
	logger := tel.Logger.WithField("task", name)

	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
		name:   name,
		tel:    tel,
	}
}

// End finishes the instrumented task, recording success or failure and
// its duration.
func (ic *InstrumentedContext) End(err error) {
	if ic.tel != nil {
		ic.tel.Metrics.ObserveTask(ic.name, err, ic.Timer)
	}
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// RecordPlan records a computed plan in metrics, on the current span and
// as an event.
func (t *Telemetry) RecordPlan(ctx context.Context, plan *engine.Plan) {
	t.Metrics.RecordPlan(plan)
	t.Metrics.RecordChangedComponents(len(plan.Changed()))
	SpanFromContext(ctx).SetAttributes(
		AttrPlanID.String(plan.ID),
		attribute.Int("plan.operations", plan.Len()),
	)
	_ = t.Events.PublishPlanComputed(plan)

	t.Logger.WithPlanID(plan.ID).zlog.Info().
		Str("mode", string(plan.Mode)).
		Int("operations", plan.Len()).
		Int("changed", len(plan.Changed())).
		Msg("Plan computed")
}

// DeploymentScope carries the telemetry of one running deployment.
type DeploymentScope struct {
	// Ctx carries the deployment span and logger.
	Ctx context.Context

	tel     *Telemetry
	span    trace.Span
	logger  *Logger
	pending int
}

// StartDeployment opens a deployment span and records the start of a
// deployment. Observe must be passed every outcome and End called once.
func (t *Telemetry) StartDeployment(ctx context.Context, record *engine.DeploymentRecord) *DeploymentScope {
	spanCtx, span := t.Tracer.StartDeploymentSpan(ctx, record)
	logger := t.Logger.WithDeploymentID(record.ID).WithPlanID(record.PlanID)

	t.Metrics.RecordDeploymentStarted(record)
	_ = t.Events.PublishDeploymentStarted(record)

	logger.zlog.Info().
		Str("mode", string(record.Mode)).
		Bool("dry_run", record.DryRun).
		Int("operations", len(record.Operations)).
		Msg("Deployment started")

	return &DeploymentScope{
		Ctx:     logger.WithContext(spanCtx),
		tel:     t,
		span:    span,
		logger:  logger,
		pending: len(record.Operations),
	}
}

// Observe records one outcome. It has the engine.OutcomeHandler signature.
func (s *DeploymentScope) Observe(outcome engine.Outcome) {
	s.tel.Metrics.RecordOutcome(outcome)
	_ = s.tel.Events.PublishOutcome(outcome)
	AddOutcomeEvent(s.span, outcome)

	switch outcome.Kind() {
	case engine.OutcomeKindOperation:
		s.pending--
		op := outcome.Operation
		ev := s.logger.zlog.Info()
		if op.State != engine.OutcomeSuccess {
			ev = s.logger.zlog.Warn().Str("diagnostics", op.Diagnostics)
		}
		ev.Str("operation_id", string(op.OperationID)).
			Int("sequence", op.Sequence).
			Str("state", string(op.State)).
			Dur("duration", op.EndedAt.Sub(op.StartedAt)).
			Msg("Operation finished")
	case engine.OutcomeKindComponent:
		c := outcome.Component
		s.logger.zlog.Debug().
			Str("component", c.ServiceComponent().String()).
			Str("state", string(c.State)).
			Str("version", string(c.Version)).
			Msg("Component finished")
	}
}

// End closes the deployment span and records the terminal record.
func (s *DeploymentScope) End(record *engine.DeploymentRecord, err error) {
	s.span.SetAttributes(AttrDeploymentState.String(string(record.State)))
	if err == nil && record.State == engine.DeploymentFailure {
		err = errors.New("deployment finished with state FAILURE")
	}
	if err != nil {
		RecordError(s.span, err)
		s.tel.Metrics.RecordEngineError(err)
	} else {
		RecordSuccess(s.span)
	}
	s.span.End()

	s.tel.Metrics.RecordDeploymentCompleted(record, s.pending)
	_ = s.tel.Events.PublishDeploymentFinished(record)

	ev := s.logger.zlog.Info()
	if err != nil {
		ev = s.logger.zlog.Error().Err(err)
	}
	ev.Str("state", string(record.State)).
		Dur("duration", record.Duration()).
		Msg("Deployment finished")
}

// InstrumentExecutor wraps an executor so every operation runs in its own
// span with an operation-scoped logger in its context.
func (t *Telemetry) InstrumentExecutor(next engine.Executor) engine.Executor {
	return engine.ExecutorFunc(func(ctx context.Context, op engine.Operation, dryRun bool) engine.OperationResult {
		spanCtx, span := t.Tracer.StartOperationSpan(ctx, op)
		defer span.End()

		logger := t.Logger
		if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
			logger = l
		}
		logger = logger.WithOperation(op)
		spanCtx = logger.WithContext(spanCtx)

		logger.zlog.Debug().Bool("dry_run", dryRun).Msg("Executing operation")
		result := next.Execute(spanCtx, op, dryRun)

		span.SetAttributes(AttrOutcomeState.String(string(result.Status)))
		if result.Succeeded() {
			RecordSuccess(span)
		} else {
			RecordError(span, errors.New(result.Diagnostics))
		}
		return result
	})
}
