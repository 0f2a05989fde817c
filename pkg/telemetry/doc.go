// Package telemetry provides observability for planning and deployments.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a single
// Telemetry value.
//
// # Architecture
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces exported to stdout or OTLP
//  3. Metrics Collection - Prometheus counters and histograms per deployment
//  4. Event Publishing - Ordered event delivery to in-process subscribers
//
// # Usage
//
// Initialize telemetry from the settings file:
//
//	tel, err := telemetry.NewTelemetry(telemetry.FromSettings(settings.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Deployments
//
// A deployment is observed through a DeploymentScope. Its Observe method has
// the engine.OutcomeHandler signature so it plugs into engine.Persist and
// engine.Drain:
//
//	scope := tel.StartDeployment(ctx, record)
//	final, err := engine.Persist(scope.Ctx, store, deployment, scope.Observe)
//	scope.End(final, err)
//
// Executors are wrapped with InstrumentExecutor so that each operation runs
// in its own span with an operation-scoped logger in its context:
//
//	runner := engine.NewRunner(tel.InstrumentExecutor(executor))
//
// # Metrics
//
// Exposed under the "reconcile" namespace:
//
//   - deployments_started_total, deployments_completed_total
//   - deployment_duration_seconds
//   - operations_executed_total, operation_duration_seconds
//   - component_outcomes_total
//   - plans_computed_total, plan_operations, components_changed_total
//   - policy_violations_total
//   - errors_by_class_total, errors_by_code_total
//   - active_deployments, pending_operations
//
// # Events
//
// Subscribers receive events in publish order, optionally filtered:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
