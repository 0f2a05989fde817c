package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/executor"
	"github.com/openfroyo/reconcile/pkg/policy"
	"github.com/openfroyo/reconcile/pkg/stores"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

// ErrDeploymentFailed matches the error returned when a deployment reaches
// a terminal state other than SUCCESS.
var ErrDeploymentFailed = engine.ErrDeploymentNotSuccess

// Audit actions written by the service.
const (
	AuditPlanDenied         = "plan.denied"
	AuditDeploymentFinished = "deployment.finished"
	AuditDanglingFinalized  = "deployment.dangling_finalized"
)

// ExecutorFactory builds the executor for one deployment.
type ExecutorFactory func(s config.ExecutorSettings, logger zerolog.Logger) (executor.Executor, error)

// Deps are the collaborators of a Service.
type Deps struct {
	Settings *config.Settings

	// Store records deployments and provides the last success versions.
	Store stores.Store

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	// Policy admits plans before they run. Nil disables admission.
	Policy *policy.Engine

	// Schemas defaults to the built-in schema registry.
	Schemas *config.SchemaRegistry

	// NewExecutor defaults to executor.FromSettings.
	NewExecutor ExecutorFactory

	// Actor is recorded in audit entries and policy input.
	Actor string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service ties configuration loading, planning, admission, execution and
// persistence together.
type Service struct {
	settings    *config.Settings
	store       stores.Store
	tel         *telemetry.Telemetry
	policy      *policy.Engine
	schemas     *config.SchemaRegistry
	newExecutor ExecutorFactory
	actor       string
	now         func() time.Time
}

// NewService creates a service. Settings and Store are required.
func NewService(deps Deps) (*Service, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}

	s := &Service{
		settings:    deps.Settings,
		store:       deps.Store,
		tel:         deps.Telemetry,
		policy:      deps.Policy,
		schemas:     deps.Schemas,
		newExecutor: deps.NewExecutor,
		actor:       deps.Actor,
		now:         deps.Now,
	}
	if s.tel == nil {
		s.tel = telemetry.Nop()
	}
	if s.schemas == nil {
		s.schemas = config.NewSchemaRegistry()
	}
	if s.newExecutor == nil {
		s.newExecutor = executor.FromSettings
	}
	if s.actor == "" {
		s.actor = "reconcile"
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Request describes one plan or deployment.
type Request struct {
	// Mode selects reconfigure (changed components only) or full planning.
	Mode engine.PlanMode

	// Filter narrows a full plan.
	Filter engine.PlanFilter

	// DryRun simulates every operation and records nothing.
	DryRun bool

	// FailurePolicy overrides the configured policy when set.
	FailurePolicy engine.FailurePolicy

	// Command names the caller in policy input, e.g. "reconfigure".
	Command string
}

// Workspace is the loaded configuration a plan is computed from.
type Workspace struct {
	Collection *config.Collection
	Graph      *engine.Graph
	Variables  *config.ClusterVariables
}

// Planned is a validated plan together with the state it was computed from.
type Planned struct {
	Plan        *engine.Plan              `json:"plan"`
	Changed     []engine.ServiceComponent `json:"changed,omitempty"`
	Policy      *policy.Result            `json:"policy,omitempty"`
	Desired     engine.VersionMap         `json:"-"`
	LastSuccess engine.VersionMap         `json:"-"`
	Workspace   *Workspace                `json:"-"`
}

// Result is the outcome of Reconfigure or Deploy.
type Result struct {
	// NothingToDo is set when every component already runs its desired
	// configuration. No deployment was created.
	NothingToDo bool `json:"nothing_to_do"`

	Planned *Planned                 `json:"planned,omitempty"`
	Record  *engine.DeploymentRecord `json:"record,omitempty"`

	// Outcomes in the order they were produced.
	Outcomes []engine.Outcome `json:"outcomes,omitempty"`
}

// Settings returns the settings the service runs with.
func (s *Service) Settings() *config.Settings {
	return s.settings
}

// Load reads the collections and variables and builds the dependency graph.
func (s *Service) Load(ctx context.Context) (ws *Workspace, err error) {
	ic := telemetry.Instrument(s.tel.WithContext(ctx), "configuration.load")
	defer func() { ic.End(err) }()

	collection, err := config.NewCollectionLoader(s.schemas).Load(ic.Ctx, s.settings.Collections.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load collections: %w", err)
	}
	graph, err := collection.Graph()
	if err != nil {
		return nil, err
	}

	vars, err := config.NewVariablesLoader(s.settings.Variables, s.schemas).Load(ic.Ctx, graph.Components())
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}

	ic.Logger.Zerolog().Debug().
		Int("operations", graph.Len()).
		Int("files", len(collection.SourceFiles)+len(vars.SourceFiles)).
		Msg("Configuration loaded")

	return &Workspace{Collection: collection, Graph: graph, Variables: vars}, nil
}

// Plan computes and validates the plan for req and evaluates the policies
// against it without enforcing them.
func (s *Service) Plan(ctx context.Context, req Request) (*Planned, error) {
	planned, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.policyEnabled() {
		result, err := s.policy.EvaluatePlan(ctx, planned.Plan, s.inputContext(req))
		if err != nil {
			return nil, err
		}
		planned.Policy = result
		s.recordViolations(planned.Plan, result)
	}
	return planned, nil
}

// Reconfigure restarts what changed since the last successful deployment.
func (s *Service) Reconfigure(ctx context.Context, req Request) (*Result, error) {
	req.Mode = engine.PlanModeReconfigure
	if req.Command == "" {
		req.Command = "reconfigure"
	}
	return s.Deploy(ctx, req)
}

// Deploy plans, admits and runs req. Real runs are persisted as each outcome
// is produced; dry runs record nothing. A deployment that does not finish
// with SUCCESS returns its result together with an error matching
// ErrDeploymentFailed.
func (s *Service) Deploy(ctx context.Context, req Request) (*Result, error) {
	if req.Mode == "" {
		req.Mode = engine.PlanModeFull
	}
	if req.Command == "" {
		req.Command = "deploy"
	}

	planned, err := s.plan(ctx, req)
	if engine.IsNothingToRestart(err) {
		s.tel.Logger.Zerolog().Info().Msg("Nothing needs to be restarted")
		return &Result{NothingToDo: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.admit(ctx, planned, req); err != nil {
		return &Result{Planned: planned}, err
	}

	result, err := s.run(ctx, planned, req)
	if err != nil {
		return result, err
	}
	if result.Record.State != engine.DeploymentSuccess {
		return result, engine.NewDeploymentNotSuccessError(result.Record)
	}
	return result, nil
}

func (s *Service) plan(ctx context.Context, req Request) (planned *Planned, err error) {
	ctx, span := s.tel.Tracer.StartPlanSpan(ctx, req.Mode)
	defer func() {
		if err != nil && !engine.IsExpected(err) {
			telemetry.RecordError(span, err)
			s.tel.Metrics.RecordEngineError(err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	ws, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	lastSuccess, err := s.store.LatestSuccessVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last successful versions: %w", err)
	}

	planner := engine.NewPlanner(ws.Graph,
		engine.WithSeedActions(s.settings.Executor.SeedActions...),
		engine.WithRestart(s.settings.Executor.Restart),
		engine.WithPlannerClock(s.now),
	)

	desired := ws.Variables.Versions
	var plan *engine.Plan
	switch req.Mode {
	case engine.PlanModeReconfigure:
		plan, err = planner.PlanReconfigure(desired, lastSuccess)
	case engine.PlanModeFull, "":
		plan, err = planner.PlanFull(req.Filter)
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown plan mode %q", req.Mode), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err != nil {
		return nil, err
	}
	if err := planner.ValidatePlan(plan); err != nil {
		return nil, err
	}

	s.tel.RecordPlan(ctx, plan)

	return &Planned{
		Plan:        plan,
		Desired:     desired,
		LastSuccess: lastSuccess,
		Workspace:   ws,
		Changed:     engine.Diff(desired, lastSuccess),
	}, nil
}

func (s *Service) admit(ctx context.Context, planned *Planned, req Request) error {
	if !s.policyEnabled() {
		return nil
	}

	result, err := s.policy.Admit(ctx, planned.Plan, s.inputContext(req), policy.Mode(s.settings.Policy.Mode))
	if result != nil {
		planned.Policy = result
		s.recordViolations(planned.Plan, result)
	}
	if err != nil && policy.IsDenied(err) {
		s.audit(ctx, AuditPlanDenied, planned.Plan.ID, result)
	}
	return err
}

func (s *Service) run(ctx context.Context, planned *Planned, req Request) (*Result, error) {
	failurePolicy := req.FailurePolicy
	if failurePolicy == "" {
		failurePolicy = s.settings.Executor.FailurePolicy
	}

	logger := s.tel.Logger.WithPlanID(planned.Plan.ID).
		WithExecutor(s.settings.Executor.Type, s.settings.Executor.PluginPath)
	exec, err := s.newExecutor(s.settings.Executor, *logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	runner := engine.NewRunner(s.tel.InstrumentExecutor(exec),
		engine.WithFailurePolicy(failurePolicy),
		engine.WithVersions(planned.Desired),
		engine.WithRunnerClock(s.now),
	)
	record, d, err := runner.Run(planned.Plan, req.DryRun)
	if err != nil {
		return nil, errors.Join(err, exec.Close(ctx))
	}

	result := &Result{Planned: planned}
	collect := func(o engine.Outcome) { result.Outcomes = append(result.Outcomes, o) }

	scope := s.tel.StartDeployment(ctx, record)
	var final *engine.DeploymentRecord
	if req.DryRun {
		final, err = engine.Drain(scope.Ctx, d, scope.Observe, collect)
	} else {
		final, err = engine.Persist(scope.Ctx, s.store, d, scope.Observe, collect)
	}
	if final == nil {
		final = d.Record().Clone()
	}
	if closeErr := exec.Close(context.WithoutCancel(ctx)); closeErr != nil {
		logger.Zerolog().Warn().Err(closeErr).Msg("Failed to close executor")
	}
	scope.End(final, err)
	result.Record = final

	if !req.DryRun {
		s.audit(ctx, AuditDeploymentFinished, final.ID, map[string]interface{}{
			"plan_id":        final.PlanID,
			"mode":           final.Mode,
			"state":          final.State,
			"failure_policy": failurePolicy,
			"operations":     len(final.Operations),
		})
	}
	return result, err
}

// Graph loads the configuration and returns its dependency graph.
func (s *Service) Graph(ctx context.Context) (*engine.Graph, error) {
	collection, err := config.NewCollectionLoader(s.schemas).Load(ctx, s.settings.Collections.Paths)
	if err != nil {
		return nil, err
	}
	return collection.Graph()
}

// History lists recorded deployments, most recent first.
func (s *Service) History(ctx context.Context, filter stores.DeploymentFilter) ([]*engine.DeploymentRecord, error) {
	return s.store.ListDeployments(ctx, filter)
}

// DeploymentDetails is a recorded deployment with its outcomes.
type DeploymentDetails struct {
	Record     *engine.DeploymentRecord  `json:"record"`
	Operations []engine.OperationOutcome `json:"operations"`
	Components []engine.ComponentOutcome `json:"components"`
}

// Show returns one recorded deployment.
func (s *Service) Show(ctx context.Context, id string) (*DeploymentDetails, error) {
	record, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	ops, err := s.store.ListOperationOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	comps, err := s.store.ListComponentOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DeploymentDetails{Record: record, Operations: ops, Components: comps}, nil
}

// Recover marks deployments left unfinished by an interrupted process as
// FAILURE. It returns how many were changed.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	n, err := s.store.FinalizeDangling(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize dangling deployments: %w", err)
	}
	if n > 0 {
		s.tel.Logger.Zerolog().Warn().Int64("deployments", n).Msg("Marked interrupted deployments as FAILURE")
		s.audit(ctx, AuditDanglingFinalized, "", map[string]int64{"deployments": n})
	}
	return n, nil
}

func (s *Service) policyEnabled() bool {
	return s.policy != nil && s.settings.Policy.Enabled
}

func (s *Service) inputContext(req Request) policy.InputContext {
	failurePolicy := req.FailurePolicy
	if failurePolicy == "" {
		failurePolicy = s.settings.Executor.FailurePolicy
	}
	return policy.InputContext{
		User:          s.actor,
		Command:       req.Command,
		DryRun:        req.DryRun,
		FailurePolicy: failurePolicy,
		Timestamp:     s.now(),
	}
}

func (s *Service) recordViolations(plan *engine.Plan, result *policy.Result) {
	for _, v := range result.Violations {
		s.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		_ = s.tel.Events.PublishPolicyViolation(plan.ID, string(v.Operation), v.Policy, v.Message)
	}
}

// audit writes an audit entry. Failures are logged and otherwise ignored.
func (s *Service) audit(ctx context.Context, action, targetID string, details interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: s.actor}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			d := string(data)
			entry.Details = &d
		}
	}
	if err := s.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		s.tel.Logger.Zerolog().Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}
