package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Runner executes plans one operation at a time through an Executor.
// A runner holds no per-deployment state and may start any number of
// deployments; each Deployment is driven by a single consumer.
type Runner struct {
	executor Executor
	policy   FailurePolicy
	versions VersionMap
	now      func() time.Time
	newID    func() string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithFailurePolicy sets what happens after an operation fails.
// The default is FailurePolicyAbort.
func WithFailurePolicy(policy FailurePolicy) RunnerOption {
	return func(r *Runner) {
		r.policy = policy
	}
}

// WithVersions stamps component outcomes with the fingerprint each pair is
// being deployed at. Successful outcomes become the next lastSuccess.
func WithVersions(versions VersionMap) RunnerOption {
	return func(r *Runner) {
		r.versions = versions.Clone()
	}
}

// WithRunnerClock overrides the clock used for record and outcome timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// WithDeploymentIDGenerator overrides how deployment identifiers are generated.
func WithDeploymentIDGenerator(newID func() string) RunnerOption {
	return func(r *Runner) {
		r.newID = newID
	}
}

// NewRunner creates a runner that executes operations with executor.
func NewRunner(executor Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		executor: executor,
		policy:   FailurePolicyAbort,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run creates a PENDING deployment record for plan and returns it together
// with the lazy outcome sequence. Nothing executes until the sequence is
// advanced. An empty plan fails with InvalidPlanError.
func (r *Runner) Run(plan *Plan, dryRun bool) (*DeploymentRecord, *Deployment, error) {
	if plan.Len() == 0 {
		return nil, nil, NewInvalidPlanError("cannot run an empty plan")
	}
	if r.executor == nil {
		return nil, nil, NewInvalidPlanError("runner has no executor")
	}
	if err := r.policy.Validate(); err != nil {
		return nil, nil, NewPermanentError("runner misconfigured", err).WithCode(ErrCodeValidation)
	}

	record := &DeploymentRecord{
		ID:         r.newID(),
		PlanID:     plan.ID,
		Mode:       plan.Mode,
		State:      DeploymentPending,
		DryRun:     dryRun,
		Operations: plan.OperationIDs(),
		Changed:    plan.Changed(),
		CreatedAt:  r.now(),
	}

	d := &Deployment{
		runner:          r,
		record:          record,
		operations:      plan.Operations(),
		covered:         plan.Covered(),
		dryRun:          dryRun,
		lastIndex:       plan.lastOperationIndex(),
		unsuccessful:    make(map[OperationID]OutcomeState),
		componentState:  make(map[ServiceComponent]OutcomeState),
		componentClosed: make(map[ServiceComponent]bool),
	}
	return record, d, nil
}

// Run is a shorthand for NewRunner(executor).Run(plan, dryRun).
func Run(plan *Plan, executor Executor, dryRun bool) (*DeploymentRecord, *Deployment, error) {
	return NewRunner(executor).Run(plan, dryRun)
}

// Deployment is the pull-based outcome sequence of one execution attempt.
// Each call to Next runs at most one operation. Outcomes are produced in
// plan order: the outcome of operation k is always returned before anything
// about operation k+1.
//
// A Deployment is not safe for concurrent use.
type Deployment struct {
	runner     *Runner
	record     *DeploymentRecord
	operations []Operation
	covered    []ServiceComponent
	dryRun     bool

	next      int
	pending   []Outcome
	stopped   bool
	done      bool
	err       error
	failures  int
	lastIndex map[ServiceComponent]int

	// unsuccessful holds failed and skipped operations
	unsuccessful map[OperationID]OutcomeState

	componentState  map[ServiceComponent]OutcomeState
	componentClosed map[ServiceComponent]bool
}

// Record returns the deployment record. The same record is updated in
// place as the sequence advances.
func (d *Deployment) Record() *DeploymentRecord {
	return d.record
}

// DryRun reports whether operations are simulated.
func (d *Deployment) DryRun() bool {
	return d.dryRun
}

// Err returns the context error that interrupted the sequence, if any.
func (d *Deployment) Err() error {
	return d.err
}

// Done reports whether the sequence is exhausted.
func (d *Deployment) Done() bool {
	return d.done
}

// Next advances the sequence and returns the next outcome. It returns
// false once the sequence is exhausted, in which case the record has
// reached SUCCESS or FAILURE, or when ctx is done, in which case the record
// stays RUNNING and Err reports why. An interrupted deployment must be
// finalized with Abandon.
func (d *Deployment) Next(ctx context.Context) (Outcome, bool) {
	if len(d.pending) > 0 {
		o := d.pending[0]
		d.pending = d.pending[1:]
		return o, true
	}
	if d.done {
		return Outcome{}, false
	}
	if err := ctx.Err(); err != nil {
		d.err = err
		return Outcome{}, false
	}

	if d.record.State == DeploymentPending {
		started := d.runner.now()
		d.record.State = DeploymentRunning
		d.record.StartedAt = &started
	}

	if d.stopped || d.next >= len(d.operations) {
		d.finish()
		if len(d.pending) > 0 {
			return d.Next(ctx)
		}
		return Outcome{}, false
	}

	index := d.next
	d.next++
	op := d.operations[index]

	var outcome OperationOutcome
	if blocker, blocked := d.blockedBy(op); blocked {
		now := d.runner.now()
		outcome = d.newOperationOutcome(index, op, OutcomeSkipped, now, now,
			fmt.Sprintf("not executed: dependency %s did not succeed", blocker))
	} else {
		outcome = d.execute(ctx, index, op)
	}

	sc := op.ServiceComponent()
	switch outcome.State {
	case OutcomeFailure:
		d.failures++
		d.unsuccessful[op.ID] = OutcomeFailure
		d.componentState[sc] = OutcomeFailure
		if d.runner.policy == FailurePolicyAbort {
			d.stopped = true
		}
	case OutcomeSkipped:
		d.unsuccessful[op.ID] = OutcomeSkipped
		if d.componentState[sc] != OutcomeFailure {
			d.componentState[sc] = OutcomeSkipped
		}
	default:
		if _, ok := d.componentState[sc]; !ok {
			d.componentState[sc] = OutcomeSuccess
		}
	}

	if !d.componentClosed[sc] && (outcome.State == OutcomeFailure || d.lastIndex[sc] == index) {
		d.closeComponent(sc, outcome.EndedAt)
	}

	return Outcome{Operation: &outcome}, true
}

// All returns the remaining outcomes as an iterator. Breaking out of the
// loop leaves the deployment where it stopped.
func (d *Deployment) All(ctx context.Context) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		for {
			o, ok := d.Next(ctx)
			if !ok || !yield(o) {
				return
			}
		}
	}
}

// Collect drains the sequence into a slice.
func (d *Deployment) Collect(ctx context.Context) []Outcome {
	var out []Outcome
	for o := range d.All(ctx) {
		out = append(out, o)
	}
	return out
}

// Abandon finalizes an interrupted deployment to FAILURE. It is a no-op
// once the record is terminal.
func (d *Deployment) Abandon() {
	if d.record.State.IsTerminal() {
		return
	}
	ended := d.runner.now()
	d.record.State = DeploymentFailure
	d.record.EndedAt = &ended
	d.pending = nil
	d.done = true
}

func (d *Deployment) execute(ctx context.Context, index int, op Operation) OperationOutcome {
	started := d.runner.now()
	result := d.runner.executor.Execute(ctx, op, d.dryRun)
	ended := d.runner.now()

	state := result.Status
	diagnostics := result.Diagnostics
	if state != OutcomeSuccess && state != OutcomeFailure {
		// Anything other than success or failure counts as a failure.
		diagnostics = strings.TrimSpace(fmt.Sprintf("executor returned status %q\n%s", state, diagnostics))
		state = OutcomeFailure
	}
	return d.newOperationOutcome(index, op, state, started, ended, diagnostics)
}

func (d *Deployment) newOperationOutcome(
	index int,
	op Operation,
	state OutcomeState,
	started, ended time.Time,
	diagnostics string,
) OperationOutcome {
	return OperationOutcome{
		DeploymentID: d.record.ID,
		Sequence:     index + 1,
		OperationID:  op.ID,
		Service:      op.Service,
		Component:    op.Component,
		Action:       op.Action,
		State:        state,
		StartedAt:    started,
		EndedAt:      ended,
		Diagnostics:  diagnostics,
	}
}

// blockedBy reports the first dependency of op that failed or was skipped.
// Only the continue-independent policy ever reaches an operation after a
// failure.
func (d *Deployment) blockedBy(op Operation) (OperationID, bool) {
	if len(d.unsuccessful) == 0 {
		return "", false
	}
	for _, dep := range op.DependsOn {
		if _, bad := d.unsuccessful[dep]; bad {
			return dep, true
		}
	}
	return "", false
}

func (d *Deployment) closeComponent(sc ServiceComponent, ended time.Time) {
	d.componentClosed[sc] = true
	state := d.componentState[sc]
	co := ComponentOutcome{
		DeploymentID: d.record.ID,
		Service:      sc.Service,
		Component:    sc.Component,
		State:        state,
		EndedAt:      ended,
	}
	if state == OutcomeSuccess {
		co.Version = d.runner.versions[sc]
	}
	d.pending = append(d.pending, Outcome{Component: &co})
}

// finish moves the record to its terminal state. On success, covered pairs
// that owned no planned operation are settled at their desired version so
// they are not reported as changed again.
func (d *Deployment) finish() {
	if d.done {
		return
	}
	ended := d.runner.now()
	if d.failures > 0 {
		d.record.State = DeploymentFailure
	} else {
		d.record.State = DeploymentSuccess
		for _, sc := range d.covered {
			if _, planned := d.lastIndex[sc]; planned || d.componentClosed[sc] {
				continue
			}
			version, ok := d.runner.versions[sc]
			if !ok {
				continue
			}
			d.componentClosed[sc] = true
			d.pending = append(d.pending, Outcome{Component: &ComponentOutcome{
				DeploymentID: d.record.ID,
				Service:      sc.Service,
				Component:    sc.Component,
				State:        OutcomeSuccess,
				Version:      version,
				EndedAt:      ended,
			}})
		}
	}
	d.record.EndedAt = &ended
	d.done = true
}
