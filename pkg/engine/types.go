package engine

import (
	"encoding/json"
	"time"
)

// OperationID uniquely identifies an operation in the dependency graph.
// Operations are conventionally named "<service>_<component>_<action>", or
// "<service>_<action>" for service-wide operations.
type OperationID string

// ServiceComponent identifies a deployable component within a service.
// An empty Component designates the service itself.
type ServiceComponent struct {
	Service   string `json:"service" yaml:"service"`
	Component string `json:"component,omitempty" yaml:"component,omitempty"`
}

// String renders the pair as "service_component", or "service" for
// service-level entries.
func (sc ServiceComponent) String() string {
	if sc.Component == "" {
		return sc.Service
	}
	return sc.Service + "_" + sc.Component
}

// IsServiceLevel returns true when the pair designates a whole service.
func (sc ServiceComponent) IsServiceLevel() bool {
	return sc.Component == ""
}

// Less orders pairs by service then component.
func (sc ServiceComponent) Less(other ServiceComponent) bool {
	if sc.Service != other.Service {
		return sc.Service < other.Service
	}
	return sc.Component < other.Component
}

// Operation is a node of the dependency graph.
type Operation struct {
	// ID is the unique identifier for this operation.
	ID OperationID `json:"id"`

	// Service owning the operation.
	Service string `json:"service"`

	// Component owning the operation. Empty for service-wide operations.
	Component string `json:"component,omitempty"`

	// Action is what the operation does.
	Action ActionKind `json:"action"`

	// DependsOn lists operations that must complete before this one.
	DependsOn []OperationID `json:"depends_on,omitempty"`

	// Command is interpreted by executors. The engine never reads it.
	Command string `json:"command,omitempty"`

	// Labels are free-form key-value pairs for executors and policies.
	Labels map[string]string `json:"labels,omitempty"`
}

// ServiceComponent returns the pair that owns the operation.
func (o Operation) ServiceComponent() ServiceComponent {
	return ServiceComponent{Service: o.Service, Component: o.Component}
}

// Plan is an ordered, deduplicated and noop-filtered sequence of operations.
// A plan is immutable once built by the Planner.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Mode is the reconciliation mode that produced the plan.
	Mode PlanMode `json:"mode"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	operations []Operation
	index      map[OperationID]int
	changed    []ServiceComponent

	// covered lists the pairs a successful run brings to their desired
	// version, including pairs whose selected operations were all noop.
	covered []ServiceComponent
}

func newPlan(id string, mode PlanMode, createdAt time.Time, ops []Operation, changed, covered []ServiceComponent) *Plan {
	p := &Plan{
		ID:         id,
		Mode:       mode,
		CreatedAt:  createdAt,
		operations: ops,
		index:      make(map[OperationID]int, len(ops)),
		changed:    changed,
		covered:    covered,
	}
	for i, op := range ops {
		p.index[op.ID] = i
	}
	return p
}

// MarshalJSON renders the plan with its operations.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID         string             `json:"id"`
		Mode       PlanMode           `json:"mode"`
		CreatedAt  time.Time          `json:"created_at"`
		Operations []Operation        `json:"operations"`
		Changed    []ServiceComponent `json:"changed,omitempty"`
	}{
		ID:         p.ID,
		Mode:       p.Mode,
		CreatedAt:  p.CreatedAt,
		Operations: p.operations,
		Changed:    p.changed,
	})
}

// Len returns the number of operations in the plan.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.operations)
}

// Operations returns a copy of the planned operations in execution order.
func (p *Plan) Operations() []Operation {
	if p == nil {
		return nil
	}
	out := make([]Operation, len(p.operations))
	copy(out, p.operations)
	return out
}

// OperationIDs returns the planned operation identifiers in execution order.
func (p *Plan) OperationIDs() []OperationID {
	if p == nil {
		return nil
	}
	ids := make([]OperationID, len(p.operations))
	for i, op := range p.operations {
		ids[i] = op.ID
	}
	return ids
}

// Contains reports whether the plan includes the operation.
func (p *Plan) Contains(id OperationID) bool {
	if p == nil {
		return false
	}
	_, ok := p.index[id]
	return ok
}

// Position returns the zero-based execution position of an operation, or -1.
func (p *Plan) Position(id OperationID) int {
	if p == nil {
		return -1
	}
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// Changed returns the pairs whose configuration change produced the plan.
// It is empty for full plans.
func (p *Plan) Changed() []ServiceComponent {
	if p == nil {
		return nil
	}
	out := make([]ServiceComponent, len(p.changed))
	copy(out, p.changed)
	return out
}

// Covered returns the pairs a successful run of the plan settles at their
// desired version: the changed pairs of a reconfiguration, or every pair
// owning a selected operation of a full plan, noop operations included.
func (p *Plan) Covered() []ServiceComponent {
	if p == nil {
		return nil
	}
	out := make([]ServiceComponent, len(p.covered))
	copy(out, p.covered)
	return out
}

// Components returns the distinct pairs touched by the plan in order of
// first appearance.
func (p *Plan) Components() []ServiceComponent {
	if p == nil {
		return nil
	}
	seen := make(map[ServiceComponent]struct{})
	var out []ServiceComponent
	for _, op := range p.operations {
		sc := op.ServiceComponent()
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// lastOperationIndex maps each pair to the position of its last operation.
func (p *Plan) lastOperationIndex() map[ServiceComponent]int {
	last := make(map[ServiceComponent]int)
	for i, op := range p.operations {
		last[op.ServiceComponent()] = i
	}
	return last
}

// DeploymentRecord is the durable top-level entity for one execution attempt.
type DeploymentRecord struct {
	// ID is the unique identifier for this deployment.
	ID string `json:"id"`

	// PlanID is the plan this deployment executes.
	PlanID string `json:"plan_id"`

	// Mode is the plan's reconciliation mode.
	Mode PlanMode `json:"mode"`

	// State is the current deployment state.
	State DeploymentState `json:"state"`

	// DryRun is true when operations were simulated.
	DryRun bool `json:"dry_run"`

	// Operations lists the planned operations in execution order.
	Operations []OperationID `json:"operations"`

	// Changed lists the pairs that triggered a reconfigure plan.
	Changed []ServiceComponent `json:"changed,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the first operation began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the record reached a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Operations = append([]OperationID(nil), r.Operations...)
	c.Changed = append([]ServiceComponent(nil), r.Changed...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Duration returns the time between start and end, or zero while running.
func (r *DeploymentRecord) Duration() time.Duration {
	if r == nil || r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// OperationOutcome is the result of one planned operation.
type OperationOutcome struct {
	DeploymentID string       `json:"deployment_id"`
	Sequence     int          `json:"sequence"`
	OperationID  OperationID  `json:"operation_id"`
	Service      string       `json:"service"`
	Component    string       `json:"component,omitempty"`
	Action       ActionKind   `json:"action"`
	State        OutcomeState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at"`
	Diagnostics  string       `json:"diagnostics,omitempty"`
}

// ComponentOutcome is the aggregate result for one (service, component)
// pair once its last planned operation has run or it has failed.
type ComponentOutcome struct {
	DeploymentID string       `json:"deployment_id"`
	Service      string       `json:"service"`
	Component    string       `json:"component,omitempty"`
	State        OutcomeState `json:"state"`
	Version      Fingerprint  `json:"version,omitempty"`
	EndedAt      time.Time    `json:"ended_at"`
}

// ServiceComponent returns the pair the outcome refers to.
func (c ComponentOutcome) ServiceComponent() ServiceComponent {
	return ServiceComponent{Service: c.Service, Component: c.Component}
}

// OutcomeKind discriminates the Outcome union.
type OutcomeKind string

const (
	OutcomeKindOperation OutcomeKind = "operation"
	OutcomeKindComponent OutcomeKind = "component"
)

// Outcome is one element of a deployment's outcome sequence. Exactly one of
// Operation or Component is set.
type Outcome struct {
	Operation *OperationOutcome `json:"operation,omitempty"`
	Component *ComponentOutcome `json:"component,omitempty"`
}

// Kind returns which variant the outcome holds.
func (o Outcome) Kind() OutcomeKind {
	if o.Component != nil {
		return OutcomeKindComponent
	}
	return OutcomeKindOperation
}

// OperationResult is what an executor reports for one operation.
type OperationResult struct {
	Status      OutcomeState `json:"status"`
	Diagnostics string       `json:"diagnostics,omitempty"`
}

// Succeeded reports whether the execution succeeded.
func (r OperationResult) Succeeded() bool {
	return r.Status == OutcomeSuccess
}

// NewPlan builds a plan from operations that are already in execution
// order. Planner is the usual way to obtain a plan; NewPlan serves callers
// that replay or hand-assemble one. Use Planner.ValidatePlan to check it
// against a graph.
func NewPlan(id string, mode PlanMode, createdAt time.Time, ops []Operation, changed []ServiceComponent) *Plan {
	copied := make([]Operation, len(ops))
	copy(copied, ops)
	changed = append([]ServiceComponent(nil), changed...)
	return newPlan(id, mode, createdAt, copied, changed, changed)
}
