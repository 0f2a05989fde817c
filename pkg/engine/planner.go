package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Planner computes deployment plans over one graph snapshot. A planner is
// safe for concurrent use since it never mutates the graph.
type Planner struct {
	graph       *Graph
	seedActions map[ActionKind]bool
	restart     bool
	now         func() time.Time
	newID       func() string
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithSeedActions restricts the operations of a changed component that
// seed a reconfigure plan to the given actions. By default every operation
// of a changed component is a seed.
func WithSeedActions(actions ...ActionKind) PlannerOption {
	return func(p *Planner) {
		if len(actions) == 0 {
			p.seedActions = nil
			return
		}
		p.seedActions = make(map[ActionKind]bool, len(actions))
		for _, a := range actions {
			p.seedActions[a] = true
		}
	}
}

// WithRestart rewrites start actions to restart in produced plans.
func WithRestart(restart bool) PlannerOption {
	return func(p *Planner) {
		p.restart = restart
	}
}

// WithPlannerClock overrides the clock used to stamp plans.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) {
		p.now = now
	}
}

// WithPlanIDGenerator overrides how plan identifiers are generated.
func WithPlanIDGenerator(newID func() string) PlannerOption {
	return func(p *Planner) {
		p.newID = newID
	}
}

// NewPlanner creates a planner for graph.
func NewPlanner(graph *Graph, opts ...PlannerOption) *Planner {
	p := &Planner{
		graph: graph,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Graph returns the graph the planner works on.
func (p *Planner) Graph() *Graph {
	return p.graph
}

// PlanReconfigure computes the operations to re-run so that every changed
// pair reaches its desired configuration:
//
//  1. diff desired against lastSuccess; no change fails with NothingToRestart
//  2. collect the operations of every changed pair and expand them to their
//     descendant closure
//  3. drop noop operations; nothing left fails with EmptyDeploymentPlan
//  4. order the result topologically
func (p *Planner) PlanReconfigure(desired, lastSuccess VersionMap) (*Plan, error) {
	changed := Diff(desired, lastSuccess)
	if len(changed) == 0 {
		return nil, NewNothingToRestartError()
	}

	seeds := p.seedsFor(changed)
	affected, err := p.graph.DescendantClosure(seeds)
	if err != nil {
		return nil, err
	}

	filtered := p.dropNoop(affected)
	if len(filtered) == 0 {
		return nil, NewEmptyDeploymentPlanError(changed)
	}

	return p.build(PlanModeReconfigure, filtered, changed, changed)
}

// PlanFilter narrows a full plan. Empty fields do not filter.
type PlanFilter struct {
	// Sources keeps the listed operations and their descendants.
	Sources []OperationID `json:"sources,omitempty"`

	// Targets keeps the listed operations and their ancestors.
	Targets []OperationID `json:"targets,omitempty"`

	// Services keeps only operations of these services.
	Services []string `json:"services,omitempty"`
}

// IsEmpty returns true when the filter keeps every operation.
func (f PlanFilter) IsEmpty() bool {
	return len(f.Sources) == 0 && len(f.Targets) == 0 && len(f.Services) == 0
}

// PlanFull plans every non-noop operation of the graph that passes filter.
// When both sources and targets are set only operations between them are
// kept.
func (p *Planner) PlanFull(filter PlanFilter) (*Plan, error) {
	selected := make(OperationSet, p.graph.Len())
	for _, op := range p.graph.operations {
		selected.Add(op.ID)
	}

	if len(filter.Sources) > 0 {
		down, err := p.graph.DescendantClosure(filter.Sources)
		if err != nil {
			return nil, err
		}
		selected = intersect(selected, down)
	}
	if len(filter.Targets) > 0 {
		up, err := p.graph.AncestorClosure(filter.Targets)
		if err != nil {
			return nil, err
		}
		selected = intersect(selected, up)
	}
	if len(filter.Services) > 0 {
		keep := make(OperationSet)
		for _, svc := range filter.Services {
			for _, id := range p.graph.OperationsForService(svc) {
				keep.Add(id)
			}
		}
		selected = intersect(selected, keep)
	}

	filtered := p.dropNoop(selected)
	if len(filtered) == 0 {
		return nil, NewEmptyDeploymentPlanError(nil)
	}

	return p.build(PlanModeFull, filtered, nil, p.pairsOf(selected))
}

// ValidatePlan checks a plan against the graph: it must be non-empty,
// reference known operations once each, and place every included ancestor
// of an operation before it.
func (p *Planner) ValidatePlan(plan *Plan) error {
	if plan.Len() == 0 {
		return NewInvalidPlanError("plan has no operations")
	}
	if err := plan.Mode.Validate(); err != nil {
		return NewPermanentError("plan has an invalid mode", err).WithCode(ErrCodeInvalidPlan)
	}

	seen := make(map[OperationID]int, plan.Len())
	for i, op := range plan.operations {
		if _, dup := seen[op.ID]; dup {
			return NewInvalidPlanError(fmt.Sprintf("operation %s appears twice", op.ID)).
				WithResource(string(op.ID))
		}
		seen[op.ID] = i
		if _, ok := p.graph.Operation(op.ID); !ok {
			return NewInvalidPlanError(fmt.Sprintf("operation %s is not in the graph", op.ID)).
				WithResource(string(op.ID))
		}
		if op.Action.IsNoop() {
			return NewInvalidPlanError(fmt.Sprintf("operation %s is a noop", op.ID)).
				WithResource(string(op.ID))
		}
	}

	for i, op := range plan.operations {
		ancestors, err := p.graph.AncestorsOf(op.ID)
		if err != nil {
			return err
		}
		for anc := range ancestors {
			if j, ok := seen[anc]; ok && j > i {
				return NewInvalidPlanError(
					fmt.Sprintf("operation %s runs before its dependency %s", op.ID, anc)).
					WithResource(string(op.ID))
			}
		}
	}
	return nil
}

// seedsFor maps changed pairs to the operations they own. A service-level
// pair owns every operation of the service.
func (p *Planner) seedsFor(changed []ServiceComponent) []OperationID {
	var seeds []OperationID
	for _, sc := range changed {
		var ids []OperationID
		if sc.IsServiceLevel() {
			ids = p.graph.OperationsForService(sc.Service)
		} else {
			ids = p.graph.OperationsFor(sc)
		}
		for _, id := range ids {
			if p.seedActions != nil {
				op, _ := p.graph.Operation(id)
				if !p.seedActions[op.Action] {
					continue
				}
			}
			seeds = append(seeds, id)
		}
	}
	return seeds
}

func (p *Planner) dropNoop(set OperationSet) OperationSet {
	out := make(OperationSet, len(set))
	for id := range set {
		op, ok := p.graph.Operation(id)
		if !ok || op.Action.IsNoop() {
			continue
		}
		out.Add(id)
	}
	return out
}

func (p *Planner) build(mode PlanMode, set OperationSet, changed, covered []ServiceComponent) (*Plan, error) {
	order, err := p.graph.TopologicalOrder(set)
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, len(order))
	for i, id := range order {
		op, _ := p.graph.Operation(id)
		op.DependsOn = append([]OperationID(nil), op.DependsOn...)
		if p.restart && op.Action == ActionStart {
			op.Action = ActionRestart
		}
		ops[i] = op
	}

	return newPlan(p.newID(), mode, p.now(), ops,
		append([]ServiceComponent(nil), changed...),
		append([]ServiceComponent(nil), covered...)), nil
}

// pairsOf returns the distinct pairs owning an operation of set, in
// declaration order.
func (p *Planner) pairsOf(set OperationSet) []ServiceComponent {
	seen := make(map[ServiceComponent]bool)
	var out []ServiceComponent
	for _, op := range p.graph.operations {
		sc := op.ServiceComponent()
		if set.Has(op.ID) && !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}
	return out
}

func intersect(a, b OperationSet) OperationSet {
	out := make(OperationSet)
	for id := range a {
		if b.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// PlanReconfigure is a shorthand for NewPlanner(graph).PlanReconfigure.
func PlanReconfigure(graph *Graph, desired, lastSuccess VersionMap) (*Plan, error) {
	return NewPlanner(graph).PlanReconfigure(desired, lastSuccess)
}
