package policy

import (
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode decides what a denied plan means for the caller.
type Mode string

const (
	// ModeEnforcing turns a denial into an error.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory only reports violations.
	ModeAdvisory Mode = "advisory"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a
	// "deny" set and may define a "warn" set.
	Rego string `json:"rego"`

	// Severity is the default severity for deny entries.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the tool.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation represents a single deny or warn entry.
type Violation struct {
	// Policy is the name of the policy that produced the entry.
	Policy string `json:"policy"`

	// Operation is the offending operation, when the policy names one.
	Operation engine.OperationID `json:"operation,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`
}

// Result represents the result of evaluating every enabled policy against
// one plan.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists deny entries.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warn entries and non-blocking deny entries.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that deny the plan.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as "input".
type Input struct {
	Plan    PlanInput    `json:"plan"`
	Context InputContext `json:"context"`
	Params  Params       `json:"params"`
}

// PlanInput is the policy view of an engine.Plan.
type PlanInput struct {
	ID         string           `json:"id"`
	Mode       engine.PlanMode  `json:"mode"`
	Operations []OperationInput `json:"operations"`
	Changed    []ComponentInput `json:"changed"`
	Components []ComponentInput `json:"components"`
	Services   []string         `json:"services"`
	Actions    map[string]int   `json:"actions"`
}

// OperationInput is the policy view of an engine.Operation.
type OperationInput struct {
	ID        string            `json:"id"`
	Service   string            `json:"service"`
	Component string            `json:"component"`
	Action    string            `json:"action"`
	Position  int               `json:"position"`
	DependsOn []string          `json:"depends_on"`
	Labels    map[string]string `json:"labels"`
}

// ComponentInput is the policy view of an engine.ServiceComponent.
type ComponentInput struct {
	Service   string `json:"service"`
	Component string `json:"component"`
	Name      string `json:"name"`
}

// InputContext describes the request a plan was computed for.
type InputContext struct {
	// User is who asked for the deployment.
	User string `json:"user,omitempty"`

	// Command is the CLI command, e.g. "reconfigure" or "deploy".
	Command string `json:"command,omitempty"`

	// DryRun indicates operations will only be simulated.
	DryRun bool `json:"dry_run"`

	// FailurePolicy is the runner's failure policy.
	FailurePolicy engine.FailurePolicy `json:"failure_policy,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Params carries settings the built-in policies read.
type Params struct {
	MaxOperations     int      `json:"max_operations"`
	ProtectedServices []string `json:"protected_services"`
}

// NewInput builds the policy input for a plan.
func NewInput(plan *engine.Plan, ctx InputContext, params Params) Input {
	in := Input{
		Plan: PlanInput{
			ID:         plan.ID,
			Mode:       plan.Mode,
			Operations: make([]OperationInput, 0, plan.Len()),
			Changed:    componentInputs(plan.Changed()),
			Components: componentInputs(plan.Components()),
			Services:   []string{},
			Actions:    make(map[string]int),
		},
		Context: ctx,
		Params:  params,
	}
	if in.Params.ProtectedServices == nil {
		in.Params.ProtectedServices = []string{}
	}

	seen := make(map[string]bool)
	for i, op := range plan.Operations() {
		deps := make([]string, len(op.DependsOn))
		for j, d := range op.DependsOn {
			deps[j] = string(d)
		}
		labels := op.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		in.Plan.Operations = append(in.Plan.Operations, OperationInput{
			ID:        string(op.ID),
			Service:   op.Service,
			Component: op.Component,
			Action:    string(op.Action),
			Position:  i,
			DependsOn: deps,
			Labels:    labels,
		})
		in.Plan.Actions[string(op.Action)]++
		if !seen[op.Service] {
			seen[op.Service] = true
			in.Plan.Services = append(in.Plan.Services, op.Service)
		}
	}

	return in
}

func componentInputs(pairs []engine.ServiceComponent) []ComponentInput {
	out := make([]ComponentInput, len(pairs))
	for i, sc := range pairs {
		out[i] = ComponentInput{Service: sc.Service, Component: sc.Component, Name: sc.String()}
	}
	return out
}
