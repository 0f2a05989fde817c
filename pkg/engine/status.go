package engine

import (
	"encoding/json"
	"fmt"
)

// ActionKind is the action an operation performs on its component.
type ActionKind string

const (
	// ActionInstall installs the component binaries and layout.
	ActionInstall ActionKind = "install"

	// ActionConfig renders and pushes the component configuration.
	ActionConfig ActionKind = "config"

	// ActionStart starts the component.
	ActionStart ActionKind = "start"

	// ActionRestart restarts an already running component.
	ActionRestart ActionKind = "restart"

	// ActionInit performs one-time initialization (formatting, schema creation).
	ActionInit ActionKind = "init"

	// ActionStop stops the component.
	ActionStop ActionKind = "stop"

	// ActionStatus checks the component health without changing it.
	ActionStatus ActionKind = "status"

	// ActionNoop performs no work. Noop operations exist only to carry
	// ordering between other operations.
	ActionNoop ActionKind = "noop"
)

// IsNoop returns true if the action performs no real work.
func (a ActionKind) IsNoop() bool {
	return a == ActionNoop
}

// IsMutating returns true if the action changes the component on its hosts.
func (a ActionKind) IsMutating() bool {
	switch a {
	case ActionInstall, ActionConfig, ActionStart, ActionRestart, ActionInit, ActionStop:
		return true
	default:
		return false
	}
}

// Validate checks if the action kind is valid.
func (a ActionKind) Validate() error {
	switch a {
	case ActionInstall, ActionConfig, ActionStart, ActionRestart,
		ActionInit, ActionStop, ActionStatus, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", a)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (a ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *ActionKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = ActionKind(str)
	return a.Validate()
}

// DeploymentState is the overall state of a deployment record.
//
//	PENDING -> RUNNING -> SUCCESS
//	                   -> FAILURE
type DeploymentState string

const (
	// DeploymentPending indicates the record exists but no operation has begun.
	DeploymentPending DeploymentState = "PENDING"

	// DeploymentRunning indicates at least one operation has begun.
	DeploymentRunning DeploymentState = "RUNNING"

	// DeploymentSuccess indicates every planned operation succeeded.
	DeploymentSuccess DeploymentState = "SUCCESS"

	// DeploymentFailure indicates an operation failed or the run was abandoned.
	DeploymentFailure DeploymentState = "FAILURE"
)

// IsTerminal returns true if the state is final.
func (s DeploymentState) IsTerminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailure
}

// IsActive returns true if the deployment has not reached a final state.
func (s DeploymentState) IsActive() bool {
	return s == DeploymentPending || s == DeploymentRunning
}

// CanTransitionTo reports whether next is a legal successor of s.
// PENDING may fail directly when a run is abandoned before its first operation.
func (s DeploymentState) CanTransitionTo(next DeploymentState) bool {
	switch s {
	case DeploymentPending:
		return next == DeploymentRunning || next == DeploymentFailure
	case DeploymentRunning:
		return next == DeploymentSuccess || next == DeploymentFailure
	default:
		return false
	}
}

// Validate checks if the deployment state is valid.
func (s DeploymentState) Validate() error {
	switch s {
	case DeploymentPending, DeploymentRunning, DeploymentSuccess, DeploymentFailure:
		return nil
	default:
		return fmt.Errorf("invalid deployment state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentState(str)
	return s.Validate()
}

// OutcomeState is the result recorded for one operation or component.
type OutcomeState string

const (
	// OutcomeSuccess indicates the operation (or every operation of a component) succeeded.
	OutcomeSuccess OutcomeState = "success"

	// OutcomeFailure indicates the operation failed.
	OutcomeFailure OutcomeState = "failure"

	// OutcomeSkipped indicates the operation was not executed because a
	// dependency failed.
	OutcomeSkipped OutcomeState = "skipped"
)

// Validate checks if the outcome state is valid.
func (s OutcomeState) Validate() error {
	switch s {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OutcomeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OutcomeState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OutcomeState(str)
	return s.Validate()
}

// PlanMode is the reconciliation mode that produced a plan.
type PlanMode string

const (
	// PlanModeFull plans every non-noop operation of the graph, optionally filtered.
	PlanModeFull PlanMode = "full"

	// PlanModeReconfigure plans only what changed since the last successful deployment.
	PlanModeReconfigure PlanMode = "reconfigure-diff"
)

// Validate checks if the plan mode is valid.
func (m PlanMode) Validate() error {
	switch m {
	case PlanModeFull, PlanModeReconfigure:
		return nil
	default:
		return fmt.Errorf("invalid plan mode: %s", m)
	}
}

// FailurePolicy decides what the runner does after an operation fails.
type FailurePolicy string

const (
	// FailurePolicyAbort stops the deployment at the first failure. Remaining
	// operations are neither executed nor reported.
	FailurePolicyAbort FailurePolicy = "abort"

	// FailurePolicyContinueIndependent keeps executing operations that do not
	// depend on a failed one and reports dependents as skipped.
	FailurePolicyContinueIndependent FailurePolicy = "continue-independent"
)

// Validate checks if the failure policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case FailurePolicyAbort, FailurePolicyContinueIndependent:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}
