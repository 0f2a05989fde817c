package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict, for example a deployment
	// already running against the same store.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassExpected indicates a recoverable planning outcome that callers
	// branch on (nothing changed, only noop work). It is not a defect.
	ErrorClassExpected ErrorClass = "expected"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the operation or component that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the engine step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when they share class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCyclicGraph      = "CYCLIC_GRAPH"
	ErrCodeNothingToRestart = "NOTHING_TO_RESTART"
	ErrCodeEmptyPlan        = "EMPTY_DEPLOYMENT_PLAN"
	ErrCodeInvalidPlan      = "INVALID_PLAN"
	ErrCodeExecutionFailed  = "EXECUTION_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// Sentinels for errors.Is. Only Class and Code take part in the comparison,
// so any error built by the matching constructor below satisfies them.
var (
	ErrNothingToRestart     = &EngineError{Class: ErrorClassExpected, Code: ErrCodeNothingToRestart}
	ErrEmptyDeploymentPlan  = &EngineError{Class: ErrorClassExpected, Code: ErrCodeEmptyPlan}
	ErrInvalidPlan          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidPlan}
	ErrCyclicGraph          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicGraph}
	ErrOperationNotFound    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrDeploymentNotSuccess = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeExecutionFailed}
)

// NewNothingToRestartError reports that every component already runs its
// desired configuration version.
func NewNothingToRestartError() *EngineError {
	return &EngineError{
		Class:   ErrorClassExpected,
		Code:    ErrCodeNothingToRestart,
		Message: "nothing needs to be restarted",
	}
}

// NewEmptyDeploymentPlanError reports that changes exist but only noop
// operations are affected by them.
func NewEmptyDeploymentPlanError(changed []ServiceComponent) *EngineError {
	e := &EngineError{
		Class:   ErrorClassExpected,
		Code:    ErrCodeEmptyPlan,
		Message: "component(s) don't have any operation associated to restart (excluding noop)",
	}
	if len(changed) > 0 {
		names := make([]string, len(changed))
		for i, sc := range changed {
			names[i] = sc.String()
		}
		e.WithDetail("changed", names)
	}
	return e
}

// NewInvalidPlanError reports a plan that must not be handed to a runner.
func NewInvalidPlanError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeInvalidPlan,
		Message: message,
	}
}

// NewCyclicGraphError reports a dependency cycle. The cycle is rendered as
// "a -> b -> a".
func NewCyclicGraphError(cycle []OperationID) *EngineError {
	e := &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeCyclicGraph,
		Message: "dependency graph contains a cycle",
	}
	if len(cycle) > 0 {
		e.Message = fmt.Sprintf("dependency graph contains a cycle: %s", formatCycle(cycle))
	}
	return e
}

// NewDeploymentNotSuccessError reports a deployment whose terminal state is
// not SUCCESS.
func NewDeploymentNotSuccessError(record *DeploymentRecord) *EngineError {
	return &EngineError{
		Class:    ErrorClassPermanent,
		Code:     ErrCodeExecutionFailed,
		Message:  fmt.Sprintf("deployment didn't finish with success: final state %s", record.State),
		Resource: record.ID,
	}
}

func newNotFoundError(id OperationID) *EngineError {
	return NewPermanentError("operation not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(string(id))
}

func newValidationError(message string, id OperationID) *EngineError {
	e := NewPermanentError(message, nil).WithCode(ErrCodeValidation)
	if id != "" {
		e.WithResource(string(id))
	}
	return e
}

// IsNothingToRestart reports whether err signals that no component changed.
func IsNothingToRestart(err error) bool {
	return errors.Is(err, ErrNothingToRestart)
}

// IsEmptyDeploymentPlan reports whether err signals a noop-only change set.
func IsEmptyDeploymentPlan(err error) bool {
	return errors.Is(err, ErrEmptyDeploymentPlan)
}

// IsInvalidPlan reports whether err is a runner contract violation.
func IsInvalidPlan(err error) bool {
	return errors.Is(err, ErrInvalidPlan)
}

// IsCyclicGraph reports whether err is a dependency cycle.
func IsCyclicGraph(err error) bool {
	return errors.Is(err, ErrCyclicGraph)
}

// IsDeploymentNotSuccess reports whether err signals a deployment that
// ended in FAILURE.
func IsDeploymentNotSuccess(err error) bool {
	return errors.Is(err, ErrDeploymentNotSuccess)
}

// IsNotFound reports whether err refers to an unknown operation.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsExpected returns true for planning outcomes that are not failures.
func IsExpected(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassExpected
	}
	return false
}

// IsTransient returns true if the error is classified as transient. Sink
// writes failing with a transient error are retried.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsConflict returns true if the error is classified as a state conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}
