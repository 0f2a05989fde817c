package engine

import (
	"context"
)

// Executor performs one operation against real infrastructure, or
// simulates it. With dryRun set an executor must not mutate anything.
// The runner never calls an executor concurrently.
type Executor interface {
	// Execute runs op and reports its result. Failures are reported in the
	// result, never by panicking.
	Execute(ctx context.Context, op Operation, dryRun bool) OperationResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op Operation, dryRun bool) OperationResult

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op Operation, dryRun bool) OperationResult {
	return f(ctx, op, dryRun)
}

// Sink durably records deployments. Callers must insert the PENDING record
// before any outcome and update the terminal record after the last one;
// Persist enforces that ordering.
type Sink interface {
	// InsertDeployment stores a new deployment record.
	InsertDeployment(ctx context.Context, record *DeploymentRecord) error

	// InsertOperationOutcome appends an operation outcome to its deployment.
	InsertOperationOutcome(ctx context.Context, outcome OperationOutcome) error

	// InsertComponentOutcome appends a component outcome to its deployment.
	InsertComponentOutcome(ctx context.Context, outcome ComponentOutcome) error

	// UpdateDeployment stores the current state of an existing record.
	UpdateDeployment(ctx context.Context, record *DeploymentRecord) error
}

// VersionSource supplies the fingerprints that last deployed successfully.
type VersionSource interface {
	LatestSuccessVersions(ctx context.Context) (VersionMap, error)
}
