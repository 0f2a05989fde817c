package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// DeploymentFilter narrows ListDeployments. Zero values do not filter.
type DeploymentFilter struct {
	State  engine.DeploymentState
	Mode   engine.PlanMode
	Limit  int
	Offset int
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "deployment.started", "plan.denied"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // deployment or plan ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Sink
	engine.VersionSource

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Deployment history
	GetDeployment(ctx context.Context, id string) (*engine.DeploymentRecord, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*engine.DeploymentRecord, error)
	ListOperationOutcomes(ctx context.Context, deploymentID string) ([]engine.OperationOutcome, error)
	ListComponentOutcomes(ctx context.Context, deploymentID string) ([]engine.ComponentOutcome, error)

	// FinalizeDangling marks deployments left PENDING or RUNNING by an
	// interrupted process as FAILURE and returns how many were changed.
	FinalizeDangling(ctx context.Context) (int64, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
