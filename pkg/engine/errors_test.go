package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "message only",
			err:  NewPermanentError("boom", nil),
			want: "[permanent] boom",
		},
		{
			name: "with resource",
			err:  NewTransientError("locked", nil).WithResource("zookeeper_server_config"),
			want: "[transient] locked (resource=zookeeper_server_config)",
		},
		{
			name: "with resource and operation",
			err:  NewConflictError("busy", nil).WithResource("deploy-1").WithOperation("persist"),
			want: "[conflict] busy (resource=deploy-1, operation=persist)",
		},
		{
			name: "with cause",
			err:  NewTransientError("database is busy", fmt.Errorf("SQLITE_BUSY")),
			want: "[transient] database is busy: SQLITE_BUSY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEngineError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
		expected  bool
	}{
		{"transient", NewTransientError("x", nil), true, false, false},
		{"wrapped transient", fmt.Errorf("insert: %w", NewTransientError("x", nil)), true, false, false},
		{"conflict", NewConflictError("x", nil), false, true, false},
		{"permanent", NewPermanentError("x", nil), false, false, false},
		{"nothing to restart", NewNothingToRestartError(), false, false, true},
		{"empty plan", NewEmptyDeploymentPlanError(nil), false, false, true},
		{"plain error", errors.New("x"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient: expected %v, got %v", tt.transient, got)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict: expected %v, got %v", tt.conflict, got)
			}
			if got := IsExpected(tt.err); got != tt.expected {
				t.Errorf("IsExpected: expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEngineError_Sentinels(t *testing.T) {
	wrapped := fmt.Errorf("planning failed: %w", NewEmptyDeploymentPlanError([]ServiceComponent{zookeeperServer}))

	if !errors.Is(wrapped, ErrEmptyDeploymentPlan) {
		t.Error("Expected wrapped error to match ErrEmptyDeploymentPlan")
	}
	if errors.Is(wrapped, ErrNothingToRestart) {
		t.Error("Expected wrapped error not to match ErrNothingToRestart")
	}
	if !errors.Is(NewInvalidPlanError("empty"), ErrInvalidPlan) {
		t.Error("Expected InvalidPlanError to match ErrInvalidPlan")
	}
	if !errors.Is(NewCyclicGraphError(nil), ErrCyclicGraph) {
		t.Error("Expected CyclicGraphError to match ErrCyclicGraph")
	}
	if !errors.Is(newNotFoundError("x"), ErrOperationNotFound) {
		t.Error("Expected not found error to match ErrOperationNotFound")
	}
	failed := NewDeploymentNotSuccessError(&DeploymentRecord{ID: "dep-1", State: DeploymentFailure})
	if !IsDeploymentNotSuccess(failed) || IsExpected(failed) {
		t.Errorf("Expected permanent deployment failure, got %v", failed)
	}
	if !strings.Contains(failed.Error(), "final state FAILURE") {
		t.Errorf("Expected terminal state in message, got %q", failed.Error())
	}
}

func TestNewEmptyDeploymentPlanError_Details(t *testing.T) {
	err := NewEmptyDeploymentPlanError([]ServiceComponent{zookeeperServer, {Service: "hdfs"}})

	names, ok := err.Details["changed"].([]string)
	if !ok {
		t.Fatalf("Expected changed detail, got %v", err.Details)
	}
	if len(names) != 2 || names[0] != "zookeeper_server" || names[1] != "hdfs" {
		t.Errorf("Expected [zookeeper_server hdfs], got %v", names)
	}

	if NewEmptyDeploymentPlanError(nil).Details != nil {
		t.Error("Expected no details without changed pairs")
	}
}

func TestNewCyclicGraphError_Message(t *testing.T) {
	err := NewCyclicGraphError(ids("a", "b", "a"))
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("Expected cycle path in message, got %q", err.Error())
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewTransientError("write failed", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected cause to be reachable through Unwrap")
	}
}
