package engine

import (
	"context"
	"errors"
	"testing"
)

func TestPersist_Ordering(t *testing.T) {
	sink := &mockSink{}
	_, deployment, err := newTestRunner(newMockExecutor()).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var handled int
	record, err := Persist(context.Background(), sink, deployment, func(Outcome) { handled++ })
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	assertSequence(t, sink.calls, []string{
		"insert:PENDING",
		"operation:zookeeper_server_install",
		"operation:zookeeper_server_config",
		"operation:zookeeper_server_start",
		"component:zookeeper_server",
		"operation:hdfs_namenode_config",
		"operation:hdfs_namenode_start",
		"component:hdfs_namenode",
		"update:SUCCESS",
	})

	if handled != 7 {
		t.Errorf("Expected 7 handled outcomes, got %d", handled)
	}
	if record.State != DeploymentSuccess {
		t.Errorf("Expected state %s, got %s", DeploymentSuccess, record.State)
	}

	// The inserted PENDING record must not follow later updates.
	if sink.records[0].State != DeploymentPending {
		t.Errorf("Expected first stored record to stay PENDING, got %s", sink.records[0].State)
	}
}

func TestPersist_Failure(t *testing.T) {
	sink := &mockSink{}
	_, deployment, err := newTestRunner(newMockExecutor("zookeeper_server_config")).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	record, err := Persist(context.Background(), sink, deployment)
	if err != nil {
		t.Fatalf("Expected operation failures not to surface as errors, got: %v", err)
	}

	assertSequence(t, sink.calls, []string{
		"insert:PENDING",
		"operation:zookeeper_server_install",
		"operation:zookeeper_server_config",
		"component:zookeeper_server",
		"update:FAILURE",
	})
	if record.State != DeploymentFailure {
		t.Errorf("Expected state %s, got %s", DeploymentFailure, record.State)
	}
}

func TestPersist_OutcomeInsertFails(t *testing.T) {
	sink := &mockSink{failOutcomeAt: 2}
	executor := newMockExecutor()
	_, deployment, err := newTestRunner(executor).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	record, err := Persist(context.Background(), sink, deployment)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !IsTransient(err) {
		t.Errorf("Expected the sink error to be kept in the chain, got: %v", err)
	}

	if record.State != DeploymentFailure {
		t.Errorf("Expected state %s, got %s", DeploymentFailure, record.State)
	}
	if n := len(executor.executedIDs()); n != 2 {
		t.Errorf("Expected execution to stop after the failed insert, got %d executions", n)
	}
	if last := sink.calls[len(sink.calls)-1]; last != "update:FAILURE" {
		t.Errorf("Expected final update to FAILURE, got %s", last)
	}
}

func TestPersist_RetriesTransientWrites(t *testing.T) {
	sink := &mockSink{busyWrites: 2}
	_, deployment, err := newTestRunner(newMockExecutor()).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	record, err := Persist(context.Background(), sink, deployment)
	if err != nil {
		t.Fatalf("Expected busy writes to be retried, got: %v", err)
	}
	if record.State != DeploymentSuccess {
		t.Errorf("Expected state %s, got %s", DeploymentSuccess, record.State)
	}

	assertSequence(t, sink.calls[:4], []string{
		"insert:PENDING",
		"busy",
		"busy",
		"operation:zookeeper_server_install",
	})
	if n := len(sink.operationOutcomes); n != 5 {
		t.Errorf("Expected 5 operation outcomes, got %d", n)
	}
}

func TestPersist_PermanentWriteNotRetried(t *testing.T) {
	var attempts int
	err := retrySink(context.Background(), func() error {
		attempts++
		return NewPermanentError("constraint failed", nil)
	})
	if !IsPermanent(err) {
		t.Errorf("Expected the permanent error back, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}

	attempts = 0
	err = retrySink(context.Background(), func() error {
		attempts++
		return NewTransientError("database is busy", nil)
	})
	if !IsTransient(err) || attempts != sinkAttempts {
		t.Errorf("Expected %d attempts ending transient, got %d: %v", sinkAttempts, attempts, err)
	}
}

func TestPersist_RetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	err := retrySink(ctx, func() error {
		attempts++
		cancel()
		return NewTransientError("database is busy", nil)
	})
	if !IsTransient(err) {
		t.Errorf("Expected the last write error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected no attempt after cancellation, got %d", attempts)
	}
}

func TestPersist_InsertDeploymentFails(t *testing.T) {
	sink := &mockSink{failInsert: true}
	executor := newMockExecutor()
	_, deployment, err := newTestRunner(executor).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := Persist(context.Background(), sink, deployment); err == nil {
		t.Fatal("Expected error, got nil")
	}
	if n := len(executor.executedIDs()); n != 0 {
		t.Errorf("Expected nothing executed, got %d executions", n)
	}
}

func TestPersist_AlreadyStarted(t *testing.T) {
	_, deployment, err := newTestRunner(newMockExecutor()).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	deployment.Next(context.Background())

	_, err = Persist(context.Background(), &mockSink{}, deployment)
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeConflict || !IsConflict(err) {
		t.Errorf("Expected conflict error, got: %v", err)
	}
}

func TestPersist_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &mockSink{}
	_, deployment, err := newTestRunner(newMockExecutor()).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	record, err := Persist(ctx, sink, deployment)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if record.State != DeploymentFailure {
		t.Errorf("Expected state %s, got %s", DeploymentFailure, record.State)
	}
	assertSequence(t, sink.calls, []string{"insert:PENDING", "update:FAILURE"})
}

func TestDrain(t *testing.T) {
	executor := newMockExecutor()
	_, deployment, err := newTestRunner(executor).Run(reconfigurePlan(t), true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var seen []Outcome
	record, err := Drain(context.Background(), deployment, func(o Outcome) { seen = append(seen, o) })
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(seen) != 7 {
		t.Errorf("Expected 7 outcomes, got %d", len(seen))
	}
	if record.State != DeploymentSuccess || !record.DryRun {
		t.Errorf("Expected successful dry run, got state=%s dryRun=%v", record.State, record.DryRun)
	}
}
