package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func fullPlan(t *testing.T) *Plan {
	t.Helper()
	plan, err := newTestPlanner(t).PlanFull(PlanFilter{})
	if err != nil {
		t.Fatalf("Expected no error planning, got: %v", err)
	}
	return plan
}

func reconfigurePlan(t *testing.T) *Plan {
	t.Helper()
	plan, err := newTestPlanner(t).PlanReconfigure(
		VersionMap{zookeeperServer: "v2", hdfsNamenode: "v1"},
		VersionMap{zookeeperServer: "v1", hdfsNamenode: "v1"},
	)
	if err != nil {
		t.Fatalf("Expected no error planning, got: %v", err)
	}
	return plan
}

func newTestRunner(executor Executor, opts ...RunnerOption) *Runner {
	opts = append([]RunnerOption{
		WithRunnerClock(fixedClock()),
		WithDeploymentIDGenerator(func() string { return "deploy-001" }),
	}, opts...)
	return NewRunner(executor, opts...)
}

// describe renders outcomes as "op:<id>:<state>" and "component:<pair>:<state>".
func describe(outcomes []Outcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		if o.Kind() == OutcomeKindComponent {
			out[i] = "component:" + o.Component.ServiceComponent().String() + ":" + string(o.Component.State)
			continue
		}
		out[i] = "op:" + string(o.Operation.OperationID) + ":" + string(o.Operation.State)
	}
	return out
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d outcomes, got %d:\n%s", len(want), len(got), strings.Join(got, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRunner_Run_InvalidPlan(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		plan     *Plan
		executor Executor
	}{
		{
			name:     "nil plan",
			plan:     nil,
			executor: newMockExecutor(),
		},
		{
			name:     "empty plan",
			plan:     NewPlan("p", PlanModeFull, created, nil, nil),
			executor: newMockExecutor(),
		},
		{
			name:     "nil executor",
			plan:     NewPlan("p", PlanModeFull, created, []Operation{newOp("a_b_start", "a", "b", ActionStart)}, nil),
			executor: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, deployment, err := NewRunner(tt.executor).Run(tt.plan, false)
			if !IsInvalidPlan(err) {
				t.Fatalf("Expected InvalidPlan, got: %v", err)
			}
			if record != nil || deployment != nil {
				t.Error("Expected no record and no deployment")
			}
		})
	}
}

func TestRunner_Run_InvalidPolicy(t *testing.T) {
	runner := NewRunner(newMockExecutor(), WithFailurePolicy(FailurePolicy("retry")))

	_, _, err := runner.Run(fullPlan(t), false)
	if err == nil {
		t.Fatal("Expected error for invalid policy, got nil")
	}
}

func TestRunner_Run_Success(t *testing.T) {
	executor := newMockExecutor()
	plan := reconfigurePlan(t)

	record, deployment, err := newTestRunner(executor).Run(plan, false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if record.State != DeploymentPending {
		t.Errorf("Expected state %s, got %s", DeploymentPending, record.State)
	}
	if record.ID != "deploy-001" || record.PlanID != "plan-001" {
		t.Errorf("Expected IDs deploy-001/plan-001, got %s/%s", record.ID, record.PlanID)
	}
	if !equalIDs(record.Operations, plan.OperationIDs()) {
		t.Errorf("Expected record operations %v, got %v", plan.OperationIDs(), record.Operations)
	}

	outcomes := deployment.Collect(context.Background())
	assertSequence(t, describe(outcomes), []string{
		"op:zookeeper_server_install:success",
		"op:zookeeper_server_config:success",
		"op:zookeeper_server_start:success",
		"component:zookeeper_server:success",
		"op:hdfs_namenode_config:success",
		"op:hdfs_namenode_start:success",
		"component:hdfs_namenode:success",
	})

	if record.State != DeploymentSuccess {
		t.Errorf("Expected state %s, got %s", DeploymentSuccess, record.State)
	}
	if record.StartedAt == nil || record.EndedAt == nil {
		t.Fatal("Expected start and end timestamps")
	}
	if !record.EndedAt.After(*record.StartedAt) {
		t.Error("Expected end after start")
	}
	if record.Duration() <= 0 {
		t.Errorf("Expected positive duration, got %v", record.Duration())
	}
	if !deployment.Done() {
		t.Error("Expected deployment to be done")
	}

	seq := 0
	for _, o := range outcomes {
		if o.Kind() != OutcomeKindOperation {
			continue
		}
		seq++
		if o.Operation.Sequence != seq {
			t.Errorf("Expected sequence %d, got %d", seq, o.Operation.Sequence)
		}
		if o.Operation.DeploymentID != record.ID {
			t.Errorf("Expected deployment ID %s, got %s", record.ID, o.Operation.DeploymentID)
		}
	}

	if !equalIDs(executor.executedIDs(), plan.OperationIDs()) {
		t.Errorf("Expected executor calls %v, got %v", plan.OperationIDs(), executor.executedIDs())
	}
}

func TestRunner_Run_Lazy(t *testing.T) {
	executor := newMockExecutor()

	record, deployment, err := newTestRunner(executor).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if n := len(executor.executedIDs()); n != 0 {
		t.Fatalf("Expected no execution before the sequence is advanced, got %d", n)
	}

	if _, ok := deployment.Next(context.Background()); !ok {
		t.Fatal("Expected an outcome")
	}
	if n := len(executor.executedIDs()); n != 1 {
		t.Errorf("Expected exactly one execution, got %d", n)
	}
	if record.State != DeploymentRunning {
		t.Errorf("Expected state %s, got %s", DeploymentRunning, record.State)
	}
}

func TestRunner_Run_AbortOnFailure(t *testing.T) {
	plan := reconfigurePlan(t)

	for i, failing := range plan.OperationIDs() {
		t.Run(string(failing), func(t *testing.T) {
			executor := newMockExecutor(string(failing))

			record, deployment, err := newTestRunner(executor).Run(plan, false)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			outcomes := deployment.Collect(context.Background())

			var operations []OperationOutcome
			for _, o := range outcomes {
				if o.Kind() == OutcomeKindOperation {
					operations = append(operations, *o.Operation)
				}
			}
			if len(operations) != i+1 {
				t.Fatalf("Expected %d operation outcomes, got %d", i+1, len(operations))
			}
			for j, op := range operations[:i] {
				if op.State != OutcomeSuccess {
					t.Errorf("Expected outcome %d to succeed, got %s", j, op.State)
				}
			}
			if last := operations[i]; last.State != OutcomeFailure || last.OperationID != failing {
				t.Errorf("Expected %s to fail, got %s %s", failing, last.OperationID, last.State)
			}

			if len(executor.executedIDs()) != i+1 {
				t.Errorf("Expected %d executions, got %v", i+1, executor.executedIDs())
			}

			final := outcomes[len(outcomes)-1]
			if final.Kind() != OutcomeKindComponent || final.Component.State != OutcomeFailure {
				t.Errorf("Expected a failed component outcome last, got %v", describe([]Outcome{final}))
			}

			if record.State != DeploymentFailure {
				t.Errorf("Expected state %s, got %s", DeploymentFailure, record.State)
			}
		})
	}
}

func TestRunner_Run_ContinueIndependent(t *testing.T) {
	executor := newMockExecutor("hdfs_namenode_install")
	runner := newTestRunner(executor, WithFailurePolicy(FailurePolicyContinueIndependent))

	record, deployment, err := runner.Run(fullPlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	assertSequence(t, describe(deployment.Collect(context.Background())), []string{
		"op:zookeeper_server_install:success",
		"op:zookeeper_server_config:success",
		"op:zookeeper_server_start:success",
		"component:zookeeper_server:success",
		"op:hdfs_namenode_install:failure",
		"component:hdfs_namenode:failure",
		"op:hdfs_namenode_config:skipped",
		"op:hdfs_namenode_start:skipped",
	})

	want := ids("zookeeper_server_install", "zookeeper_server_config", "zookeeper_server_start", "hdfs_namenode_install")
	if got := executor.executedIDs(); !equalIDs(got, want) {
		t.Errorf("Expected executions %v, got %v", want, got)
	}
	if record.State != DeploymentFailure {
		t.Errorf("Expected state %s, got %s", DeploymentFailure, record.State)
	}
}

func TestRunner_Run_ContinueIndependent_SkippedComponent(t *testing.T) {
	executor := newMockExecutor("zookeeper_server_config")
	runner := newTestRunner(executor, WithFailurePolicy(FailurePolicyContinueIndependent))

	_, deployment, err := runner.Run(fullPlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	assertSequence(t, describe(deployment.Collect(context.Background())), []string{
		"op:zookeeper_server_install:success",
		"op:zookeeper_server_config:failure",
		"component:zookeeper_server:failure",
		"op:zookeeper_server_start:skipped",
		"op:hdfs_namenode_install:success",
		"op:hdfs_namenode_config:skipped",
		"op:hdfs_namenode_start:skipped",
		"component:hdfs_namenode:skipped",
	})
}

func TestRunner_Run_DryRunParity(t *testing.T) {
	plan := reconfigurePlan(t)

	live := newMockExecutor()
	_, liveDeployment, err := newTestRunner(live).Run(plan, false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	liveOutcomes := describe(liveDeployment.Collect(context.Background()))

	dry := newMockExecutor()
	record, dryDeployment, err := newTestRunner(dry).Run(plan, true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	dryOutcomes := describe(dryDeployment.Collect(context.Background()))

	assertSequence(t, dryOutcomes, liveOutcomes)

	if !record.DryRun || !dryDeployment.DryRun() {
		t.Error("Expected dry run to be recorded")
	}
	for i, flag := range dry.dryRuns {
		if !flag {
			t.Errorf("Expected executor call %d to be a dry run", i)
		}
	}
}

func TestRunner_Run_Versions(t *testing.T) {
	runner := newTestRunner(newMockExecutor(), WithVersions(VersionMap{zookeeperServer: "v2", hdfsNamenode: "v1"}))

	_, deployment, err := runner.Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	versions := make(map[ServiceComponent]Fingerprint)
	for _, o := range deployment.Collect(context.Background()) {
		if o.Kind() == OutcomeKindComponent {
			versions[o.Component.ServiceComponent()] = o.Component.Version
		}
	}

	if versions[zookeeperServer] != "v2" {
		t.Errorf("Expected zookeeper version v2, got %q", versions[zookeeperServer])
	}
	if versions[hdfsNamenode] != "v1" {
		t.Errorf("Expected hdfs version v1, got %q", versions[hdfsNamenode])
	}
}

func TestRunner_Run_FailedComponentHasNoVersion(t *testing.T) {
	runner := newTestRunner(newMockExecutor("zookeeper_server_start"), WithVersions(VersionMap{zookeeperServer: "v2"}))

	_, deployment, err := runner.Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, o := range deployment.Collect(context.Background()) {
		if o.Kind() == OutcomeKindComponent && o.Component.Version != "" {
			t.Errorf("Expected failed component to carry no version, got %q", o.Component.Version)
		}
	}
}

func TestRunner_Run_SettlesUnplannedChanges(t *testing.T) {
	g := mustGraph(t, clusterOperations())
	kafkaBroker := ServiceComponent{Service: "kafka", Component: "broker"}
	op, _ := g.Operation("hdfs_namenode_install")
	plan := NewPlan("plan-002", PlanModeReconfigure, time.Now(), []Operation{op},
		[]ServiceComponent{hdfsNamenode, kafkaBroker})

	runner := newTestRunner(newMockExecutor(), WithVersions(VersionMap{hdfsNamenode: "v1", kafkaBroker: "v7"}))
	_, deployment, err := runner.Run(plan, false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	outcomes := deployment.Collect(context.Background())
	assertSequence(t, describe(outcomes), []string{
		"op:hdfs_namenode_install:success",
		"component:hdfs_namenode:success",
		"component:kafka_broker:success",
	})
	if v := outcomes[2].Component.Version; v != "v7" {
		t.Errorf("Expected settled version v7, got %q", v)
	}
}

func TestRunner_Run_FullPlanSettlesNoopPairs(t *testing.T) {
	planner := newTestPlanner(t)
	zookeeper := ServiceComponent{Service: "zookeeper"}
	desired := VersionMap{zookeeperServer: "v1", zookeeper: "v1", hdfsNamenode: "v1"}

	plan, err := planner.PlanFull(PlanFilter{})
	if err != nil {
		t.Fatalf("Expected no error planning, got: %v", err)
	}
	if plan.Contains("zookeeper_start") {
		t.Fatal("Expected the noop operation to be filtered out")
	}

	_, deployment, err := newTestRunner(newMockExecutor(), WithVersions(desired)).Run(plan, false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	lastSuccess := VersionMap{}
	for _, o := range deployment.Collect(context.Background()) {
		if o.Kind() == OutcomeKindComponent && o.Component.State == OutcomeSuccess {
			lastSuccess[o.Component.ServiceComponent()] = o.Component.Version
		}
	}
	if deployment.Record().State != DeploymentSuccess {
		t.Fatalf("Expected SUCCESS, got %s", deployment.Record().State)
	}
	if lastSuccess[zookeeper] != "v1" {
		t.Errorf("Expected the noop-only pair to be settled at v1, got %v", lastSuccess)
	}

	if _, err := planner.PlanReconfigure(desired, lastSuccess); !IsNothingToRestart(err) {
		t.Errorf("Expected NothingToRestart after a full deployment, got: %v", err)
	}
}

func TestRunner_Run_FailedFullPlanSettlesNothing(t *testing.T) {
	zookeeper := ServiceComponent{Service: "zookeeper"}
	runner := newTestRunner(newMockExecutor("hdfs_namenode_start"),
		WithVersions(VersionMap{zookeeperServer: "v1", zookeeper: "v1", hdfsNamenode: "v1"}))

	_, deployment, err := runner.Run(fullPlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, o := range deployment.Collect(context.Background()) {
		if o.Kind() == OutcomeKindComponent && o.Component.ServiceComponent() == zookeeper {
			t.Errorf("Expected no outcome for %s after a failure, got %+v", zookeeper, o.Component)
		}
	}
}

func TestRunner_Run_UnknownExecutorStatus(t *testing.T) {
	executor := newMockExecutor()
	executor.statuses["zookeeper_server_install"] = OutcomeState("exploded")

	record, deployment, err := newTestRunner(executor).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	outcomes := deployment.Collect(context.Background())
	first := outcomes[0].Operation
	if first.State != OutcomeFailure {
		t.Errorf("Expected unknown status to become a failure, got %s", first.State)
	}
	if !strings.Contains(first.Diagnostics, "exploded") {
		t.Errorf("Expected diagnostics to mention the status, got %q", first.Diagnostics)
	}
	if record.State != DeploymentFailure {
		t.Errorf("Expected state %s, got %s", DeploymentFailure, record.State)
	}
}

func TestRunner_Run_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := newMockExecutor()
	executor.onExecute = func(op Operation) {
		if op.ID == "zookeeper_server_config" {
			cancel()
		}
	}

	record, deployment, err := newTestRunner(executor).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	outcomes := deployment.Collect(ctx)
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes before cancellation, got %v", describe(outcomes))
	}
	if deployment.Err() == nil {
		t.Fatal("Expected context error")
	}
	if record.State != DeploymentRunning {
		t.Errorf("Expected state %s until abandoned, got %s", DeploymentRunning, record.State)
	}

	deployment.Abandon()
	if record.State != DeploymentFailure {
		t.Errorf("Expected state %s after abandon, got %s", DeploymentFailure, record.State)
	}
	if record.EndedAt == nil {
		t.Error("Expected end timestamp after abandon")
	}
	if _, ok := deployment.Next(context.Background()); ok {
		t.Error("Expected no outcome after abandon")
	}
}

func TestRunner_Abandon_TerminalIsNoop(t *testing.T) {
	record, deployment, err := newTestRunner(newMockExecutor()).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	deployment.Collect(context.Background())

	ended := *record.EndedAt
	deployment.Abandon()

	if record.State != DeploymentSuccess {
		t.Errorf("Expected state %s to be kept, got %s", DeploymentSuccess, record.State)
	}
	if !record.EndedAt.Equal(ended) {
		t.Error("Expected end timestamp to be kept")
	}
}

func TestDeployment_All_Resumable(t *testing.T) {
	_, deployment, err := newTestRunner(newMockExecutor()).Run(reconfigurePlan(t), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	count := 0
	for range deployment.All(context.Background()) {
		count++
		if count == 2 {
			break
		}
	}

	rest := deployment.Collect(context.Background())
	if count+len(rest) != 7 {
		t.Errorf("Expected 7 outcomes in total, got %d", count+len(rest))
	}
}

func TestRun_Shorthand(t *testing.T) {
	record, deployment, err := Run(reconfigurePlan(t), newMockExecutor(), true)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if record.ID == "" {
		t.Error("Expected a generated deployment ID")
	}

	deployment.Collect(context.Background())
	if record.State != DeploymentSuccess {
		t.Errorf("Expected state %s, got %s", DeploymentSuccess, record.State)
	}
}

func TestDeploymentState_Transitions(t *testing.T) {
	tests := []struct {
		from DeploymentState
		to   DeploymentState
		ok   bool
	}{
		{DeploymentPending, DeploymentRunning, true},
		{DeploymentPending, DeploymentFailure, true},
		{DeploymentPending, DeploymentSuccess, false},
		{DeploymentRunning, DeploymentSuccess, true},
		{DeploymentRunning, DeploymentFailure, true},
		{DeploymentRunning, DeploymentPending, false},
		{DeploymentSuccess, DeploymentRunning, false},
		{DeploymentFailure, DeploymentSuccess, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}
