package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newOp(id, service, component string, action ActionKind, deps ...string) Operation {
	op := Operation{
		ID:        OperationID(id),
		Service:   service,
		Component: component,
		Action:    action,
	}
	for _, d := range deps {
		op.DependsOn = append(op.DependsOn, OperationID(d))
	}
	return op
}

// clusterOperations models two services: a zookeeper server and an hdfs
// namenode that needs zookeeper running before it can be configured.
func clusterOperations() []Operation {
	return []Operation{
		newOp("zookeeper_server_install", "zookeeper", "server", ActionInstall),
		newOp("zookeeper_server_config", "zookeeper", "server", ActionConfig, "zookeeper_server_install"),
		newOp("zookeeper_server_start", "zookeeper", "server", ActionStart, "zookeeper_server_config"),
		newOp("zookeeper_start", "zookeeper", "", ActionNoop, "zookeeper_server_start"),
		newOp("hdfs_namenode_install", "hdfs", "namenode", ActionInstall),
		newOp("hdfs_namenode_config", "hdfs", "namenode", ActionConfig, "hdfs_namenode_install", "zookeeper_server_start"),
		newOp("hdfs_namenode_start", "hdfs", "namenode", ActionStart, "hdfs_namenode_config"),
	}
}

var (
	zookeeperServer = ServiceComponent{Service: "zookeeper", Component: "server"}
	hdfsNamenode    = ServiceComponent{Service: "hdfs", Component: "namenode"}
)

func mustGraph(t *testing.T, ops []Operation) *Graph {
	t.Helper()
	g, err := NewGraph(ops)
	if err != nil {
		t.Fatalf("Expected no error building graph, got: %v", err)
	}
	return g
}

func ids(values ...string) []OperationID {
	out := make([]OperationID, len(values))
	for i, v := range values {
		out[i] = OperationID(v)
	}
	return out
}

func equalIDs(a, b []OperationID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

// Mock executor for testing
type mockExecutor struct {
	mu        sync.Mutex
	failOps   map[OperationID]bool
	statuses  map[OperationID]OutcomeState
	executed  []OperationID
	dryRuns   []bool
	onExecute func(op Operation)
}

func newMockExecutor(fail ...string) *mockExecutor {
	m := &mockExecutor{
		failOps:  make(map[OperationID]bool),
		statuses: make(map[OperationID]OutcomeState),
	}
	for _, id := range fail {
		m.failOps[OperationID(id)] = true
	}
	return m
}

func (m *mockExecutor) Execute(ctx context.Context, op Operation, dryRun bool) OperationResult {
	m.mu.Lock()
	m.executed = append(m.executed, op.ID)
	m.dryRuns = append(m.dryRuns, dryRun)
	shouldFail := m.failOps[op.ID]
	status, forced := m.statuses[op.ID]
	hook := m.onExecute
	m.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if forced {
		return OperationResult{Status: status, Diagnostics: "forced"}
	}
	if shouldFail {
		return OperationResult{Status: OutcomeFailure, Diagnostics: "mock failure"}
	}
	return OperationResult{Status: OutcomeSuccess, Diagnostics: "ok"}
}

func (m *mockExecutor) executedIDs() []OperationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OperationID{}, m.executed...)
}

// Mock sink for testing; records every call in order.
type mockSink struct {
	mu                sync.Mutex
	calls             []string
	failOutcomeAt     int
	failInsert        bool
	busyWrites        int
	operationOutcomes []OperationOutcome
	componentOutcomes []ComponentOutcome
	records           []*DeploymentRecord
}

func (m *mockSink) InsertDeployment(ctx context.Context, record *DeploymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert {
		return NewTransientError("database locked", nil)
	}
	m.calls = append(m.calls, "insert:"+string(record.State))
	m.records = append(m.records, record)
	return nil
}

func (m *mockSink) InsertOperationOutcome(ctx context.Context, outcome OperationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOutcomeAt > 0 && len(m.operationOutcomes)+1 == m.failOutcomeAt {
		return NewTransientError("disk full", nil)
	}
	if m.busyWrites > 0 {
		m.busyWrites--
		m.calls = append(m.calls, "busy")
		return NewTransientError("database is busy", nil).WithOperation("insert_operation_outcome")
	}
	m.calls = append(m.calls, "operation:"+string(outcome.OperationID))
	m.operationOutcomes = append(m.operationOutcomes, outcome)
	return nil
}

func (m *mockSink) InsertComponentOutcome(ctx context.Context, outcome ComponentOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "component:"+outcome.ServiceComponent().String())
	m.componentOutcomes = append(m.componentOutcomes, outcome)
	return nil
}

func (m *mockSink) UpdateDeployment(ctx context.Context, record *DeploymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "update:"+string(record.State))
	m.records = append(m.records, record)
	return nil
}
