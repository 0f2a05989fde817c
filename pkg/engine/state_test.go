package engine

import (
	"encoding/json"
	"testing"
)

func TestDiff(t *testing.T) {
	kafka := ServiceComponent{Service: "kafka", Component: "broker"}
	service := ServiceComponent{Service: "zookeeper"}

	tests := []struct {
		name        string
		desired     VersionMap
		lastSuccess VersionMap
		want        []ServiceComponent
	}{
		{
			name: "both empty",
			want: []ServiceComponent{},
		},
		{
			name:        "unchanged",
			desired:     VersionMap{zookeeperServer: "a"},
			lastSuccess: VersionMap{zookeeperServer: "a"},
			want:        []ServiceComponent{},
		},
		{
			name:        "changed and never deployed",
			desired:     VersionMap{zookeeperServer: "b", kafka: "a", hdfsNamenode: "a"},
			lastSuccess: VersionMap{zookeeperServer: "a", hdfsNamenode: "a"},
			want:        []ServiceComponent{kafka, zookeeperServer},
		},
		{
			name:        "removed pairs are ignored",
			desired:     VersionMap{},
			lastSuccess: VersionMap{zookeeperServer: "a"},
			want:        []ServiceComponent{},
		},
		{
			name:        "service level sorts before its components",
			desired:     VersionMap{zookeeperServer: "b", service: "b"},
			lastSuccess: VersionMap{},
			want:        []ServiceComponent{service, zookeeperServer},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClusterState{Desired: tt.desired, LastSuccess: tt.lastSuccess}.Diff()
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Expected %v at %d, got %v", tt.want[i], i, got[i])
				}
			}
		})
	}
}

func TestVersionMap_CloneAndPairs(t *testing.T) {
	original := VersionMap{zookeeperServer: "a", hdfsNamenode: "b"}
	clone := original.Clone()
	clone[zookeeperServer] = "changed"

	if original[zookeeperServer] != "a" {
		t.Error("Expected clone to be independent")
	}

	pairs := original.Pairs()
	if len(pairs) != 2 || pairs[0] != hdfsNamenode || pairs[1] != zookeeperServer {
		t.Errorf("Expected sorted pairs, got %v", pairs)
	}
}

func TestServiceComponent_String(t *testing.T) {
	if got := zookeeperServer.String(); got != "zookeeper_server" {
		t.Errorf("Expected zookeeper_server, got %s", got)
	}
	service := ServiceComponent{Service: "zookeeper"}
	if got := service.String(); got != "zookeeper" {
		t.Errorf("Expected zookeeper, got %s", got)
	}
	if !service.IsServiceLevel() || zookeeperServer.IsServiceLevel() {
		t.Error("Expected only the empty component to be service level")
	}
}

func TestStatus_JSON(t *testing.T) {
	var action ActionKind
	if err := json.Unmarshal([]byte(`"config"`), &action); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if action != ActionConfig {
		t.Errorf("Expected %s, got %s", ActionConfig, action)
	}
	if err := json.Unmarshal([]byte(`"explode"`), &action); err == nil {
		t.Error("Expected error for unknown action")
	}

	var state DeploymentState
	if err := json.Unmarshal([]byte(`"RUNNING"`), &state); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !state.IsActive() || state.IsTerminal() {
		t.Errorf("Expected RUNNING to be active and not terminal")
	}

	var outcome OutcomeState
	if err := json.Unmarshal([]byte(`"pending"`), &outcome); err == nil {
		t.Error("Expected error for unknown outcome state")
	}
}

func TestPlan_MarshalJSON(t *testing.T) {
	plan := reconfigurePlan(t)

	data, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var decoded struct {
		ID         string             `json:"id"`
		Mode       PlanMode           `json:"mode"`
		Operations []Operation        `json:"operations"`
		Changed    []ServiceComponent `json:"changed"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if decoded.ID != plan.ID || decoded.Mode != PlanModeReconfigure {
		t.Errorf("Expected %s/%s, got %s/%s", plan.ID, PlanModeReconfigure, decoded.ID, decoded.Mode)
	}
	if len(decoded.Operations) != plan.Len() {
		t.Errorf("Expected %d operations, got %d", plan.Len(), len(decoded.Operations))
	}
	if len(decoded.Changed) != 1 || decoded.Changed[0] != zookeeperServer {
		t.Errorf("Expected changed [%v], got %v", zookeeperServer, decoded.Changed)
	}
}
