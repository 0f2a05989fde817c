package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

const testCollection = `
operations:
  - name: zookeeper_server_install
    command: echo installing zookeeper
  - name: zookeeper_server_config
    depends_on: [zookeeper_server_install]
    command: echo "configuring $RECONCILE_COMPONENT"
  - name: zookeeper_server_start
    depends_on: [zookeeper_server_config]
  - name: hdfs_namenode_config
    depends_on: [zookeeper_server_start]
  - name: hdfs_namenode_start
    depends_on: [hdfs_namenode_config]
    command: test ! -f fail-namenode
`

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// newWorkspace runs init in a temporary directory and adds a collection.
// Commands run with that directory as working directory.
func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	settings := filepath.Join(dir, "reconcile.yaml")

	out, err := run(t, "init", "--config", settings)
	if err != nil {
		t.Fatalf("init error = %v\n%s", err, out)
	}

	writeTestFile(t, filepath.Join(dir, "collections", "cluster.yml"), testCollection)
	writeTestFile(t, filepath.Join(dir, "vars", "zookeeper", "zookeeper.yml"), "client_port: 2181\n")

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	return settings
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "reconcile.yaml")

	out, err := run(t, "init", "--config", settings)
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	for _, want := range []string{"reconcile.yaml", "collections", "vars", "reconcile.db"} {
		if !strings.Contains(out, want) {
			t.Errorf("init output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "reconcile.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}

	if _, err := run(t, "init", "--config", settings); err == nil {
		t.Error("second init without --force should fail")
	}
	if _, err := run(t, "init", "--config", settings, "--force"); err != nil {
		t.Errorf("init --force error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	settings := newWorkspace(t)

	out, err := run(t, "validate", "--config", settings)
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "5 operation(s), 2 component(s), 2 service(s)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	writeTestFile(t, filepath.Join("collections", "broken.yml"), `
operations:
  - name: kafka_broker_start
    depends_on: [kafka_broker_missing]
`)
	out, err = run(t, "validate", "--config", settings, "--json")
	if err == nil {
		t.Fatal("validate should fail on an unknown dependency")
	}
	var report validationReport
	if jerr := json.Unmarshal([]byte(out), &report); jerr != nil {
		t.Fatalf("invalid JSON: %v\n%s", jerr, out)
	}
	if report.Valid {
		t.Error("report should be invalid")
	}
}

func TestReconfigure(t *testing.T) {
	settings := newWorkspace(t)

	out, err := run(t, "plan", "--config", settings)
	if err != nil {
		t.Fatalf("plan error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "5 operation(s)") || !strings.Contains(out, "hdfs_namenode_start") {
		t.Errorf("unexpected plan:\n%s", out)
	}

	out, err = run(t, "reconfigure", "--config", settings, "--dry")
	if err != nil {
		t.Fatalf("reconfigure --dry error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "(dry run)") {
		t.Errorf("expected dry run summary:\n%s", out)
	}

	out, err = run(t, "reconfigure", "--config", settings)
	if err != nil {
		t.Fatalf("reconfigure error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "finished with state SUCCESS") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = run(t, "reconfigure", "--config", settings)
	if err != nil {
		t.Fatalf("second reconfigure error = %v", err)
	}
	if strings.TrimSpace(out) != msgNothingToRestart {
		t.Errorf("output = %q, want %q", out, msgNothingToRestart)
	}

	out, err = run(t, "plan", "--config", settings)
	if err != nil || strings.TrimSpace(out) != msgNothingToRestart {
		t.Errorf("plan after success = %q, %v", out, err)
	}

	out, err = run(t, "history", "list", "--config", settings, "--json")
	if err != nil {
		t.Fatalf("history list error = %v", err)
	}
	var records []engine.DeploymentRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(records) != 1 || records[0].State != engine.DeploymentSuccess {
		t.Fatalf("history = %+v", records)
	}

	out, err = run(t, "history", "show", records[0].ID, "--config", settings)
	if err != nil {
		t.Fatalf("history show error = %v", err)
	}
	if !strings.Contains(out, "zookeeper_server_install") || !strings.Contains(out, "hdfs_namenode") {
		t.Errorf("unexpected details:\n%s", out)
	}
}

func TestReconfigure_Failure(t *testing.T) {
	settings := newWorkspace(t)
	writeTestFile(t, "fail-namenode", "")

	out, err := run(t, "reconfigure", "--config", settings)
	if err == nil {
		t.Fatalf("reconfigure should fail:\n%s", out)
	}
	if !strings.HasSuffix(err.Error(), "finished with state FAILURE") {
		t.Errorf("error = %q", err.Error())
	}
	if !strings.Contains(out, "Deployment didn't finish with success: final state FAILURE") {
		t.Errorf("failure message not printed:\n%s", out)
	}

	// Nothing reached SUCCESS yet, so every operation is planned again.
	out, err = run(t, "plan", "--config", settings)
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	if !strings.Contains(out, "5 operation(s)") {
		t.Errorf("unexpected plan after failure:\n%s", out)
	}
}

func TestReconfigure_AfterFailedChange(t *testing.T) {
	settings := newWorkspace(t)

	if out, err := run(t, "reconfigure", "--config", settings); err != nil {
		t.Fatalf("reconfigure error = %v\n%s", err, out)
	}

	// zookeeper changes and succeeds, the namenode downstream fails.
	writeTestFile(t, filepath.Join("vars", "zookeeper", "zookeeper.yml"), "client_port: 2182\n")
	writeTestFile(t, "fail-namenode", "")
	if _, err := run(t, "reconfigure", "--config", settings); err == nil {
		t.Fatal("reconfigure should fail")
	}

	if err := os.Remove("fail-namenode"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "plan", "--config", settings)
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}
	for _, id := range []string{"zookeeper_server_config", "hdfs_namenode_config", "hdfs_namenode_start"} {
		if !strings.Contains(out, id) {
			t.Errorf("plan after a failed change should contain %s:\n%s", id, out)
		}
	}

	if out, err := run(t, "reconfigure", "--config", settings); err != nil {
		t.Fatalf("retry error = %v\n%s", err, out)
	}
	out, err = run(t, "reconfigure", "--config", settings)
	if err != nil || strings.TrimSpace(out) != msgNothingToRestart {
		t.Errorf("reconfigure after retry = %q, %v", out, err)
	}
}

func TestDeploy_ThenReconfigure(t *testing.T) {
	settings := newWorkspace(t)
	writeTestFile(t, filepath.Join("collections", "noop.yml"), `
operations:
  - name: zookeeper_start
    action: noop
    depends_on: [zookeeper_server_start]
`)

	out, err := run(t, "deploy", "--config", settings)
	if err != nil {
		t.Fatalf("deploy error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "finished with state SUCCESS") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = run(t, "reconfigure", "--config", settings)
	if err != nil {
		t.Fatalf("reconfigure error = %v", err)
	}
	if strings.TrimSpace(out) != msgNothingToRestart {
		t.Errorf("output = %q, want %q", out, msgNothingToRestart)
	}
}

func TestWatch_EventFlags(t *testing.T) {
	settings := newWorkspace(t)

	if _, err := run(t, "watch", "--config", settings, "--events", "debug"); err == nil {
		t.Error("expected error for an unknown event level")
	}
	if _, err := run(t, "watch", "--config", settings, "--component", "hdfs_namenode"); err == nil {
		t.Error("expected error for --component without --events")
	}
}

func TestRunEventFilter(t *testing.T) {
	started := telemetry.Event{Type: telemetry.EventTypeDeploymentStarted, Level: telemetry.EventLevelInfo}
	namenodeFailed := telemetry.Event{
		Type:      telemetry.EventTypeOperationFailed,
		Level:     telemetry.EventLevelError,
		Component: "hdfs_namenode",
	}
	zookeeperFailed := namenodeFailed
	zookeeperFailed.Component = "zookeeper_server"
	changed := telemetry.Event{Type: telemetry.EventTypeConfigChanged, Level: telemetry.EventLevelError}

	tests := []struct {
		name      string
		level     string
		component string
		event     telemetry.Event
		want      bool
	}{
		{"info keeps deployment events", "info", "", started, true},
		{"error drops info events", "error", "", started, false},
		{"error keeps failures", "error", "", namenodeFailed, true},
		{"component keeps its events", "error", "hdfs_namenode", namenodeFailed, true},
		{"component drops other components", "error", "hdfs_namenode", zookeeperFailed, false},
		{"watcher events are not run events", "info", "", changed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runEventFilter(tt.level, tt.component)(tt.event); got != tt.want {
				t.Errorf("runEventFilter(%q, %q) = %v, want %v", tt.level, tt.component, got, tt.want)
			}
		})
	}
}

func TestStreamEvent(t *testing.T) {
	var out bytes.Buffer
	streamEvent(&out)(telemetry.Event{
		Type:      telemetry.EventTypeOperationFailed,
		Level:     telemetry.EventLevelError,
		Message:   "Operation hdfs_namenode_start finished with failure",
		Timestamp: time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC),
	})
	if got := out.String(); got != "10:30:00 error   Operation hdfs_namenode_start finished with failure\n" {
		t.Errorf("unexpected line %q", got)
	}
}

func TestReconfigure_EmptyPlan(t *testing.T) {
	settings := newWorkspace(t)
	writeTestFile(t, filepath.Join("collections", "cluster.yml"), `
operations:
  - name: zookeeper_server_check
    action: noop
`)

	_, err := run(t, "reconfigure", "--config", settings)
	if err == nil || err.Error() != msgEmptyPlan {
		t.Errorf("error = %v, want %q", err, msgEmptyPlan)
	}
}

func TestReconfigure_InvalidPolicy(t *testing.T) {
	settings := newWorkspace(t)

	if _, err := run(t, "reconfigure", "--config", settings, "--policy", "retry"); err == nil {
		t.Error("expected error for an unknown failure policy")
	}
}

func TestDeployAndGraph(t *testing.T) {
	settings := newWorkspace(t)

	out, err := run(t, "plan", "--config", settings, "--service", "hdfs")
	if err == nil {
		t.Errorf("--service without --full should fail:\n%s", out)
	}

	out, err = run(t, "deploy", "--config", settings, "--service", "hdfs", "--json")
	if err != nil {
		t.Fatalf("deploy error = %v\n%s", err, out)
	}
	var result struct {
		Record engine.DeploymentRecord `json:"record"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if result.Record.Mode != engine.PlanModeFull || len(result.Record.Operations) != 2 {
		t.Errorf("record = %+v", result.Record)
	}

	out, err = run(t, "graph", "--config", settings)
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	if !strings.HasPrefix(out, "0: zookeeper_server_install\n") {
		t.Errorf("unexpected levels:\n%s", out)
	}

	out, err = run(t, "graph", "--config", settings, "--dot")
	if err != nil || !strings.HasPrefix(out, "digraph Operations {") {
		t.Errorf("graph --dot = %q, %v", out, err)
	}

	out, err = run(t, "plan", "--config", settings, "--full", "--dot", "-")
	if err != nil || !strings.Contains(out, "digraph Operations {") {
		t.Errorf("plan --dot = %q, %v", out, err)
	}
}
