package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Port: {
	number:   int & >0 & <65536
	protocol: "tcp" | "udp"
}
`

	if err := sr.RegisterSchema("port", "Port", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("port")
	if !ok {
		t.Fatal("expected to find port schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "port", map[string]interface{}{"number": 2181, "protocol": "tcp"}); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "port", map[string]interface{}{"number": 0, "protocol": "tcp"}); err == nil {
		t.Error("expected validation error for port 0")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "", `a: {`); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "Missing", `#Other: {}`); err == nil {
		t.Error("expected error for missing definition")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{SchemaCollection, SchemaOperation, SchemaSettings}
	got := sr.ListSchemas()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}

	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateOperation(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		op      map[string]interface{}
		wantErr bool
	}{
		{
			name: "name only",
			op:   map[string]interface{}{"name": "zookeeper_server_install"},
		},
		{
			name: "service level noop",
			op: map[string]interface{}{
				"name":       "zookeeper_start",
				"action":     "noop",
				"depends_on": []interface{}{"zookeeper_server_start"},
			},
		},
		{
			name: "explicit fields",
			op: map[string]interface{}{
				"name":      "hdfs_namenode_format",
				"service":   "hdfs",
				"component": "namenode",
				"action":    "init",
				"command":   "hdfs namenode -format",
				"labels":    map[string]interface{}{"tier": "storage"},
			},
		},
		{
			name:    "single segment name",
			op:      map[string]interface{}{"name": "zookeeper"},
			wantErr: true,
		},
		{
			name:    "uppercase name",
			op:      map[string]interface{}{"name": "Zookeeper_Server_Start"},
			wantErr: true,
		},
		{
			name:    "unknown action",
			op:      map[string]interface{}{"name": "zookeeper_server_explode", "action": "explode"},
			wantErr: true,
		},
		{
			name:    "unknown field",
			op:      map[string]interface{}{"name": "zookeeper_server_start", "hosts": []interface{}{"a"}},
			wantErr: true,
		},
		{
			name:    "missing name",
			op:      map[string]interface{}{"action": "start"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, SchemaOperation, tt.op)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_ValidateSettings(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := map[string]interface{}{
		"database": map[string]interface{}{"path": "data/reconcile.db", "max_open_conns": 10},
		"executor": map[string]interface{}{"type": "plugin", "failure_policy": "continue-independent"},
	}
	if err := sr.ValidateAgainstSchema(ctx, SchemaSettings, valid); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	invalid := []map[string]interface{}{
		{"executor": map[string]interface{}{"type": "docker"}},
		{"policy": map[string]interface{}{"mode": "strict"}},
		{"unknown_section": map[string]interface{}{}},
	}
	for i, doc := range invalid {
		if err := sr.ValidateAgainstSchema(ctx, SchemaSettings, doc); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestSchemaRegistry_ValidateAgainstSource(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	source := `
client_port: int & >1024
data_dir:    string
`
	if err := sr.ValidateAgainstSource(ctx, "zookeeper.cue", source, map[string]interface{}{
		"client_port": 2181,
		"data_dir":    "/var/lib/zookeeper",
	}); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	err := sr.ValidateAgainstSource(ctx, "zookeeper.cue", source, map[string]interface{}{
		"client_port": 80,
		"data_dir":    "/var/lib/zookeeper",
	})
	if err == nil {
		t.Fatal("expected validation error for client_port 80")
	}

	verrs := convertCUEErrors("zookeeper.cue", err)
	if len(verrs) == 0 {
		t.Fatal("expected converted errors")
	}
	if verrs[0].File != "zookeeper.cue" || verrs[0].Severity != "error" {
		t.Errorf("unexpected converted error: %+v", verrs[0])
	}
}
