package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Settings is the tool configuration loaded from reconcile.yaml.
type Settings struct {
	// Database configures the deployment history store.
	Database DatabaseSettings `yaml:"database" json:"database"`

	// Collections lists the directories holding operation definitions.
	Collections CollectionSettings `yaml:"collections" json:"collections"`

	// Variables configures where cluster variables are read from.
	Variables VariableSettings `yaml:"variables" json:"variables"`

	// Executor selects and tunes the operation executor.
	Executor ExecutorSettings `yaml:"executor" json:"executor"`

	// Policy configures plan admission.
	Policy PolicySettings `yaml:"policy" json:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetrySettings `yaml:"telemetry" json:"telemetry"`
}

// DatabaseSettings configures the SQLite store.
type DatabaseSettings struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// BusyTimeout is how long a write waits on a competing writer before
	// it is retried.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout" validate:"gte=0"`
}

// CollectionSettings lists operation collection directories. Later
// directories are loaded after earlier ones.
type CollectionSettings struct {
	Paths []string `yaml:"paths" json:"paths" validate:"required,min=1,dive,required"`
}

// VariableSettings configures the variables directory.
type VariableSettings struct {
	// Path is the root directory with one subdirectory per service.
	Path string `yaml:"path" json:"path" validate:"required"`

	// StarlarkTimeout bounds the evaluation of each .star file.
	StarlarkTimeout time.Duration `yaml:"starlark_timeout" json:"starlark_timeout"`

	// Validate enables per-service CUE schema checks.
	Validate bool `yaml:"validate" json:"validate"`
}

// ExecutorSettings selects the executor implementation.
type ExecutorSettings struct {
	// Type is "command" or "plugin".
	Type string `yaml:"type" json:"type" validate:"required,oneof=command plugin"`

	// WorkDir is the working directory commands run in.
	WorkDir string `yaml:"work_dir" json:"work_dir,omitempty"`

	// Shell runs commands for the command executor.
	Shell string `yaml:"shell" json:"shell,omitempty"`

	// PluginPath is the runner binary for the plugin executor.
	PluginPath string `yaml:"plugin_path" json:"plugin_path,omitempty" validate:"required_if=Type plugin"`

	// Timeout bounds a single operation. Zero disables the limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// FailurePolicy decides what happens after a failed operation.
	FailurePolicy engine.FailurePolicy `yaml:"failure_policy" json:"failure_policy" validate:"required,oneof=abort continue-independent"`

	// SeedActions restricts which actions of a changed component seed a
	// reconfigure plan. Empty means every action.
	SeedActions []engine.ActionKind `yaml:"seed_actions" json:"seed_actions,omitempty"`

	// Restart rewrites planned start operations into restarts.
	Restart bool `yaml:"restart" json:"restart"`
}

// PolicySettings configures admission policies.
type PolicySettings struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists extra .rego files or directories.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Builtin enables the policies shipped with the tool.
	Builtin bool `yaml:"builtin" json:"builtin"`

	// Mode is "enforcing" (deny blocks the plan) or "advisory" (deny is logged).
	Mode string `yaml:"mode" json:"mode" validate:"omitempty,oneof=advisory enforcing"`

	// MaxOperations is passed to the plan size policy. Zero disables it.
	MaxOperations int `yaml:"max_operations" json:"max_operations" validate:"gte=0"`

	// ProtectedServices may not be touched by a plan.
	ProtectedServices []string `yaml:"protected_services" json:"protected_services,omitempty"`
}

// TelemetrySettings configures logging, metrics and tracing.
type TelemetrySettings struct {
	LogLevel      string  `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat     string  `yaml:"log_format" json:"log_format" validate:"omitempty,oneof=json console"`
	MetricsAddr   string  `yaml:"metrics_addr" json:"metrics_addr,omitempty"`
	TraceExporter string  `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	SampleRate    float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
}

// OperationSpec is one operation as written in a collection file.
type OperationSpec struct {
	// Name is the operation identifier, e.g. "zookeeper_server_start".
	Name string `yaml:"name" json:"name" validate:"required"`

	// Service defaults to the first segment of Name.
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	// Component defaults to the segments between service and action.
	Component *string `yaml:"component,omitempty" json:"component,omitempty"`

	// Action defaults to the last segment of Name.
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,required"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// CollectionFile is the document layout of a collection YAML file.
type CollectionFile struct {
	Operations []OperationSpec `yaml:"operations" json:"operations" validate:"dive"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "operations[2].action").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors collects every problem found while loading.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(errs))
	for _, e := range errs {
		msg += "\n  " + e.Error()
	}
	return msg
}

// StarlarkResult represents the result of Starlark script execution.
type StarlarkResult struct {
	// Output is the exported globals of the script.
	Output map[string]interface{} `json:"output"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error contains any execution error.
	Error string `json:"error,omitempty"`
}
