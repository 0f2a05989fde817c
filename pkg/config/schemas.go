package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Names of the built-in schemas.
const (
	SchemaCollection = "collection"
	SchemaOperation  = "operation"
	SchemaSettings   = "settings"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range builtinSchemas {
		if err := sr.RegisterSchema(name, def.definition, def.source); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}

	return sr
}

// RegisterSchema compiles source and registers the definition it declares
// under name. definition is the definition identifier without the leading
// '#', or empty when the whole source is the schema.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if definition != "" {
		val = val.LookupPath(cue.MakePath(cue.Def(definition)))
		if !val.Exists() {
			return fmt.Errorf("schema %s does not declare #%s", name, definition)
		}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return sr.validate(schema, data)
}

// ValidateAgainstSource compiles an ad-hoc schema, such as a per-service
// variables schema, and validates data against it.
func (sr *SchemaRegistry) ValidateAgainstSource(ctx context.Context, filename, source string, data interface{}) error {
	schema := sr.ctx.CompileString(source, cue.Filename(filename))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", filename, err)
	}
	return sr.validate(schema, data)
}

func (sr *SchemaRegistry) validate(schema cue.Value, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(file string, err error) []ValidationError {
	var out []ValidationError

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Message:  e.Error(),
			Severity: "error",
		}

		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}

		out = append(out, ve)
	}

	if len(out) == 0 {
		out = append(out, ValidationError{File: file, Message: err.Error(), Severity: "error"})
	}

	return out
}

type builtinSchema struct {
	definition string
	source     string
}

var builtinSchemas = map[string]builtinSchema{
	SchemaOperation:  {definition: "Operation", source: operationSchema},
	SchemaCollection: {definition: "Collection", source: operationSchema},
	SchemaSettings:   {definition: "Settings", source: settingsSchema},
}

// Built-in schema definitions

const operationSchema = `
#Action: "install" | "config" | "start" | "restart" | "init" | "stop" | "status" | "noop"

#Operation: {
	// Name is "<service>_<component>_<action>" or "<service>_<action>"
	name: string & =~"^[a-z0-9]+(_[a-z0-9]+)+$"

	service?:   string & =~"^[a-z0-9]+$"
	component?: string & =~"^[a-z0-9_]*$"
	action?:    #Action

	depends_on?: [...string & =~"^[a-z0-9_]+$"]
	command?: string
	labels?: {[string]: string}
}

#Collection: {
	operations: [...#Operation]
}
`

const settingsSchema = `
#Settings: {
	database?: {
		path?: string & !=""
		...
	}
	collections?: {
		paths?: [...string & !=""]
	}
	variables?: {...}
	executor?: {
		type?:           "command" | "plugin"
		failure_policy?: "abort" | "continue-independent"
		...
	}
	policy?: {
		mode?: "advisory" | "enforcing"
		...
	}
	telemetry?: {...}
}
`
