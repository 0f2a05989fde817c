package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Collection is the set of operations loaded from one or more collection
// directories.
type Collection struct {
	// Operations in load order: directories in the order given, files in
	// lexical order, operations in document order.
	Operations []engine.Operation `json:"operations"`

	// SourceFiles are the YAML files that were read.
	SourceFiles []string `json:"source_files"`

	// LoadedAt is when the collection was loaded.
	LoadedAt time.Time `json:"loaded_at"`

	// Errors lists schema and validation problems. A collection with
	// errors must not be turned into a graph.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether loading found problems.
func (c *Collection) HasErrors() bool {
	return len(c.Errors) > 0
}

// Graph builds the dependency graph, failing on load errors, unknown
// dependencies and cycles.
func (c *Collection) Graph() (*engine.Graph, error) {
	if c.HasErrors() {
		return nil, ValidationErrors(c.Errors)
	}
	return engine.NewGraph(c.Operations)
}

// CollectionLoader reads operation definitions from YAML files and checks
// them against the collection CUE schema and struct tags.
type CollectionLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCollectionLoader creates a loader. A nil registry gets the built-in
// schemas.
func NewCollectionLoader(schemas *SchemaRegistry) *CollectionLoader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &CollectionLoader{
		schemas:   schemas,
		validator: validator.New(),
	}
}

// Load reads every *.yml and *.yaml file under the given directories. A path
// may also name a single file. Operation names must be unique across all
// paths.
func (l *CollectionLoader) Load(ctx context.Context, paths []string) (*Collection, error) {
	collection := &Collection{LoadedAt: time.Now()}
	defined := make(map[engine.OperationID]string)

	for _, path := range paths {
		files, err := collectionFiles(path)
		if err != nil {
			return nil, err
		}

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			ops, errs := l.loadFile(ctx, file)
			collection.SourceFiles = append(collection.SourceFiles, file)
			collection.Errors = append(collection.Errors, errs...)

			for _, op := range ops {
				if prev, ok := defined[op.ID]; ok {
					collection.Errors = append(collection.Errors, ValidationError{
						File:     file,
						Path:     string(op.ID),
						Message:  fmt.Sprintf("operation already defined in %s", prev),
						Severity: "error",
					})
					continue
				}
				defined[op.ID] = file
				collection.Operations = append(collection.Operations, op)
			}
		}
	}

	return collection, nil
}

// LoadBytes parses a single collection document.
func (l *CollectionLoader) LoadBytes(ctx context.Context, name string, data []byte) ([]engine.Operation, []ValidationError) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, []ValidationError{yamlError(name, err)}
	}
	if raw == nil {
		return nil, nil
	}

	if err := l.schemas.ValidateAgainstSchema(ctx, SchemaCollection, raw); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	var doc CollectionFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []ValidationError{yamlError(name, err)}
	}

	var (
		ops  []engine.Operation
		errs []ValidationError
	)
	for i, spec := range doc.Operations {
		path := fmt.Sprintf("operations[%d]", i)
		if err := l.validator.Struct(spec); err != nil {
			errs = append(errs, ValidationError{File: name, Path: path, Message: err.Error(), Severity: "error"})
			continue
		}

		op, err := spec.ToOperation()
		if err != nil {
			errs = append(errs, ValidationError{File: name, Path: path, Message: err.Error(), Severity: "error"})
			continue
		}
		ops = append(ops, op)
	}

	return ops, errs
}

func (l *CollectionLoader) loadFile(ctx context.Context, path string) ([]engine.Operation, []ValidationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}
	return l.LoadBytes(ctx, path, data)
}

// ToOperation converts the declaration, deriving service, component and action
// from the name when they are omitted.
func (s OperationSpec) ToOperation() (engine.Operation, error) {
	service, component, action := SplitOperationName(s.Name)

	if s.Service != "" {
		service = s.Service
	}
	if s.Component != nil {
		component = *s.Component
	}
	if s.Action != "" {
		action = s.Action
	}

	op := engine.Operation{
		ID:        engine.OperationID(s.Name),
		Service:   service,
		Component: component,
		Action:    engine.ActionKind(action),
		Command:   s.Command,
		Labels:    s.Labels,
	}
	if err := op.Action.Validate(); err != nil {
		return engine.Operation{}, fmt.Errorf("operation %s: %w", s.Name, err)
	}
	if op.Service == "" {
		return engine.Operation{}, fmt.Errorf("operation %s: missing service", s.Name)
	}

	for _, dep := range s.DependsOn {
		op.DependsOn = append(op.DependsOn, engine.OperationID(dep))
	}

	return op, nil
}

// SplitOperationName splits "<service>_<component>_<action>" into its
// parts. A two-segment name is a service-level operation and returns an
// empty component.
func SplitOperationName(name string) (service, component, action string) {
	parts := strings.Split(name, "_")
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], "", parts[1]
	default:
		return parts[0], strings.Join(parts[1:len(parts)-1], "_"), parts[len(parts)-1]
	}
}

// collectionFiles lists YAML files under path in lexical order.
func collectionFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat collection %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isYAML(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk collection %s: %w", path, err)
	}

	sort.Strings(files)
	return files, nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yml" || ext == ".yaml"
}

func yamlError(file string, err error) ValidationError {
	ve := ValidationError{File: file, Message: err.Error(), Severity: "error"}
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		ve.Line = line
	}
	return ve
}
