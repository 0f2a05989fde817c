package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// ClusterVariables holds the merged variables of every requested pair and
// the fingerprints derived from them.
type ClusterVariables struct {
	// Values maps each pair to its merged variables. A component inherits
	// its service variables and overrides them.
	Values map[engine.ServiceComponent]map[string]interface{} `json:"-"`

	// Versions is the desired configuration state.
	Versions engine.VersionMap `json:"-"`

	// SourceFiles are the files that contributed, in read order.
	SourceFiles []string `json:"source_files"`
}

// Get returns the merged variables of a pair.
func (cv *ClusterVariables) Get(sc engine.ServiceComponent) (map[string]interface{}, bool) {
	vars, ok := cv.Values[sc]
	return vars, ok
}

// VariablesLoader reads cluster variables from a directory with one
// subdirectory per service:
//
//	vars/
//	  zookeeper/
//	    zookeeper.yml          service variables
//	    zookeeper_server.yml   component overrides
//	    zookeeper_server.star  computed component overrides
//	    zookeeper.cue          optional schema for the merged variables
//
// For each level the YAML file is applied first, then the Starlark file.
// Scripts see the predeclared globals service, component and base (the
// variables merged so far).
type VariablesLoader struct {
	root     string
	validate bool
	starlark *StarlarkEvaluator
	schemas  *SchemaRegistry
}

// NewVariablesLoader creates a loader for the configured variables directory.
func NewVariablesLoader(settings VariableSettings, schemas *SchemaRegistry) *VariablesLoader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &VariablesLoader{
		root:     settings.Path,
		validate: settings.Validate,
		starlark: NewStarlarkEvaluator(settings.StarlarkTimeout),
		schemas:  schemas,
	}
}

// Load computes the merged variables and fingerprint of every pair. Pairs
// without any variable file get the fingerprint of an empty document.
func (l *VariablesLoader) Load(ctx context.Context, pairs []engine.ServiceComponent) (*ClusterVariables, error) {
	cv := &ClusterVariables{
		Values:   make(map[engine.ServiceComponent]map[string]interface{}, len(pairs)),
		Versions: make(engine.VersionMap, len(pairs)),
	}

	services := make(map[string]map[string]interface{})
	var errs ValidationErrors

	sorted := append([]engine.ServiceComponent(nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	for _, sc := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		base, ok := services[sc.Service]
		if !ok {
			var err error
			base, err = l.loadLevel(ctx, cv, sc.Service, sc.Service, "", map[string]interface{}{})
			if err != nil {
				return nil, err
			}
			services[sc.Service] = base
		}

		vars := base
		if !sc.IsServiceLevel() {
			var err error
			vars, err = l.loadLevel(ctx, cv, sc.Service, sc.String(), sc.Component, base)
			if err != nil {
				return nil, err
			}
		}

		if l.validate {
			if verrs := l.validateService(ctx, sc, vars); len(verrs) > 0 {
				errs = append(errs, verrs...)
				continue
			}
		}

		fp, err := Fingerprint(vars)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s: %w", sc, err)
		}
		cv.Values[sc] = vars
		cv.Versions[sc] = fp
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return cv, nil
}

// loadLevel applies <name>.yml then <name>.star on top of base.
func (l *VariablesLoader) loadLevel(ctx context.Context, cv *ClusterVariables, service, name, component string, base map[string]interface{}) (map[string]interface{}, error) {
	dir := filepath.Join(l.root, service)
	vars := deepMerge(base, nil)

	for _, ext := range []string{".yml", ".yaml"} {
		path := filepath.Join(dir, name+ext)
		layer, err := readYAMLVars(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cv.SourceFiles = append(cv.SourceFiles, path)
		vars = deepMerge(vars, layer)
		break
	}

	path := filepath.Join(dir, name+".star")
	script, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return vars, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	cv.SourceFiles = append(cv.SourceFiles, path)

	result, err := l.starlark.Evaluate(ctx, path, string(script), map[string]interface{}{
		"service":   service,
		"component": component,
		"base":      vars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}

	layer, err := starlarkLayer(path, result)
	if err != nil {
		return nil, err
	}
	return deepMerge(vars, layer), nil
}

// validateService checks vars against vars/<service>/<service>.cue when the
// file exists.
func (l *VariablesLoader) validateService(ctx context.Context, sc engine.ServiceComponent, vars map[string]interface{}) []ValidationError {
	path := filepath.Join(l.root, sc.Service, sc.Service+".cue")
	source, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return []ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
	}

	if err := l.schemas.ValidateAgainstSource(ctx, path, string(source), vars); err != nil {
		verrs := convertCUEErrors(path, err)
		for i := range verrs {
			verrs[i].Message = sc.String() + ": " + verrs[i].Message
		}
		return verrs
	}
	return nil
}

// starlarkLayer extracts the variables a script exports. A script that
// defines a "vars" dict exports exactly that dict. Otherwise every exported
// global is a variable.
func starlarkLayer(path string, result *StarlarkResult) (map[string]interface{}, error) {
	if v, ok := result.Output["vars"]; ok {
		layer, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: vars must be a dict, got %T", path, v)
		}
		return layer, nil
	}

	return result.Output, nil
}

func readYAMLVars(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if raw == nil {
		return map[string]interface{}{}, nil
	}

	vars, ok := normalize(raw).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: top level must be a mapping", path)
	}
	return vars, nil
}

// Fingerprint returns the hex sha256 of the canonical JSON encoding of vars.
// Map keys are sorted, so equal documents always produce equal fingerprints.
func Fingerprint(vars map[string]interface{}) (engine.Fingerprint, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	data, err := json.Marshal(normalize(vars))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return engine.Fingerprint(hex.EncodeToString(sum[:])), nil
}

// normalize converts YAML's map[interface{}]interface{} into JSON-friendly
// maps, recursively.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}

// deepMerge returns a new map with override applied over base. Nested maps
// merge recursively; lists and scalars are replaced.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = deepMerge(m, nil)
			continue
		}
		out[k] = v
	}
	for k, v := range override {
		if right, ok := v.(map[string]interface{}); ok {
			if left, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(left, right)
				continue
			}
			out[k] = deepMerge(right, nil)
			continue
		}
		out[k] = v
	}
	return out
}
