package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// DefaultSettingsFile is the settings file name looked up in the working
// directory when no --config flag is given.
const DefaultSettingsFile = "reconcile.yaml"

// DefaultSettings returns the settings used for any key missing from the
// settings file.
func DefaultSettings() *Settings {
	return &Settings{
		Database: DatabaseSettings{
			Path:            "data/reconcile.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Collections: CollectionSettings{
			Paths: []string{"collections"},
		},
		Variables: VariableSettings{
			Path:            "vars",
			StarlarkTimeout: 30 * time.Second,
			Validate:        true,
		},
		Executor: ExecutorSettings{
			Type:          "command",
			Shell:         "/bin/sh",
			Timeout:       10 * time.Minute,
			FailurePolicy: engine.FailurePolicyAbort,
		},
		Policy: PolicySettings{
			Enabled: true,
			Builtin: true,
			Mode:    "enforcing",
		},
		Telemetry: TelemetrySettings{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
			SampleRate:    1.0,
		},
	}
}

// LoadSettings reads a settings file on top of DefaultSettings and validates
// the result. Relative paths inside the file are resolved against the
// file's directory.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if raw != nil {
		err := NewSchemaRegistry().ValidateAgainstSchema(context.Background(), SchemaSettings, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid settings %s: %w", path, ValidationErrors(convertCUEErrors(path, err)))
		}
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	settings.resolvePaths(filepath.Dir(path))

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}

	return settings, nil
}

// LoadSettingsOrDefault behaves like LoadSettings but falls back to
// DefaultSettings when the file does not exist.
func LoadSettingsOrDefault(path string) (*Settings, error) {
	settings, err := LoadSettings(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	return settings, err
}

// Save writes the settings as YAML, creating parent directories.
func (s *Settings) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	return nil
}

// Validate checks the settings struct tags and the engine enums.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make(ValidationErrors, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, ValidationError{
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
					Severity: "error",
				})
			}
			return out
		}
		return err
	}

	for _, action := range s.Executor.SeedActions {
		if err := action.Validate(); err != nil {
			return ValidationErrors{{
				Path:     "Settings.Executor.SeedActions",
				Message:  err.Error(),
				Severity: "error",
			}}
		}
	}

	return nil
}

// resolvePaths makes relative paths absolute against base.
func (s *Settings) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	s.Database.Path = resolve(s.Database.Path)
	for i, p := range s.Collections.Paths {
		s.Collections.Paths[i] = resolve(p)
	}
	s.Variables.Path = resolve(s.Variables.Path)
	s.Executor.WorkDir = resolve(s.Executor.WorkDir)
	if strings.ContainsRune(s.Executor.PluginPath, filepath.Separator) {
		s.Executor.PluginPath = resolve(s.Executor.PluginPath)
	}
	for i, p := range s.Policy.Paths {
		s.Policy.Paths[i] = resolve(p)
	}
}
