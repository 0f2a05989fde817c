// Package executor provides the engine.Executor implementations used by the
// command line tool.
//
// CommandExecutor runs each operation's command through a local shell.
// PluginExecutor hands operations to a long running runner process over the
// JSON-lines protocol in package protocol; Serve implements the runner side
// of that protocol.
package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
)

// Executor types accepted in settings.
const (
	TypeCommand = "command"
	TypePlugin  = "plugin"
)

// Executor is an engine.Executor that may hold resources, such as a runner
// process, for the duration of one deployment.
type Executor interface {
	engine.Executor

	// Close releases the resources. The executor must not be used after.
	Close(ctx context.Context) error
}

// FromSettings builds the executor selected by the settings. The returned
// executor serves a single deployment and must be closed after it.
func FromSettings(s config.ExecutorSettings, logger zerolog.Logger) (Executor, error) {
	switch s.Type {
	case TypeCommand, "":
		return NewCommandExecutor(CommandConfig{
			Shell:   s.Shell,
			WorkDir: s.WorkDir,
			Timeout: s.Timeout,
		}, logger), nil
	case TypePlugin:
		if s.PluginPath == "" {
			return nil, fmt.Errorf("plugin executor requires a plugin path")
		}
		return NewPluginExecutor(PluginConfig{
			Launcher: &ProcessLauncher{Path: s.PluginPath, Dir: s.WorkDir},
			Timeout:  s.Timeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", s.Type)
	}
}
