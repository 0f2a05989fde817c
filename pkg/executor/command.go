package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

const (
	// DefaultShell runs operation commands.
	DefaultShell = "/bin/sh"

	// DefaultMaxOutput is how much command output is kept as diagnostics.
	DefaultMaxOutput = 64 * 1024

	// waitDelay bounds how long a killed command may hold its output pipes.
	waitDelay = 5 * time.Second
)

// Environment variables set for every command.
const (
	EnvOperation = "RECONCILE_OPERATION"
	EnvService   = "RECONCILE_SERVICE"
	EnvComponent = "RECONCILE_COMPONENT"
	EnvAction    = "RECONCILE_ACTION"
	EnvDryRun    = "RECONCILE_DRY_RUN"
	envLabel     = "RECONCILE_LABEL_"
)

// CommandConfig configures a CommandExecutor.
type CommandConfig struct {
	// Shell interprets Operation.Command with "-c". Defaults to /bin/sh.
	Shell string

	// WorkDir is the working directory. Empty means the current one.
	WorkDir string

	// Timeout bounds a single command. Zero disables the limit.
	Timeout time.Duration

	// Env is added to the inherited environment.
	Env map[string]string

	// MaxOutput bounds the output kept as diagnostics. Only the tail is
	// kept once the limit is reached.
	MaxOutput int
}

// CommandExecutor runs Operation.Command through a local shell.
type CommandExecutor struct {
	cfg    CommandConfig
	logger zerolog.Logger
}

var _ Executor = (*CommandExecutor)(nil)

// NewCommandExecutor creates a command executor.
func NewCommandExecutor(cfg CommandConfig, logger zerolog.Logger) *CommandExecutor {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	return &CommandExecutor{
		cfg:    cfg,
		logger: logger.With().Str("executor", "command").Logger(),
	}
}

// Execute runs the operation command. Operations without a command succeed
// immediately. In dry run the command is reported but not run.
func (e *CommandExecutor) Execute(ctx context.Context, op engine.Operation, dryRun bool) engine.OperationResult {
	command := strings.TrimSpace(op.Command)
	if command == "" {
		return success("no command")
	}
	if dryRun {
		return success("would run: " + command)
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	logger := e.logger.With().Str("operation_id", string(op.ID)).Logger()

	output := newTailBuffer(e.cfg.MaxOutput)
	lines := newLineWriter(outputHandlerFrom(ctx, func(line string) {
		logger.Debug().Str("line", line).Msg("Command output")
	}))
	out := io.MultiWriter(output, lines)

	cmd := exec.CommandContext(runCtx, e.cfg.Shell, "-c", command)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = e.environ(op, dryRun)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	lines.Flush()

	logger.Debug().
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Command finished")

	if err == nil {
		return success(output.String())
	}

	var reason string
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		reason = fmt.Sprintf("cancelled: %v", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		reason = fmt.Sprintf("timed out after %s", e.cfg.Timeout)
	case errors.As(err, &exitErr):
		reason = fmt.Sprintf("exit status %d", exitErr.ExitCode())
	default:
		reason = fmt.Sprintf("failed to run command: %v", err)
	}

	return failure(reason, output.String())
}

// Close implements Executor. A command executor holds no resources.
func (e *CommandExecutor) Close(context.Context) error {
	return nil
}

// environ builds the command environment: the inherited environment, the
// configured extras, then the operation variables.
func (e *CommandExecutor) environ(op engine.Operation, dryRun bool) []string {
	env := os.Environ()

	keys := make([]string, 0, len(e.cfg.Env))
	for k := range e.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = upsertEnv(env, k, e.cfg.Env[k])
	}

	env = upsertEnv(env, EnvOperation, string(op.ID))
	env = upsertEnv(env, EnvService, op.Service)
	env = upsertEnv(env, EnvComponent, op.Component)
	env = upsertEnv(env, EnvAction, string(op.Action))
	env = upsertEnv(env, EnvDryRun, strconv.FormatBool(dryRun))

	labels := make([]string, 0, len(op.Labels))
	for k := range op.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		env = upsertEnv(env, envLabel+envName(k), op.Labels[k])
	}

	return env
}

func upsertEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// envName upper-cases a label key and replaces anything that is not a
// letter or digit with an underscore.
func envName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func success(diagnostics string) engine.OperationResult {
	return engine.OperationResult{Status: engine.OutcomeSuccess, Diagnostics: diagnostics}
}

func failure(reason, output string) engine.OperationResult {
	diagnostics := reason
	if output = strings.TrimSpace(output); output != "" {
		diagnostics = reason + ": " + output
	}
	return engine.OperationResult{Status: engine.OutcomeFailure, Diagnostics: diagnostics}
}
