// Package main implements the reconcile operation runner.
//
// The runner is started by the plugin executor. It announces READY on
// stdout, executes operations received as EXEC messages through a local
// shell, and exits after SHUTDOWN, when stdin closes, or after an idle
// period. Logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/executor"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

const defaultIdleTimeout = 10 * time.Minute

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	if err := newRootCommand(&code).ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Runner failed")
		os.Exit(1)
	}
	os.Exit(code)
}

func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// newRootCommand builds the runner command. The session exit code is
// stored in code.
func newRootCommand(code *int) *cobra.Command {
	var (
		shell       string
		workDir     string
		timeout     time.Duration
		idleTimeout time.Duration
		maxOutput   int
		env         map[string]string
	)

	cmd := &cobra.Command{
		Use:           "reconcile-runner",
		Short:         "Operation runner for the reconcile plugin executor",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Logger.With().Str("component", "runner").Logger()

			exec := executor.NewCommandExecutor(executor.CommandConfig{
				Shell:     shell,
				WorkDir:   workDir,
				Timeout:   timeout,
				Env:       env,
				MaxOutput: maxOutput,
			}, logger)

			hostname, _ := os.Hostname()
			res, err := executor.Serve(cmd.Context(), os.Stdin, os.Stdout, exec, executor.ServeConfig{
				Version:     Version,
				IdleTimeout: idleTimeout,
				Metadata: map[string]string{
					"hostname":     hostname,
					"idle_timeout": idleTimeout.String(),
				},
				Logger: logger,
			})
			*code = res.ExitCode
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&shell, "shell", executor.DefaultShell, "shell used to run operation commands")
	flags.StringVar(&workDir, "work-dir", "", "working directory for commands")
	flags.DurationVar(&timeout, "timeout", 0, "per-operation timeout (0 = none)")
	flags.DurationVar(&idleTimeout, "idle-timeout", defaultIdleTimeout, "exit after this long without a request (0 = never)")
	flags.IntVar(&maxOutput, "max-output", executor.DefaultMaxOutput, "bytes of command output kept as diagnostics")
	flags.StringToStringVar(&env, "env", nil, "extra environment for commands (KEY=VALUE)")

	return cmd
}
