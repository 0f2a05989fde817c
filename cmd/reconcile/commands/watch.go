package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/reconcile"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		apply     bool
		dryRun    bool
		debounce  time.Duration
		events    string
		component string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan whenever collections or variables change",
		Long: `Watch the collection and variables directories and print the
reconfigure plan after every change.

With --apply the plan is also run. Custom policy files are reloaded when
they change. Metrics are served on telemetry.metrics_addr while watching.

--events streams deployment, operation and component events of at least
the given level (info, warning, error) to stderr, optionally narrowed to
one component with --component.`,
		Example: `  # Show what a reconfigure would do after each edit
  reconcile watch

  # Keep the cluster reconciled
  reconcile watch --apply

  # Report failures of hdfs_namenode while reconciling
  reconcile watch --apply --events error --component hdfs_namenode`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if events != "" && !validEventLevel(events) {
				return fmt.Errorf("unknown event level %q (valid: info, warning, error)", events)
			}
			if component != "" && events == "" {
				return fmt.Errorf("--component requires --events")
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			ctx := a.context(cmd.Context())

			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			if a.policy != nil && len(a.settings.Policy.Paths) > 0 {
				loader, err := a.policy.Watch(ctx, a.settings.Policy.Paths)
				if err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
				defer loader.StopWatching()
			}

			if events != "" {
				a.tel.Events.Subscribe(streamEvent(cmd.ErrOrStderr()), runEventFilter(events, component))
			}

			if apply && !dryRun {
				if _, err := a.service.Recover(ctx); err != nil {
					return err
				}
			}

			a.logger().Info().
				Strs("collections", a.settings.Collections.Paths).
				Str("variables", a.settings.Variables.Path).
				Bool("apply", apply).
				Msg("Watching configuration")

			return a.service.Watch(ctx, reconcile.WatchOptions{
				Debounce: debounce,
				Apply:    apply,
				DryRun:   dryRun,
			}, func(ev reconcile.WatchEvent) {
				printWatchEvent(cmd, ev)
			})
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "run the plan after each change")
	cmd.Flags().BoolVar(&dryRun, "dry", false, "simulate applied plans")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait this long for edits to settle")
	cmd.Flags().StringVar(&events, "events", "", "stream run events of at least this level (info, warning, error)")
	cmd.Flags().StringVar(&component, "component", "", "only stream events of this component, e.g. hdfs_namenode")

	return cmd
}

func printWatchEvent(cmd *cobra.Command, ev reconcile.WatchEvent) {
	out := cmd.OutOrStdout()
	if len(ev.Files) > 0 && !jsonOutput {
		fmt.Fprintf(out, "\n%d file(s) changed\n", len(ev.Files))
	}

	switch {
	case jsonOutput:
		report := map[string]interface{}{"files": ev.Files}
		if ev.Planned != nil {
			report["planned"] = ev.Planned
		}
		if ev.Result != nil {
			report["result"] = ev.Result
		}
		if ev.Err != nil {
			report["error"] = ev.Err.Error()
		}
		_ = printJSON(out, report)
	case ev.Err != nil && engine.IsNothingToRestart(ev.Err):
		fmt.Fprintln(out, msgNothingToRestart)
	case ev.Err != nil && engine.IsEmptyDeploymentPlan(ev.Err):
		fmt.Fprintln(out, msgEmptyPlan)
	case ev.Result != nil && ev.Result.NothingToDo:
		fmt.Fprintln(out, msgNothingToRestart)
	case ev.Result != nil && ev.Result.Record != nil:
		printResult(out, ev.Result)
		if ev.Err != nil {
			fmt.Fprintf(out, "Error: %v\n", ev.Err)
		}
	case ev.Err != nil:
		fmt.Fprintf(out, "Error: %v\n", ev.Err)
	case ev.Planned != nil:
		printPlan(out, ev.Planned)
	}
}

func validEventLevel(level string) bool {
	switch level {
	case telemetry.EventLevelInfo, telemetry.EventLevelWarning, telemetry.EventLevelError:
		return true
	}
	return false
}

// runEventFilter selects the events a deployment produces, of at least
// level and, when component is set, about that component only.
func runEventFilter(level, component string) telemetry.EventFilter {
	filters := []telemetry.EventFilter{
		telemetry.FilterByType(
			telemetry.EventTypeDeploymentStarted,
			telemetry.EventTypeDeploymentCompleted,
			telemetry.EventTypeDeploymentFailed,
			telemetry.EventTypeOperationCompleted,
			telemetry.EventTypeOperationFailed,
			telemetry.EventTypeOperationSkipped,
			telemetry.EventTypeComponentCompleted,
			telemetry.EventTypeComponentFailed,
			telemetry.EventTypePolicyViolation,
		),
		telemetry.FilterByLevel(level),
	}
	if component != "" {
		filters = append(filters, telemetry.FilterByComponent(component))
	}
	return telemetry.FilterAll(filters...)
}

// streamEvent writes one line per event, JSON encoded with --json.
func streamEvent(w io.Writer) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		if jsonOutput {
			if line, err := json.Marshal(e); err == nil {
				fmt.Fprintln(w, string(line))
			}
			return
		}
		fmt.Fprintf(w, "%s %-7s %s\n", e.Timestamp.Format(time.TimeOnly), e.Level, e.Message)
	}
}
