package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/reconcile"
)

func newReconfigureCommand() *cobra.Command {
	var (
		dryRun        bool
		failurePolicy string
	)

	cmd := &cobra.Command{
		Use:   "reconfigure",
		Short: "Restart what changed since the last successful deployment",
		Long: `Plan and run a reconfiguration.

Components whose variables changed since the last successful deployment
are restarted together with every operation that depends on them. Each
outcome is recorded as soon as it is known, so a later reconfigure picks
up exactly what did not succeed.

The deployment stops at the first failed operation unless --policy
continue-independent is given, in which case only operations depending on
a failed one are skipped.`,
		Example: `  # Restart what changed
  reconcile reconfigure

  # Show what would run without running it
  reconcile reconfigure --dry

  # Keep going with unrelated operations after a failure
  reconcile reconfigure --policy continue-independent`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeployment(cmd, reconcile.Request{
				Mode:          engine.PlanModeReconfigure,
				DryRun:        dryRun,
				FailurePolicy: engine.FailurePolicy(failurePolicy),
				Command:       "reconfigure",
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry", false, "simulate operations and record nothing")
	cmd.Flags().StringVar(&failurePolicy, "policy", "", "failure policy: abort or continue-independent (default from settings)")

	return cmd
}

// runDeployment runs req and reports the result.
func runDeployment(cmd *cobra.Command, req reconcile.Request) error {
	if req.FailurePolicy != "" {
		if err := req.FailurePolicy.Validate(); err != nil {
			return err
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())
	ctx := a.context(cmd.Context())
	out := cmd.OutOrStdout()

	if !req.DryRun {
		if _, err := a.service.Recover(ctx); err != nil {
			return err
		}
	}

	log.Debug().
		Str("mode", string(req.Mode)).
		Bool("dry_run", req.DryRun).
		Str("failure_policy", string(req.FailurePolicy)).
		Msg("Starting deployment")

	var result *reconcile.Result
	if req.Mode == engine.PlanModeReconfigure {
		result, err = a.service.Reconfigure(ctx, req)
	} else {
		result, err = a.service.Deploy(ctx, req)
	}

	if result != nil && result.NothingToDo {
		if jsonOutput {
			return printJSON(out, result)
		}
		fmt.Fprintln(out, msgNothingToRestart)
		return nil
	}

	if result != nil && result.Record != nil {
		if jsonOutput {
			if jerr := printJSON(out, result); jerr != nil {
				return jerr
			}
		} else {
			printResult(out, result)
		}
	} else if result != nil && result.Planned != nil && result.Planned.Policy != nil && !jsonOutput {
		printPolicy(out, result.Planned.Policy)
	}

	if engine.IsDeploymentNotSuccess(err) {
		if !jsonOutput {
			fmt.Fprintf(out, "Deployment didn't finish with success: final state %s\n", result.Record.State)
		}
		return fmt.Errorf("deployment %s finished with state %s", result.Record.ID, result.Record.State)
	}
	return planError(out, err)
}
