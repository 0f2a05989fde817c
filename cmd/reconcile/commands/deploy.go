package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/reconcile"
)

func newDeployCommand() *cobra.Command {
	var (
		dryRun        bool
		failurePolicy string
		filters       filterFlags
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run every operation, or a filtered subset",
		Long: `Plan and run a full deployment.

Every non-noop operation is run in dependency order regardless of what
changed. --source keeps the given operations and everything after them,
--target keeps them and everything before them, and --service keeps only
the listed services. A successful deployment records the current variable
fingerprints of every component it ran.`,
		Example: `  # Deploy everything
  reconcile deploy

  # Re-run one service from its config step on
  reconcile deploy --service hdfs --source hdfs_namenode_config

  # Preview a full deployment
  reconcile deploy --dry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeployment(cmd, reconcile.Request{
				Mode:          engine.PlanModeFull,
				Filter:        filters.filter(),
				DryRun:        dryRun,
				FailurePolicy: engine.FailurePolicy(failurePolicy),
				Command:       "deploy",
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry", false, "simulate operations and record nothing")
	cmd.Flags().StringVar(&failurePolicy, "policy", "", "failure policy: abort or continue-independent (default from settings)")
	filters.register(cmd)

	return cmd
}
