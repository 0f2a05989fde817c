package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded deployments",
		Long: `Inspect the deployment history.

Dry runs are never recorded.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		state  string
		mode   string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, most recent first",
		Example: `  # Last 20 deployments
  reconcile history list

  # Failed reconfigurations
  reconcile history list --state FAILURE --mode reconfigure-diff`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			records, err := a.service.History(a.context(cmd.Context()), stores.DeploymentFilter{
				State:  engine.DeploymentState(state),
				Mode:   engine.PlanMode(mode),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only deployments in this state (PENDING, RUNNING, SUCCESS, FAILURE)")
	cmd.Flags().StringVar(&mode, "mode", "", "only deployments of this mode (full, reconfigure-diff)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of deployments (0 = all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of deployments to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Show a deployment with its outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			details, err := a.service.Show(a.context(cmd.Context()), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), details)
			}
			printDetails(cmd.OutOrStdout(), details)
			return nil
		},
	}

	return cmd
}
