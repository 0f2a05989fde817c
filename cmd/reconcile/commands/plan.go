package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/reconcile"
)

const (
	msgNothingToRestart = "Nothing needs to be restarted"
	msgEmptyPlan        = "Component(s) don't have any operation associated to restart (excluding noop). Nothing to restart."
)

// filterFlags narrow a full plan.
type filterFlags struct {
	sources  []string
	targets  []string
	services []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.sources, "source", nil, "keep these operations and everything after them")
	cmd.Flags().StringSliceVar(&f.targets, "target", nil, "keep these operations and everything before them")
	cmd.Flags().StringSliceVar(&f.services, "service", nil, "keep operations of these services")
}

func (f *filterFlags) filter() engine.PlanFilter {
	toIDs := func(in []string) []engine.OperationID {
		out := make([]engine.OperationID, len(in))
		for i, s := range in {
			out[i] = engine.OperationID(s)
		}
		return out
	}
	return engine.PlanFilter{
		Sources:  toIDs(f.sources),
		Targets:  toIDs(f.targets),
		Services: f.services,
	}
}

func (f *filterFlags) isSet() bool {
	return len(f.sources) > 0 || len(f.targets) > 0 || len(f.services) > 0
}

// planError maps the expected planning outcomes to their user messages.
// NothingToRestart is not an error.
func planError(w io.Writer, err error) error {
	switch {
	case engine.IsNothingToRestart(err):
		fmt.Fprintln(w, msgNothingToRestart)
		return nil
	case engine.IsEmptyDeploymentPlan(err):
		return errors.New(msgEmptyPlan)
	}
	return err
}

func newPlanCommand() *cobra.Command {
	var (
		full    bool
		dotFile string
		filters filterFlags
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the operations a deployment would run",
		Long: `Compute the plan without running anything.

By default the plan is a reconfiguration: cluster variables are
fingerprinted per component and compared with the fingerprints of the last
successful deployment. Every operation of a changed component and every
operation depending on them is planned, in dependency order, excluding
noop operations.

With --full every operation is planned. --source, --target and --service
narrow a full plan.

Admission policies are evaluated and reported but not enforced.`,
		Example: `  # What would reconfigure run?
  reconcile plan

  # Full plan for one service, with a graph
  reconcile plan --full --service hdfs --dot plan.dot

  # Everything between two operations
  reconcile plan --full --source zookeeper_server_start --target hdfs_namenode_start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filters.isSet() && !full {
				return errors.New("--source, --target and --service require --full")
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			ctx := a.context(cmd.Context())
			out := cmd.OutOrStdout()

			req := reconcile.Request{Mode: engine.PlanModeReconfigure, Command: "plan"}
			if full {
				req.Mode = engine.PlanModeFull
				req.Filter = filters.filter()
			}

			log.Debug().
				Str("mode", string(req.Mode)).
				Strs("services", filters.services).
				Msg("Computing plan")

			planned, err := a.service.Plan(ctx, req)
			if err != nil {
				return planError(out, err)
			}

			if dotFile != "" {
				if err := writeDOT(out, dotFile, planned); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(out, planned)
			}
			printPlan(out, planned)
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "plan every operation instead of what changed")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph with planned operations highlighted (- for stdout)")
	filters.register(cmd)

	return cmd
}

func writeDOT(out io.Writer, path string, planned *reconcile.Planned) error {
	highlight := make(engine.OperationSet, planned.Plan.Len())
	for _, id := range planned.Plan.OperationIDs() {
		highlight.Add(id)
	}
	dot := planned.Workspace.Graph.ToDOT(highlight)

	if path == "-" {
		_, err := io.WriteString(out, dot)
		return err
	}
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Info().Str("file", path).Msg("Wrote plan graph")
	return nil
}
