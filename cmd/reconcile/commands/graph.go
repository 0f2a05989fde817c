package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/engine"
)

// graphReport is printed by graph --json.
type graphReport struct {
	Operations []engine.Operation     `json:"operations"`
	Order      []engine.OperationID   `json:"order"`
	Levels     [][]engine.OperationID `json:"levels"`
}

func newGraphCommand() *cobra.Command {
	var (
		dot bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the operation dependency graph",
		Long: `Print the operation dependency graph.

Operations are grouped in levels: every operation only depends on
operations of earlier levels. --dot prints Graphviz DOT instead.`,
		Example: `  # Levels of the graph
  reconcile graph

  # Render with Graphviz
  reconcile graph --dot | dot -Tsvg > graph.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			collection, err := config.NewCollectionLoader(nil).Load(cmd.Context(), settings.Collections.Paths)
			if err != nil {
				return err
			}
			graph, err := collection.Graph()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = io.WriteString(out, graph.ToDOT(nil))
				return err
			case jsonOutput:
				all := make(engine.OperationSet, graph.Len())
				for _, op := range graph.Operations() {
					all.Add(op.ID)
				}
				order, err := graph.TopologicalOrder(all)
				if err != nil {
					return err
				}
				return printJSON(out, graphReport{
					Operations: graph.Operations(),
					Order:      order,
					Levels:     graph.Levels(),
				})
			}

			for i, level := range graph.Levels() {
				names := make([]string, len(level))
				for j, id := range level {
					names[j] = string(id)
				}
				fmt.Fprintf(out, "%d: %s\n", i, strings.Join(names, " "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print Graphviz DOT")

	return cmd
}
