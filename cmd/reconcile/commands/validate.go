package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/reconcile"
)

// validationReport is printed by validate --json.
type validationReport struct {
	Valid      bool                     `json:"valid"`
	Operations int                      `json:"operations"`
	Components int                      `json:"components"`
	Services   int                      `json:"services"`
	Policies   int                      `json:"policies"`
	Errors     []config.ValidationError `json:"errors,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate collections, variables and policies",
		Long: `Validate the configuration without touching the cluster.

This command checks:
  - Collection files against the collection schema
  - Unique operation names, known dependencies and the absence of cycles
  - Cluster variables, including Starlark evaluation and CUE schemas
  - Custom admission policies compile`,
		Example: `  # Validate the workspace in the current directory
  reconcile validate

  # Validate another workspace
  reconcile validate --config ./staging/reconcile.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			log.Debug().
				Strs("collections", settings.Collections.Paths).
				Str("variables", settings.Variables.Path).
				Msg("Validating configuration")

			report := validate(cmd, settings)
			if jsonOutput {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else if report.Valid {
				fmt.Fprintf(out, "✓ Configuration is valid: %d operation(s), %d component(s), %d service(s), %d policy(ies)\n",
					report.Operations, report.Components, report.Services, report.Policies)
			} else {
				for _, e := range report.Errors {
					fmt.Fprintf(out, "✗ %s\n", e.Error())
				}
				if report.Error != "" {
					fmt.Fprintf(out, "✗ %s\n", report.Error)
				}
			}

			if !report.Valid {
				return errors.New("configuration is invalid")
			}
			return nil
		},
	}

	return cmd
}

func validate(cmd *cobra.Command, settings *config.Settings) validationReport {
	ctx := cmd.Context()
	report := validationReport{}

	fail := func(err error) validationReport {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			report.Errors = append(report.Errors, verrs...)
		} else {
			report.Error = err.Error()
		}
		return report
	}

	collection, err := config.NewCollectionLoader(nil).Load(ctx, settings.Collections.Paths)
	if err != nil {
		return fail(err)
	}
	graph, err := collection.Graph()
	if err != nil {
		return fail(err)
	}
	report.Operations = graph.Len()
	report.Components = len(graph.Components())
	report.Services = len(graph.Services())

	if _, err := config.NewVariablesLoader(settings.Variables, nil).Load(ctx, graph.Components()); err != nil {
		return fail(err)
	}

	pe, err := reconcile.NewPolicyEngine(ctx, settings.Policy, log.Logger)
	if err != nil {
		return fail(err)
	}
	if pe != nil {
		report.Policies = len(pe.ListPolicies())
	}

	report.Valid = true
	return report
}
