package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/policy"
	"github.com/openfroyo/reconcile/pkg/reconcile"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func pairNames(pairs []engine.ServiceComponent) string {
	names := make([]string, len(pairs))
	for i, sc := range pairs {
		names[i] = sc.String()
	}
	return strings.Join(names, ", ")
}

func printPlan(w io.Writer, planned *reconcile.Planned) {
	plan := planned.Plan
	fmt.Fprintf(w, "Plan %s (%s): %d operation(s)\n", plan.ID, plan.Mode, plan.Len())
	if len(planned.Changed) > 0 && plan.Mode == engine.PlanModeReconfigure {
		fmt.Fprintf(w, "Changed: %s\n", pairNames(planned.Changed))
	}

	t := newTable(w, table.Row{"#", "Operation", "Service", "Component", "Action", "Depends on"})
	for i, op := range plan.Operations() {
		deps := make([]string, len(op.DependsOn))
		for j, d := range op.DependsOn {
			deps[j] = string(d)
		}
		t.AppendRow(table.Row{i + 1, op.ID, op.Service, op.Component, op.Action, strings.Join(deps, ", ")})
	}
	t.Render()

	if planned.Policy != nil {
		printPolicy(w, planned.Policy)
	}
}

func printPolicy(w io.Writer, result *policy.Result) {
	if len(result.Violations) == 0 && len(result.Warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "Policy: %d violation(s), %d warning(s)\n", len(result.Violations), len(result.Warnings))
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  DENY [%s] %s\n", v.Policy, v.Message)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  WARN [%s] %s\n", v.Policy, v.Message)
	}
}

func printResult(w io.Writer, result *reconcile.Result) {
	if result.Record == nil {
		return
	}
	record := result.Record

	t := newTable(w, table.Row{"#", "Operation", "State", "Duration", "Diagnostics"})
	for _, o := range result.Outcomes {
		if o.Kind() != engine.OutcomeKindOperation {
			continue
		}
		op := o.Operation
		t.AppendRow(table.Row{
			op.Sequence + 1,
			op.OperationID,
			op.State,
			op.EndedAt.Sub(op.StartedAt).Round(time.Millisecond),
			firstLine(op.Diagnostics),
		})
	}
	t.Render()

	suffix := ""
	if record.DryRun {
		suffix = " (dry run)"
	}
	fmt.Fprintf(w, "Deployment %s finished with state %s in %s%s\n",
		record.ID, record.State, record.Duration().Round(time.Millisecond), suffix)
}

func printRecords(w io.Writer, records []*engine.DeploymentRecord) {
	t := newTable(w, table.Row{"ID", "Mode", "State", "Operations", "Created", "Duration"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.ID,
			r.Mode,
			r.State,
			len(r.Operations),
			r.CreatedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Millisecond),
		})
	}
	t.Render()
}

func printDetails(w io.Writer, details *reconcile.DeploymentDetails) {
	r := details.Record
	fmt.Fprintf(w, "Deployment %s\n", r.ID)
	fmt.Fprintf(w, "  Plan:    %s (%s)\n", r.PlanID, r.Mode)
	fmt.Fprintf(w, "  State:   %s\n", r.State)
	fmt.Fprintf(w, "  Created: %s\n", r.CreatedAt.Local().Format(time.DateTime))
	if len(r.Changed) > 0 {
		fmt.Fprintf(w, "  Changed: %s\n", pairNames(r.Changed))
	}

	ops := newTable(w, table.Row{"#", "Operation", "State", "Duration", "Diagnostics"})
	for _, o := range details.Operations {
		ops.AppendRow(table.Row{
			o.Sequence + 1,
			o.OperationID,
			o.State,
			o.EndedAt.Sub(o.StartedAt).Round(time.Millisecond),
			firstLine(o.Diagnostics),
		})
	}
	ops.Render()

	comps := newTable(w, table.Row{"Component", "State", "Version"})
	for _, c := range details.Components {
		comps.AppendRow(table.Row{c.ServiceComponent(), c.State, shortVersion(c.Version)})
	}
	comps.Render()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func shortVersion(v engine.Fingerprint) string {
	if len(v) > 12 {
		return string(v[:12])
	}
	return string(v)
}
