// Package policy provides Open Policy Agent (OPA) admission control for
// deployment plans.
//
// Before a plan is handed to the runner it is evaluated against a set of
// Rego policies. Each policy package may define a "deny" set and a "warn"
// set. Entries are either strings or objects with "message", "severity",
// "operation" and "remediation" keys. A deny entry with severity error or
// critical blocks the plan. Everything else is reported as a warning.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithParams(policy.Params{
//	    MaxOperations:     200,
//	    ProtectedServices: []string{"zookeeper"},
//	}))
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.Admit(ctx, plan, policy.InputContext{
//	    Command: "reconfigure",
//	    DryRun:  dryRun,
//	}, policy.ModeEnforcing)
//	if policy.IsDenied(err) {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Input Document
//
// Policies see the plan as input.plan (id, mode, operations in execution
// order, changed and touched components, services and per-action counts),
// the request as input.context (user, command, dry_run, failure_policy,
// timestamp) and the engine parameters as input.params.
//
// # Built-in Policies
//
//  1. plan-size - denies plans larger than params.max_operations
//  2. protected-services - denies real runs touching params.protected_services
//  3. reconfigure-init - denies init operations in reconfigure plans
//  4. stop-operations - warns about planned stops
//  5. failure-policy - warns when failures will not stop a multi-service run
//
// # Custom Policies
//
// Custom policies are .rego files, named after the file, or .json files
// holding a serialized Policy. They are loaded with LoadPolicies and can be
// hot reloaded with Watch:
//
//	package custom.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//	    "hdfs" in input.plan.services
//	    not input.context.dry_run
//	    violation := {"message": "hdfs is frozen", "severity": "critical"}
//	}
package policy
