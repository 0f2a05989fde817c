package policy

// Names of the built-in policies.
const (
	PolicyPlanSize          = "plan-size"
	PolicyProtectedServices = "protected-services"
	PolicyReconfigureInit   = "reconfigure-init"
	PolicyStopOperations    = "stop-operations"
	PolicyFailurePolicy     = "failure-policy"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		planSizePolicy(),
		protectedServicesPolicy(),
		reconfigureInitPolicy(),
		stopOperationsPolicy(),
		failurePolicyPolicy(),
	}
}

// planSizePolicy caps the number of operations a single deployment may run.
func planSizePolicy() Policy {
	return Policy{
		Name:        PolicyPlanSize,
		Description: "Denies plans with more operations than params.max_operations (0 disables the limit)",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"blast-radius"},
		Rego: `package reconcile.policies.plan_size

import rego.v1

deny contains violation if {
	limit := input.params.max_operations
	limit > 0
	n := count(input.plan.operations)
	n > limit
	violation := {
		"message": sprintf("plan has %d operations, more than the allowed %d", [n, limit]),
		"remediation": "split the change or raise policy.max_operations",
	}
}
`,
	}
}

// protectedServicesPolicy keeps real deployments away from listed services.
func protectedServicesPolicy() Policy {
	return Policy{
		Name:        PolicyProtectedServices,
		Description: "Denies non dry-run plans that touch a service listed in params.protected_services",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package reconcile.policies.protected_services

import rego.v1

deny contains violation if {
	not input.context.dry_run
	some op in input.plan.operations
	op.service in input.params.protected_services
	violation := {
		"message": sprintf("operation %s touches protected service %s", [op.id, op.service]),
		"operation": op.id,
		"remediation": "run with --dry or remove the service from policy.protected_services",
	}
}
`,
	}
}

// reconfigureInitPolicy rejects one-time initialization steps (formatting,
// schema creation) pulled into a reconfiguration.
func reconfigureInitPolicy() Policy {
	return Policy{
		Name:        PolicyReconfigureInit,
		Description: "Denies init operations in reconfigure plans",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "reconfigure"},
		Rego: `package reconcile.policies.reconfigure_init

import rego.v1

deny contains violation if {
	input.plan.mode == "reconfigure-diff"
	some op in input.plan.operations
	op.action == "init"
	violation := {
		"message": sprintf("reconfigure plan would run init operation %s", [op.id]),
		"operation": op.id,
		"remediation": "remove the dependency on the init operation or run a full deployment",
	}
}
`,
	}
}

// stopOperationsPolicy warns about planned stops.
func stopOperationsPolicy() Policy {
	return Policy{
		Name:        PolicyStopOperations,
		Description: "Warns when a plan stops a component",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"availability"},
		Rego: `package reconcile.policies.stop_operations

import rego.v1

warn contains violation if {
	some op in input.plan.operations
	op.action == "stop"
	violation := {
		"message": sprintf("operation %s stops %s", [op.id, op.service]),
		"operation": op.id,
	}
}
`,
	}
}

// failurePolicyPolicy warns when failures will not stop the deployment.
func failurePolicyPolicy() Policy {
	return Policy{
		Name:        PolicyFailurePolicy,
		Description: "Warns when a multi-service deployment keeps running independent operations after a failure",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"availability"},
		Rego: `package reconcile.policies.failure_policy

import rego.v1

warn contains violation if {
	not input.context.dry_run
	input.context.failure_policy == "continue-independent"
	count(input.plan.services) > 1
	violation := {
		"message": sprintf("failure policy continue-independent across %d services", [count(input.plan.services)]),
	}
}
`,
	}
}
