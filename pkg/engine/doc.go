// Package engine plans and executes cluster reconfigurations.
//
// # Overview
//
// A cluster is a set of services, each split into components. Every
// component is managed through operations (install, config, start, ...)
// that depend on each other, within a component and across components. The
// engine works in three steps:
//
//  1. Graph - the operations and their dependencies form an immutable DAG
//  2. Plan - the Planner diffs desired configuration fingerprints against
//     the fingerprints that last deployed successfully and derives the
//     ordered operations to re-run
//  3. Run - the Runner executes a plan through an Executor and produces a
//     lazy sequence of outcomes that the caller persists as they arrive
//
// # Dependency Graph
//
// NewGraph validates operations (unique IDs, known dependencies, no cycles)
// and builds a Graph. The graph answers ancestor and descendant queries and
// orders any subset topologically. Ties are broken by declaration order so
// that planning the same input twice yields the same sequence.
//
// # Planning
//
// PlanReconfigure reports two distinct expected outcomes besides a plan:
//
//   - NothingToRestart: every component already runs its desired version
//   - EmptyDeploymentPlan: something changed but only noop operations are
//     affected
//
// Both are EngineErrors of class "expected"; use IsNothingToRestart and
// IsEmptyDeploymentPlan to branch on them. PlanFull plans every non-noop
// operation, optionally narrowed by a PlanFilter.
//
// # Running
//
// Runner.Run returns a PENDING DeploymentRecord and a Deployment. Each call
// to Deployment.Next executes at most one operation:
//
//	record, deployment, err := engine.NewRunner(executor).Run(plan, false)
//	if err != nil {
//	    return err
//	}
//	final, err := engine.Persist(ctx, store, deployment)
//
// The record moves PENDING -> RUNNING on the first Next and ends in SUCCESS
// or FAILURE once the sequence is exhausted. With FailurePolicyAbort (the
// default) the first failure ends the run. FailurePolicyContinueIndependent
// keeps running operations that do not depend on a failed one and reports
// the others as skipped.
//
// # Error Classification
//
// Errors are EngineErrors classified as transient, throttled, conflict,
// permanent or expected, with a machine readable code:
//
//	if engine.IsNothingToRestart(err) {
//	    // nothing to do
//	}
//
// Contract violations (CyclicGraph, InvalidPlan) are permanent. Operation
// failures are never returned as errors; they are outcomes.
//
// # Thread Safety
//
// Graph, Plan and Planner are immutable and safe for concurrent use. A
// Deployment belongs to the single goroutine that drives it.
package engine
