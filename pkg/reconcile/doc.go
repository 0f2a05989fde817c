// Package reconcile wires configuration loading, planning, policy
// admission, execution and persistence into the operations the CLI exposes.
//
// A Service is built from Deps. Reconfigure compares the fingerprints of
// the current cluster variables with those recorded by the last successful
// deployment and runs what changed, along with every dependent operation.
// Deploy runs a full plan, optionally narrowed by a filter.
//
// Real runs are written to the store as each outcome is produced, so an
// interrupted deployment leaves an accurate prefix behind. Recover marks
// such deployments as FAILURE on the next start. Dry runs go through the
// same executor with dryRun set and record nothing.
package reconcile
