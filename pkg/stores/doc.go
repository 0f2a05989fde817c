// Package stores provides persistence layer implementations for deployment
// history. It includes SQLite-based storage with WAL mode and embedded
// migrations for deployments, operation and component outcomes, and the
// audit log. The latest successful component outcomes are the source of
// the versions that reconfiguration diffs against.
package stores
