// Package config loads everything the reconciler reads from disk: the tool
// settings, the operation collections that form the dependency graph and
// the cluster variables whose fingerprints form the desired configuration
// state.
//
// # Settings
//
// Settings are read from reconcile.yaml on top of DefaultSettings and
// validated with struct tags:
//
//	database:
//	  path: data/reconcile.db
//	collections:
//	  paths: [collections]
//	variables:
//	  path: vars
//	executor:
//	  type: command
//	  failure_policy: abort
//	policy:
//	  enabled: true
//	  mode: enforcing
//
// # Collections
//
// A collection file lists operations. Service, component and action are
// derived from the name unless given explicitly:
//
//	operations:
//	  - name: zookeeper_server_install
//	  - name: zookeeper_server_config
//	    depends_on: [zookeeper_server_install]
//	    command: ./bin/render-config zookeeper server
//	  - name: zookeeper_start
//	    action: noop
//	    depends_on: [zookeeper_server_start]
//
// Every document is checked against the built-in CUE #Collection schema
// before decoding. Problems are collected as ValidationError values with
// file and path information rather than failing on the first one.
//
// # Variables
//
// Variables live in one directory per service. Component variables inherit
// the service variables. YAML files are applied first, then Starlark
// scripts, which run without load(), print output or host access, under a
// timeout. The fingerprint of a pair is the sha256 of the canonical JSON of
// its merged variables; the set of fingerprints is the desired state that
// the planner diffs against the last successful deployment.
//
// # Watching
//
// Watcher debounces fsnotify events under the collection and variable
// directories so callers can re-plan when configuration changes.
package config
