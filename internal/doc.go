// Package internal documents the versioned dataset store internals.
//
// The internal tree is organized by responsibility:
// - domain: datasets, fingerprints, versions, diffing, repair, integrity
// - storage: persistence ports with Postgres and in-process implementations
// - jobs: background workers and queues
// - csvsource: CSV snapshot import and export
// - audit, config, metrics, telemetry: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
