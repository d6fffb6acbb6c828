// Package daemon coordinates the long-running Harvest process.
//
// It wires configuration, the key-value stores, the execution manager and the
// workflow service into a single lifecycle with flock-based locking to prevent
// multiple instances. On start it clears locks left by a previous process and
// resumes a persisted import before serving the HTTP API.
//
// Keep orchestration logic out of here: batch and import semantics live in
// their own packages while the daemon focuses on startup, shutdown and the
// transport surface.
package daemon
