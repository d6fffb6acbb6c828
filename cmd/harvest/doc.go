// Package main hosts the Harvest CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP calls
// against the daemon: batch submission and cancellation, the objective import
// and its selection step, event tailing, record purges, and notification
// tests. Configuration scaffolding and preflight checks run locally. The
// daemon itself can be run in the foreground with "harvest daemon".
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
