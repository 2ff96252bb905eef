// Package daemon coordinates the long-running retrain process.
//
// It wires configuration, the history database, the consolidated asset store,
// the training scheduler, and the periodic workflow manager into a single
// lifecycle with flock-based locking to prevent multiple instances. The
// daemon exposes scheduler and storage maintenance helpers to the IPC server
// and serves the same operations over an optional HTTP API.
//
// Keep orchestration logic here: scheduling policy lives in the scheduler
// package and document handling in the assets package, while the daemon
// focuses on startup, shutdown, and high level coordination.
package daemon
