// Package scheduler admits, orders, and runs training jobs under a global
// concurrency ceiling.
//
// A single Scheduler owns all queue and cooldown state behind one mutex.
// Submissions from the CLI, the HTTP API, and the periodic cycle race on that
// mutex and are linearized there. Run pumps the priority queue on a fixed
// interval (and whenever a submission or settlement wakes it), starting each
// admitted job in its own goroutine. Completed jobs write their results
// through a Persister and start a per (subject, variant) cooldown that is
// mirrored to SQLite so it survives restarts.
package scheduler
