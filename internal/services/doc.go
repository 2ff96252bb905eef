// Package services defines shared utilities consumed by the scheduler, the
// persistence engine and the trainer runtime.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, subjects, variants, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify which turns a
//     training failure into a retry decision (transient, timeout, terminal,
//     cancelled).
//
// Use these helpers when wiring new components so error handling and
// observability stay uniform across the daemon.
package services
