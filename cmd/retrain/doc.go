// Command retrain is the operator CLI for the retraining daemon.
//
// Daemon lifecycle commands live under "retrain daemon". Every other command
// talks to a running daemon over its unix socket, except "status", which
// falls back to an offline snapshot built from the configuration and the
// job history database.
package main
