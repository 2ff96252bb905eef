// Package history persists scheduler state that must outlive the daemon in
// SQLite: per (subject, variant) cooldown timestamps and the archive of
// finished training jobs.
//
// The database lives at <data_dir>/history.db. Schema changes bump
// schemaVersion in schema.go; operators delete the database to adopt a new
// schema, which only forgets cooldowns and past job rows.
package history
