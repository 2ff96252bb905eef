// Package api defines wire-format types and converters shared by the HTTP
// API, the IPC server, and the CLI. It translates scheduler, storage, and
// migration models into transport-friendly DTOs so consumers never couple to
// internal types.
//
// # Key Types
//
// Job: transport representation of a queued, active, or finished training
// job.
//
// SchedulerStatus: active and queued jobs, recent completions, and live
// cooldowns.
//
// DaemonStatus: daemon running state plus scheduler, workflow, and storage
// paths.
//
// StorageStats, CleanupResponse, MigrationResponse: results of the storage
// maintenance operations.
//
// # Converters
//
// FromJob, FromSchedulerStatus, FromWorkflowStatus, FromAdmission,
// FromStorageStats, FromMigrationSummary, FromRecord.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Timestamps use RFC3339 with milliseconds and
// durations are reported in whole seconds so scripts can compare them without
// parsing Go duration strings.
package api
