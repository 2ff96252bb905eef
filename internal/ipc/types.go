package ipc

import (
	"retrain/internal/api"
	"retrain/internal/assets"
)

// StartRequest triggers daemon startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the daemon's background services.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the combined daemon, scheduler, and workflow status.
type StatusResponse = api.DaemonStatus

// SubmitRequest schedules a manual training job.
type SubmitRequest = api.SubmitRequest

// SubmitResponse carries the admitted job ID.
type SubmitResponse = api.SubmitResponse

// JobRequest identifies a job.
type JobRequest struct {
	ID string `json:"id"`
}

// JobResponse carries a job snapshot.
type JobResponse struct {
	Found bool    `json:"found"`
	Job   api.Job `json:"job"`
}

// CancelRequest cancels a queued or active job.
type CancelRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// CancelResponse reports whether the cancelled job was active.
type CancelResponse = api.CancelResponse

// AdmissionRequest asks whether a pair would be admitted.
type AdmissionRequest struct {
	Subject string `json:"subject"`
	Variant string `json:"variant"`
}

// AdmissionResponse reports the admission decision.
type AdmissionResponse = api.AdmissionResponse

// EmergencyStopRequest cancels all queued and active work.
type EmergencyStopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EmergencyStopResponse reports what the stop touched.
type EmergencyStopResponse = api.StopResponse

// ClearCooldownRequest removes one pair's cooldown. An empty subject clears
// every cooldown.
type ClearCooldownRequest struct {
	Subject string `json:"subject,omitempty"`
	Variant string `json:"variant,omitempty"`
}

// ClearCooldownResponse reports how many cooldowns were removed.
type ClearCooldownResponse = api.CooldownClearResponse

// JobHistoryRequest lists archived jobs.
type JobHistoryRequest struct {
	Subject string `json:"subject,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// JobHistoryResponse wraps archived jobs, newest first.
type JobHistoryResponse struct {
	Jobs []api.Job `json:"jobs"`
}

// RunCycleRequest triggers one periodic cycle.
type RunCycleRequest struct{}

// RunCycleResponse reports the cycle outcome.
type RunCycleResponse = api.CycleSummary

// StorageStatsRequest fetches assets directory statistics.
type StorageStatsRequest struct{}

// StorageStatsResponse summarizes the assets directory.
type StorageStatsResponse = api.StorageStats

// CleanupRequest runs retention.
type CleanupRequest = api.CleanupRequest

// CleanupResponse reports what retention removed.
type CleanupResponse = api.CleanupResponse

// FlushRequest writes every cached document.
type FlushRequest struct{}

// FlushResponse reports how many documents were written.
type FlushResponse = api.FlushResponse

// MigrateRequest imports the legacy directory.
type MigrateRequest = api.MigrationRequest

// MigrateResponse mirrors the migration summary.
type MigrateResponse = api.MigrationResponse

// AssetRequest fetches one subject's document summary.
type AssetRequest struct {
	Subject string `json:"subject"`
}

// AssetResponse summarizes a consolidated document.
type AssetResponse = api.AssetSummary

// AssetDocumentResponse is a complete consolidated document.
type AssetDocumentResponse = assets.Record

// RestoreAssetRequest replaces a subject's document.
type RestoreAssetRequest struct {
	Subject  string        `json:"subject"`
	Document assets.Record `json:"document"`
}

// RecordPredictionRequest appends one prediction to a subject's history.
type RecordPredictionRequest = api.PredictionRequest

// RecordPredictionResponse acknowledges a recorded prediction.
type RecordPredictionResponse struct {
	Recorded bool `json:"recorded"`
}

// SaveFeaturesRequest replaces a subject's feature cache.
type SaveFeaturesRequest = api.FeatureCacheRequest

// FeaturesRequest fetches a subject's feature cache.
type FeaturesRequest struct {
	Subject string `json:"subject"`
}

// FeaturesResponse is a subject's feature cache.
type FeaturesResponse = api.FeatureCacheResponse

// ModelWeightsRequest fetches a variant's trained weights. Features of zero
// uses the variant's configured feature count.
type ModelWeightsRequest struct {
	Subject  string `json:"subject"`
	Variant  string `json:"variant"`
	Features int    `json:"features,omitempty"`
}

// ModelWeightsResponse carries the restored tensors.
type ModelWeightsResponse = api.ModelWeightsResponse
