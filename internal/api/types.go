package api

import (
	"encoding/json"
	"time"

	"retrain/internal/assets"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a training job in a transport-friendly format.
type Job struct {
	ID              string  `json:"id"`
	Subject         string  `json:"subject"`
	Variant         string  `json:"variant"`
	Priority        int     `json:"priority"`
	Source          string  `json:"source"`
	State           string  `json:"state"`
	Attempts        int     `json:"attempts"`
	MaxAttempts     int     `json:"maxAttempts"`
	EnqueuedAt      string  `json:"enqueuedAt,omitempty"`
	StartedAt       string  `json:"startedAt,omitempty"`
	CompletedAt     string  `json:"completedAt,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	LastError       string  `json:"lastError,omitempty"`
	CancelRequested bool    `json:"cancelRequested,omitempty"`
	CancelReason    string  `json:"cancelReason,omitempty"`
	TimedOut        bool    `json:"timedOut,omitempty"`
}

// Cooldown reports the remaining cooldown for one subject/variant pair.
type Cooldown struct {
	Subject          string  `json:"subject"`
	Variant          string  `json:"variant"`
	RemainingSeconds float64 `json:"remainingSeconds"`
}

// SchedulerStatus summarizes the job scheduler.
type SchedulerStatus struct {
	Running       bool       `json:"running"`
	MaxConcurrent int        `json:"maxConcurrent"`
	ActiveCount   int        `json:"activeCount"`
	QueuedCount   int        `json:"queuedCount"`
	Active        []Job      `json:"active"`
	Queued        []Job      `json:"queued"`
	Recent        []Job      `json:"recent"`
	Cooldowns     []Cooldown `json:"cooldowns"`
}

// TrainerHealth mirrors readiness reporting for training variants.
type TrainerHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// CycleSummary reports the outcome of the last periodic cycle.
type CycleSummary struct {
	StartedAt string   `json:"startedAt"`
	Submitted []string `json:"submitted"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
}

// WorkflowStatus summarizes the periodic retraining cycle.
type WorkflowStatus struct {
	Running         bool            `json:"running"`
	Enabled         bool            `json:"enabled"`
	IntervalSeconds float64         `json:"intervalSeconds"`
	LastError       string          `json:"lastError,omitempty"`
	LastCycle       *CycleSummary   `json:"lastCycle,omitempty"`
	Trainers        []TrainerHealth `json:"trainers"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool            `json:"running"`
	PID           int             `json:"pid"`
	LockFilePath  string          `json:"lockFilePath"`
	HistoryDBPath string          `json:"historyDbPath"`
	AssetsDir     string          `json:"assetsDir"`
	APIAddress    string          `json:"apiAddress,omitempty"`
	Scheduler     SchedulerStatus `json:"scheduler"`
	Workflow      WorkflowStatus  `json:"workflow"`
}

// SubmitRequest asks the daemon to schedule a manual training job.
type SubmitRequest struct {
	Subject  string         `json:"subject"`
	Variant  string         `json:"variant"`
	Priority int            `json:"priority,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// SubmitResponse reports the ID of an admitted job.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// AdmissionResponse reports whether a subject/variant pair would be admitted.
type AdmissionResponse struct {
	Subject                  string  `json:"subject"`
	Variant                  string  `json:"variant"`
	Allowed                  bool    `json:"allowed"`
	Reason                   string  `json:"reason,omitempty"`
	CooldownRemainingSeconds float64 `json:"cooldownRemainingSeconds,omitempty"`
	ExistingJobID            string  `json:"existingJobId,omitempty"`
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	JobID     string `json:"jobId"`
	WasActive bool   `json:"wasActive"`
}

// StopResponse reports what an emergency stop touched.
type StopResponse struct {
	CancelledPending int `json:"cancelledPending"`
	FlaggedActive    int `json:"flaggedActive"`
}

// CooldownClearResponse reports how many cooldowns were removed.
type CooldownClearResponse struct {
	Cleared int `json:"cleared"`
}

// SubjectStats describes one consolidated document.
type SubjectStats struct {
	Subject       string `json:"subject"`
	Bytes         int64  `json:"bytes"`
	Models        int    `json:"models"`
	TrainedModels int    `json:"trainedModels"`
	TrainingRuns  int    `json:"trainingRuns"`
	Predictions   int    `json:"predictions"`
	ModifiedAt    string `json:"modifiedAt,omitempty"`
}

// StorageStats summarizes the assets directory.
type StorageStats struct {
	Dir           string         `json:"dir"`
	Documents     int            `json:"documents"`
	TotalBytes    int64          `json:"totalBytes"`
	CachedEntries int            `json:"cachedEntries"`
	FreeBytes     uint64         `json:"freeBytes"`
	Subjects      []SubjectStats `json:"subjects"`
}

// CleanupRequest overrides the configured retention window.
type CleanupRequest struct {
	MaxAgeHours int `json:"maxAgeHours,omitempty"`
}

// CleanupResponse reports what a retention pass removed.
type CleanupResponse struct {
	Scanned            int      `json:"scanned"`
	Rewritten          int      `json:"rewritten"`
	TrainingDropped    int      `json:"trainingDropped"`
	PredictionsDropped int      `json:"predictionsDropped"`
	JobsPruned         int64    `json:"jobsPruned"`
	CooldownsPruned    int64    `json:"cooldownsPruned"`
	QuarantinePruned   int      `json:"quarantinePruned"`
	Errors             []string `json:"errors,omitempty"`
}

// FlushResponse reports how many cached documents were written.
type FlushResponse struct {
	Saved int `json:"saved"`
}

// MigrationRequest controls a legacy import.
type MigrationRequest struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// MigrationError describes a component that could not be imported.
type MigrationError struct {
	Subject  string `json:"subject"`
	Category string `json:"category"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error"`
}

// MigrationResponse mirrors the migration summary.
type MigrationResponse struct {
	DryRun              bool             `json:"dryRun,omitempty"`
	MigratedAssets      int              `json:"migratedAssets"`
	MigratedModels      int              `json:"migratedModels"`
	MigratedWeights     int              `json:"migratedWeights"`
	MigratedTraining    int              `json:"migratedTraining"`
	MigratedPredictions int              `json:"migratedPredictions"`
	MigratedFeatures    int              `json:"migratedFeatures"`
	Errors              []MigrationError `json:"errors"`
	Details             []string         `json:"details"`
}

// ModelSummary describes one variant stored in a subject document.
type ModelSummary struct {
	Variant        string `json:"variant"`
	Features       int    `json:"features"`
	Architecture   string `json:"architecture,omitempty"`
	WeightStatus   string `json:"weightStatus,omitempty"`
	ParameterCount int    `json:"parameterCount,omitempty"`
	SavedAt        string `json:"savedAt,omitempty"`
	Migrated       bool   `json:"migrated,omitempty"`
	Trained        bool   `json:"trained"`
}

// AssetSummary is a compact view of one subject's consolidated document.
type AssetSummary struct {
	Subject            string         `json:"subject"`
	Models             []ModelSummary `json:"models"`
	TrainingSessions   int            `json:"trainingSessions"`
	TrainingEntries    int            `json:"trainingEntries"`
	LastTraining       string         `json:"lastTraining,omitempty"`
	PredictionEntries  int            `json:"predictionEntries"`
	LastPrediction     string         `json:"lastPrediction,omitempty"`
	FeatureCount       int            `json:"featureCount"`
	LastExtraction     string         `json:"lastExtraction,omitempty"`
	TotalTrainingHours float64        `json:"totalTrainingHours"`
	LastUpdated        string         `json:"lastUpdated,omitempty"`
}

// PredictionRequest records one prediction made outside the daemon. A zero
// Timestamp means now.
type PredictionRequest struct {
	Subject    string             `json:"subject"`
	Variant    string             `json:"variant"`
	Value      float64            `json:"value"`
	Confidence float64            `json:"confidence,omitempty"`
	Inputs     map[string]float64 `json:"inputs,omitempty"`
	Timestamp  time.Time          `json:"timestamp,omitzero"`
}

// FeatureCacheRequest replaces a subject's feature cache.
type FeatureCacheRequest struct {
	Subject string          `json:"subject"`
	Cache   json.RawMessage `json:"cache"`
	Count   int             `json:"count"`
}

// FeatureCacheResponse is a subject's feature cache and its age.
type FeatureCacheResponse struct {
	Subject        string          `json:"subject"`
	Available      bool            `json:"available"`
	Cache          json.RawMessage `json:"cache,omitempty"`
	Count          int             `json:"count"`
	LastExtraction string          `json:"lastExtraction,omitempty"`
	AgeSeconds     float64         `json:"ageSeconds,omitempty"`
}

// ModelWeightsResponse carries a variant's restored tensors.
type ModelWeightsResponse struct {
	Subject        string          `json:"subject"`
	Variant        string          `json:"variant"`
	Features       int             `json:"features"`
	ParameterCount int             `json:"parameterCount"`
	Tensors        []assets.Tensor `json:"tensors"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
}
