package api

import (
	"slices"
	"time"

	"retrain/internal/assets"
	"retrain/internal/history"
	"retrain/internal/migration"
	"retrain/internal/scheduler"
	"retrain/internal/workflow"
)

// FromJob converts a scheduler job snapshot to its API representation.
func FromJob(job scheduler.Job) Job {
	return Job{
		ID:              job.ID,
		Subject:         job.Subject,
		Variant:         job.Variant,
		Priority:        job.Priority,
		Source:          string(job.Source),
		State:           string(job.State),
		Attempts:        job.Attempts,
		MaxAttempts:     job.MaxAttempts,
		EnqueuedAt:      formatTime(job.EnqueuedAt),
		StartedAt:       formatTime(job.StartedAt),
		CompletedAt:     formatTime(job.CompletedAt),
		DurationSeconds: job.Duration().Seconds(),
		LastError:       job.LastError,
		CancelRequested: job.CancelRequested,
		CancelReason:    job.CancelReason,
		TimedOut:        job.TimedOut,
	}
}

// FromJobs converts a slice of job snapshots, never returning nil.
func FromJobs(jobs []scheduler.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromJobRecord converts an archived job row.
func FromJobRecord(rec history.JobRecord) Job {
	return Job{
		ID:              rec.ID,
		Subject:         rec.Subject,
		Variant:         rec.Variant,
		Priority:        rec.Priority,
		Source:          rec.Source,
		State:           rec.State,
		Attempts:        rec.Attempts,
		EnqueuedAt:      formatTime(rec.EnqueuedAt),
		StartedAt:       formatTime(rec.StartedAt),
		CompletedAt:     formatTime(rec.CompletedAt),
		DurationSeconds: rec.Duration().Seconds(),
		LastError:       rec.LastError,
		CancelReason:    rec.CancelReason,
	}
}

// FromSchedulerStatus converts a scheduler snapshot.
func FromSchedulerStatus(st scheduler.Status) SchedulerStatus {
	cooldowns := make([]Cooldown, 0, len(st.Cooldowns))
	for _, c := range st.Cooldowns {
		cooldowns = append(cooldowns, Cooldown{
			Subject:          c.Subject,
			Variant:          c.Variant,
			RemainingSeconds: roundSeconds(c.Remaining),
		})
	}
	return SchedulerStatus{
		Running:       st.Running,
		MaxConcurrent: st.MaxConcurrent,
		ActiveCount:   st.Active.Count,
		QueuedCount:   st.Queued.Count,
		Active:        FromJobs(st.Active.Jobs),
		Queued:        FromJobs(st.Queued.Jobs),
		Recent:        FromJobs(st.Recent),
		Cooldowns:     cooldowns,
	}
}

// FromWorkflowStatus converts the periodic cycle summary.
func FromWorkflowStatus(summary workflow.StatusSummary) WorkflowStatus {
	trainers := make([]TrainerHealth, 0, len(summary.Trainers))
	for _, h := range summary.Trainers {
		trainers = append(trainers, TrainerHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	status := WorkflowStatus{
		Running:         summary.Running,
		Enabled:         summary.Enabled,
		IntervalSeconds: summary.Interval.Seconds(),
		LastError:       summary.LastError,
		Trainers:        trainers,
	}
	if cycle := summary.LastCycle; cycle != nil {
		c := FromCycleResult(*cycle)
		status.LastCycle = &c
	}
	return status
}

// FromCycleResult converts the outcome of one periodic cycle.
func FromCycleResult(result workflow.CycleResult) CycleSummary {
	submitted := slices.Clone(result.Submitted)
	if submitted == nil {
		submitted = []string{}
	}
	return CycleSummary{
		StartedAt: formatTime(result.StartedAt),
		Submitted: submitted,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
	}
}

// FromAdmission converts an admission check result.
func FromAdmission(subject, variant string, adm scheduler.Admission) AdmissionResponse {
	return AdmissionResponse{
		Subject:                  subject,
		Variant:                  variant,
		Allowed:                  adm.Allowed,
		Reason:                   string(adm.Reason),
		CooldownRemainingSeconds: roundSeconds(adm.CooldownRemaining),
		ExistingJobID:            adm.ExistingJobID,
	}
}

// FromStorageStats converts assets directory statistics.
func FromStorageStats(st assets.Stats) StorageStats {
	subjects := make([]SubjectStats, 0, len(st.Subjects))
	for _, s := range st.Subjects {
		subjects = append(subjects, SubjectStats{
			Subject:       s.Subject,
			Bytes:         s.Bytes,
			Models:        s.Models,
			TrainedModels: s.TrainedModels,
			TrainingRuns:  s.TrainingRuns,
			Predictions:   s.Predictions,
			ModifiedAt:    formatTime(s.ModifiedAt),
		})
	}
	return StorageStats{
		Dir:           st.Dir,
		Documents:     st.Documents,
		TotalBytes:    st.TotalBytes,
		CachedEntries: st.CachedEntries,
		FreeBytes:     st.FreeBytes,
		Subjects:      subjects,
	}
}

// FromCleanupResult converts a retention pass result.
func FromCleanupResult(res assets.CleanupResult) CleanupResponse {
	return CleanupResponse{
		Scanned:            res.Scanned,
		Rewritten:          res.Rewritten,
		TrainingDropped:    res.TrainingDropped,
		PredictionsDropped: res.PredictionsDropped,
		Errors:             slices.Clone(res.Errors),
	}
}

// FromMigrationSummary converts a migration summary.
func FromMigrationSummary(sum migration.Summary) MigrationResponse {
	errs := make([]MigrationError, 0, len(sum.Errors))
	for _, e := range sum.Errors {
		errs = append(errs, MigrationError{
			Subject:  e.Subject,
			Category: string(e.Category),
			Path:     e.Path,
			Error:    e.Message,
		})
	}
	details := sum.Details
	if details == nil {
		details = []string{}
	}
	return MigrationResponse{
		DryRun:              sum.DryRun,
		MigratedAssets:      sum.MigratedAssets,
		MigratedModels:      sum.MigratedModels,
		MigratedWeights:     sum.MigratedWeights,
		MigratedTraining:    sum.MigratedTraining,
		MigratedPredictions: sum.MigratedPredictions,
		MigratedFeatures:    sum.MigratedFeatures,
		Errors:              errs,
		Details:             slices.Clone(details),
	}
}

// FromRecord summarizes a consolidated document. Models are ordered by
// variant name.
func FromRecord(rec *assets.Record) AssetSummary {
	if rec == nil {
		return AssetSummary{}
	}
	summary := AssetSummary{
		Subject:            rec.Subject,
		Models:             make([]ModelSummary, 0, len(rec.Models)),
		TrainingSessions:   rec.Training.TotalSessions,
		TrainingEntries:    len(rec.Training.History),
		LastTraining:       formatTimePtr(rec.Training.LastTraining),
		PredictionEntries:  len(rec.Predictions.History),
		LastPrediction:     formatTimePtr(rec.Predictions.LastPrediction),
		FeatureCount:       rec.Features.Count,
		LastExtraction:     formatTimePtr(rec.Features.LastExtraction),
		TotalTrainingHours: rec.Metadata.TotalTrainingHours,
		LastUpdated:        formatTime(rec.Metadata.LastUpdated),
	}
	variants := make([]string, 0, len(rec.Models))
	for variant := range rec.Models {
		variants = append(variants, variant)
	}
	slices.Sort(variants)
	for _, variant := range variants {
		entry := rec.Models[variant]
		if entry == nil {
			continue
		}
		model := ModelSummary{
			Variant:      variant,
			Features:     entry.Config.Features,
			Architecture: entry.Architecture,
			Trained:      entry.Trained(),
		}
		if w := entry.Weights; w != nil {
			model.WeightStatus = w.Status
			model.ParameterCount = w.ParameterCount
			model.SavedAt = formatTime(w.SavedAt)
			model.Migrated = w.Migrated
		}
		summary.Models = append(summary.Models, model)
	}
	return summary
}

// FromFeatureCache describes a subject's feature cache. ok is false when
// nothing has been extracted yet.
func FromFeatureCache(subject string, cache assets.FeatureCache, age time.Duration, ok bool) FeatureCacheResponse {
	if !ok {
		return FeatureCacheResponse{Subject: subject}
	}
	return FeatureCacheResponse{
		Subject:        subject,
		Available:      true,
		Cache:          cache.Cache,
		Count:          cache.Count,
		LastExtraction: formatTimePtr(cache.LastExtraction),
		AgeSeconds:     roundSeconds(age),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func roundSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Round(time.Second).Seconds()
}
