package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"retrain/internal/api"
	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/history"
	"retrain/internal/logging"
	"retrain/internal/migration"
	"retrain/internal/scheduler"
	"retrain/internal/services"
	"retrain/internal/trainer"
	"retrain/internal/workflow"
)

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	history   *history.Store
	assets    *assets.Store
	scheduler *scheduler.Scheduler
	workflow  *workflow.Manager
	migrator  *migration.Migrator
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// CleanupResult reports one retention pass over asset documents, job
// history, expired cooldowns and quarantined documents.
type CleanupResult struct {
	assets.CleanupResult
	JobsPruned       int64
	CooldownsPruned  int64
	QuarantinePruned int
}

// Response converts the result for API and IPC callers.
func (r CleanupResult) Response() api.CleanupResponse {
	resp := api.FromCleanupResult(r.CleanupResult)
	resp.JobsPruned = r.JobsPruned
	resp.CooldownsPruned = r.CooldownsPruned
	resp.QuarantinePruned = r.QuarantinePruned
	return resp
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool
	PID           int
	Scheduler     scheduler.Status
	Workflow      workflow.StatusSummary
	HistoryDBPath string
	AssetsDir     string
	LockFilePath  string
	APIAddress    string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, hist *history.Store, store *assets.Store, sched *scheduler.Scheduler, wf *workflow.Manager, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || hist == nil || store == nil || sched == nil || wf == nil {
		return nil, errors.New("daemon requires config, history, assets, scheduler, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		history:   hist,
		assets:    store,
		scheduler: sched,
		workflow:  wf,
		migrator:  migration.New(cfg.Storage.LegacyDir, store, logger),
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the scheduler, the asset flush
// loop, the periodic workflow, and the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another retrain daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.scheduler.Run(runCtx); err != nil {
			logging.ErrorWithContext(d.logger, "scheduler exited", "scheduler_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "queued training jobs will not run"),
				logging.String(logging.FieldErrorHint, "restart the daemon"),
			)
		}
	}()
	go func() {
		defer d.wg.Done()
		d.assets.Run(runCtx)
	}()

	abort := func() {
		cancel()
		d.wg.Wait()
		_ = d.lock.Unlock()
	}
	if err := d.workflow.Start(runCtx); err != nil {
		abort()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.workflow.Stop()
		abort()
		return fmt.Errorf("start api: %w", err)
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("retrain daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock. Active
// training jobs are flagged as cancelled and awaited, then cached documents
// are flushed.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.workflow.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_unlock_failed",
			logging.Error(err),
			logging.String(logging.FieldPath, d.lockPath),
			logging.String(logging.FieldImpact, "the next daemon start may report a running instance"),
		)
	}
	d.running.Store(false)
	d.logger.Info("retrain daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.history != nil {
		return d.history.Close()
	}
	return nil
}

// Running reports whether Start has succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		Scheduler:     d.scheduler.Status(),
		Workflow:      d.workflow.Status(ctx),
		HistoryDBPath: d.history.Path(),
		AssetsDir:     d.assets.Dir(),
		LockFilePath:  d.lockPath,
		APIAddress:    d.api.address(),
	}
}

// StatusDTO converts a Status into its API representation.
func StatusDTO(st Status) api.DaemonStatus {
	return api.DaemonStatus{
		Running:       st.Running,
		PID:           st.PID,
		LockFilePath:  st.LockFilePath,
		HistoryDBPath: st.HistoryDBPath,
		AssetsDir:     st.AssetsDir,
		APIAddress:    st.APIAddress,
		Scheduler:     api.FromSchedulerStatus(st.Scheduler),
		Workflow:      api.FromWorkflowStatus(st.Workflow),
	}
}

// Submit schedules a manual training job and returns its ID.
func (d *Daemon) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	id, err := d.workflow.SubmitManual(ctx, workflow.ManualRequest{
		Subject:  req.Subject,
		Variant:  req.Variant,
		Priority: req.Priority,
		Params:   req.Params,
	})
	if err != nil {
		return "", err
	}
	logging.WithContext(ctx, d.logger).Info("manual training job queued",
		logging.String(logging.FieldJobID, id),
		logging.String(logging.FieldSubject, req.Subject),
		logging.String(logging.FieldVariant, req.Variant),
		logging.String(logging.FieldEventType, "manual_job_queued"),
	)
	return id, nil
}

// Job returns a queued, active, or recently finished job.
func (d *Daemon) Job(id string) (scheduler.Job, bool) {
	return d.scheduler.Job(strings.TrimSpace(id))
}

// Cancel cancels a queued or active job and reports whether it was active.
func (d *Daemon) Cancel(ctx context.Context, id, reason string) (bool, error) {
	return d.scheduler.Cancel(ctx, strings.TrimSpace(id), reason)
}

// CanAdmit reports whether a submission for the pair would be admitted.
func (d *Daemon) CanAdmit(subject, variant string) (scheduler.Admission, error) {
	return d.scheduler.CanAdmit(subject, variant)
}

// EmergencyStop cancels every queued job and flags every active one.
func (d *Daemon) EmergencyStop(ctx context.Context, reason string) scheduler.StopResult {
	return d.scheduler.EmergencyStop(ctx, reason)
}

// ClearCooldown removes one pair's cooldown.
func (d *Daemon) ClearCooldown(ctx context.Context, subject, variant string) (bool, error) {
	return d.scheduler.ClearCooldown(ctx, subject, variant)
}

// ClearAllCooldowns removes every cooldown.
func (d *Daemon) ClearAllCooldowns(ctx context.Context) (int, error) {
	return d.scheduler.ClearAllCooldowns(ctx)
}

// JobHistory returns archived jobs, newest first. An empty subject matches
// every subject.
func (d *Daemon) JobHistory(ctx context.Context, subject string, limit int) ([]history.JobRecord, error) {
	if subject != "" {
		key, err := assets.NormalizeSubject(subject)
		if err != nil {
			return nil, err
		}
		subject = key
	}
	return d.history.RecentJobs(ctx, subject, limit)
}

// RunCycle runs one periodic retraining cycle immediately.
func (d *Daemon) RunCycle(ctx context.Context) workflow.CycleResult {
	return d.workflow.RunCycle(ctx)
}

// StorageStats summarizes the assets directory.
func (d *Daemon) StorageStats(ctx context.Context) (assets.Stats, error) {
	return d.assets.StorageStats(ctx)
}

// Cleanup applies retention to every document. maxAgeHours <= 0 uses the
// configured window.
func (d *Daemon) Cleanup(ctx context.Context, maxAgeHours int) (CleanupResult, error) {
	res, err := d.assets.Cleanup(ctx, maxAgeHours)
	out := CleanupResult{CleanupResult: res}
	if err != nil {
		return out, err
	}
	if maxAgeHours <= 0 {
		maxAgeHours = d.cfg.Storage.MaxAgeHours
	}
	now := time.Now()
	cutoff := now.Add(-time.Duration(maxAgeHours) * time.Hour)

	if out.JobsPruned, err = d.history.PruneJobs(ctx, cutoff); err != nil {
		out.Errors = append(out.Errors, d.cleanupFailed("job_history", err))
	}
	if out.CooldownsPruned, err = d.history.PruneCooldowns(ctx, now.Add(-d.cfg.TrainingCooldown())); err != nil {
		out.Errors = append(out.Errors, d.cleanupFailed("cooldowns", err))
	}
	days := max(1, (maxAgeHours+23)/24)
	out.QuarantinePruned = logging.CleanupOldLogs(d.logger, days,
		logging.RetentionTarget{Dir: d.cfg.AssetsDir(), Pattern: "*.corrupt-*"},
	)
	return out, nil
}

func (d *Daemon) cleanupFailed(target string, err error) string {
	logging.WarnWithContext(d.logger, "cleanup skipped target", "cleanup_target_failed",
		logging.String("target", target),
		logging.Error(err),
		logging.String(logging.FieldImpact, "expired rows remain until the next cleanup"),
	)
	return target + ": " + err.Error()
}

// ForceSave flushes every cached document to disk.
func (d *Daemon) ForceSave(ctx context.Context) (int, error) {
	return d.assets.ForceSave(ctx)
}

// Asset returns the consolidated document for subject.
func (d *Daemon) Asset(ctx context.Context, subject string) (*assets.Record, error) {
	return d.assets.LoadAssetData(ctx, subject)
}

// RestoreAsset replaces subject's document with rec, for example one exported
// earlier. The document must validate and belong to subject.
func (d *Daemon) RestoreAsset(ctx context.Context, subject string, rec *assets.Record) error {
	key, err := assets.NormalizeSubject(subject)
	if err != nil {
		return err
	}
	if rec == nil {
		return services.Wrap(services.ErrValidation, "daemon", "restore asset", "document is required", nil)
	}
	if rec.Subject == "" {
		rec.Subject = strings.TrimSpace(subject)
	}
	if other, err := assets.NormalizeSubject(rec.Subject); err != nil || other != key {
		return services.Wrap(services.ErrValidation, "daemon", "restore asset",
			fmt.Sprintf("document subject %q does not match %q", rec.Subject, subject), err)
	}
	if err := d.assets.SaveAssetData(ctx, subject, rec); err != nil {
		if errors.Is(err, assets.ErrStorageCorruption) {
			return services.Wrap(services.ErrValidation, "daemon", "restore asset", "document failed validation", err)
		}
		return err
	}
	logging.WithContext(ctx, d.logger).Info("asset document restored",
		logging.String(logging.FieldSubject, key),
		logging.String(logging.FieldEventType, "asset_restored"),
	)
	return nil
}

// RecordPrediction appends a prediction made outside the daemon to the
// subject's history.
func (d *Daemon) RecordPrediction(ctx context.Context, req api.PredictionRequest) error {
	if strings.TrimSpace(req.Variant) == "" {
		return services.Wrap(services.ErrValidation, "daemon", "record prediction", "variant is required", nil)
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		return services.Wrap(services.ErrValidation, "daemon", "record prediction", "value must be a finite number", nil)
	}
	entry := assets.PredictionEntry{
		Timestamp:  req.Timestamp,
		Variant:    strings.ToLower(strings.TrimSpace(req.Variant)),
		Value:      req.Value,
		Confidence: req.Confidence,
		Inputs:     req.Inputs,
	}
	return d.assets.SavePredictionHistory(ctx, req.Subject, entry)
}

// SaveFeatures replaces the subject's feature cache.
func (d *Daemon) SaveFeatures(ctx context.Context, req api.FeatureCacheRequest) error {
	if len(req.Cache) > 0 && !json.Valid(req.Cache) {
		return services.Wrap(services.ErrValidation, "daemon", "save features", "cache is not valid JSON", nil)
	}
	if req.Count < 0 {
		return services.Wrap(services.ErrValidation, "daemon", "save features", "count must not be negative", nil)
	}
	return d.assets.SaveFeatureCache(ctx, req.Subject, req.Cache, req.Count)
}

// Features returns the subject's feature cache and its age.
func (d *Daemon) Features(ctx context.Context, subject string) (api.FeatureCacheResponse, error) {
	cache, age, ok, err := d.assets.LoadFeatureCache(ctx, subject)
	if err != nil {
		return api.FeatureCacheResponse{}, err
	}
	return api.FromFeatureCache(strings.TrimSpace(subject), cache, age, ok), nil
}

// ModelWeights restores variant's model for the given feature count. A zero
// count uses the variant's configured features. Placeholder weights and
// weights stored for another feature count report ErrNotFound.
func (d *Daemon) ModelWeights(ctx context.Context, subject, variant string, features int) (api.ModelWeightsResponse, error) {
	variant = strings.ToLower(strings.TrimSpace(variant))
	if features <= 0 {
		v, ok := d.cfg.Variant(variant)
		if !ok || v.Features <= 0 {
			return api.ModelWeightsResponse{}, services.Wrap(services.ErrValidation, "daemon", "weights",
				fmt.Sprintf("feature count required for variant %q", variant), nil)
		}
		features = v.Features
	}
	trained, err := d.assets.HasTrainedWeights(ctx, subject, variant)
	if err != nil {
		return api.ModelWeightsResponse{}, err
	}
	if !trained {
		return api.ModelWeightsResponse{}, services.Wrap(services.ErrNotFound, "daemon", "weights",
			fmt.Sprintf("%s/%s has no trained weights", subject, variant), nil)
	}
	model, ok, err := d.assets.LoadModelWeights(ctx, subject, variant, trainer.Factory, assets.ModelConfig{Features: features})
	if err != nil {
		return api.ModelWeightsResponse{}, err
	}
	if !ok {
		return api.ModelWeightsResponse{}, services.Wrap(services.ErrNotFound, "daemon", "weights",
			fmt.Sprintf("%s/%s weights were not trained for %d features", subject, variant, features), nil)
	}
	tensors, err := model.Weights()
	if err != nil {
		return api.ModelWeightsResponse{}, err
	}
	resp := api.ModelWeightsResponse{
		Subject:  strings.TrimSpace(subject),
		Variant:  variant,
		Features: features,
		Tensors:  tensors,
	}
	if tm, ok := model.(*trainer.TensorModel); ok {
		resp.ParameterCount = tm.ParameterCount()
	}
	return resp, nil
}

// Migrate imports the configured legacy directory into the asset store.
func (d *Daemon) Migrate(ctx context.Context, dryRun bool) (migration.Summary, error) {
	return d.migrator.Migrate(ctx, migration.Options{DryRun: dryRun})
}
