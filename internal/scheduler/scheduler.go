package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/history"
	"retrain/internal/logging"
	"retrain/internal/services"
)

// Persister receives the results of successful training runs.
// *assets.Store satisfies it.
type Persister interface {
	SaveModelWeights(ctx context.Context, subject, variant string, model assets.Model, cfg assets.ModelConfig) error
	SaveTrainingHistory(ctx context.Context, subject string, entry assets.TrainingEntry) error
}

// HistoryStore mirrors cooldowns and finished jobs to durable storage.
// *history.Store satisfies it.
type HistoryStore interface {
	SaveCooldown(ctx context.Context, c history.Cooldown) error
	LoadCooldowns(ctx context.Context, since time.Time) ([]history.Cooldown, error)
	ClearCooldown(ctx context.Context, subject, variant string) (bool, error)
	ClearAllCooldowns(ctx context.Context) (int64, error)
	RecordJob(ctx context.Context, rec history.JobRecord) error
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent    int
	Cooldown         time.Duration
	Interval         time.Duration
	MaxAttempts      int
	JobTimeout       time.Duration
	ManualPriority   int
	PeriodicPriority int
	RecentLimit      int
}

// OptionsFromConfig maps the [scheduler] config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrent:    cfg.Scheduler.MaxConcurrentTraining,
		Cooldown:         cfg.TrainingCooldown(),
		Interval:         cfg.ProcessingInterval(),
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		JobTimeout:       cfg.JobTimeout(),
		ManualPriority:   cfg.Scheduler.ManualPriority,
		PeriodicPriority: cfg.Scheduler.PeriodicPriority,
		RecentLimit:      cfg.Scheduler.RecentJobs,
	}
}

func (o *Options) normalize() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.ManualPriority == 0 {
		o.ManualPriority = 3
	}
	o.ManualPriority = clampPriority(SourceManual, o.ManualPriority)
	if o.PeriodicPriority == 0 {
		o.PeriodicPriority = PeriodicPriorityMin
	}
	o.PeriodicPriority = clampPriority(SourcePeriodic, o.PeriodicPriority)
	if o.RecentLimit <= 0 {
		o.RecentLimit = 50
	}
}

// Scheduler owns the job queue, the active set, and the cooldown registry.
type Scheduler struct {
	opts      Options
	persister Persister
	history   HistoryStore
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	pending   jobQueue
	active    map[string]*Job
	byID      map[string]*Job
	byPair    map[pairKey]*Job
	recent    []Job
	cooldowns *cooldownRegistry
	seq       uint64
	baseCtx   context.Context
	running   bool

	wake    chan struct{}
	workers sync.WaitGroup
}

// New builds a Scheduler and loads persisted cooldowns. persister and store
// may be nil.
func New(ctx context.Context, opts Options, persister Persister, store HistoryStore, logger *slog.Logger) (*Scheduler, error) {
	opts.normalize()
	s := &Scheduler{
		opts:      opts,
		persister: persister,
		history:   store,
		logger:    logging.NewComponentLogger(logger, "scheduler"),
		now:       time.Now,
		active:    make(map[string]*Job),
		byID:      make(map[string]*Job),
		byPair:    make(map[pairKey]*Job),
		cooldowns: newCooldownRegistry(opts.Cooldown),
		wake:      make(chan struct{}, 1),
	}
	if store != nil && opts.Cooldown > 0 {
		rows, err := store.LoadCooldowns(ctx, s.now().Add(-opts.Cooldown))
		if err != nil {
			return nil, fmt.Errorf("load cooldowns: %w", err)
		}
		for _, row := range rows {
			s.cooldowns.record(pairKey{subject: row.Subject, variant: row.Variant}, row.LastCompletedAt)
		}
		if len(rows) > 0 {
			s.logger.Info("restored cooldowns",
				logging.Int("count", len(rows)),
				logging.String(logging.FieldEventType, "cooldowns_restored"),
			)
		}
	}
	return s, nil
}

// Options returns the effective scheduler options.
func (s *Scheduler) Options() Options {
	return s.opts
}

// Admission is the result of an admission check.
type Admission struct {
	Allowed           bool          `json:"allowed"`
	Reason            DenialReason  `json:"reason,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	ExistingJobID     string        `json:"existing_job_id,omitempty"`
}

// CanAdmit reports whether (subject, variant) would be admitted right now.
func (s *Scheduler) CanAdmit(subject, variant string) (Admission, error) {
	key, err := makeKey(subject, variant)
	if err != nil {
		return Admission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admissionLocked(key), nil
}

func (s *Scheduler) admissionLocked(key pairKey) Admission {
	if job, ok := s.byPair[key]; ok {
		return Admission{Reason: ReasonDuplicate, ExistingJobID: job.ID}
	}
	if left := s.cooldowns.remaining(key, s.now()); left > 0 {
		return Admission{Reason: ReasonCooldown, CooldownRemaining: left}
	}
	return Admission{Allowed: true}
}

// SubmitRequest describes a new training job. A zero Priority selects the
// source's default; out-of-band values are clamped into the source's band.
type SubmitRequest struct {
	Subject  string
	Variant  string
	Source   Source
	Priority int
	Config   map[string]any
	Train    TrainFunc
}

// Submit admits and enqueues a job, returning its ID. Execution happens
// asynchronously in Run.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	key, err := makeKey(req.Subject, req.Variant)
	if err != nil {
		return "", err
	}
	if req.Train == nil {
		return "", services.Wrap(services.ErrValidation, "scheduler", "submit", "train function is required", nil)
	}
	source := req.Source
	if source == "" {
		source = SourceManual
	}
	if source != SourceManual && source != SourcePeriodic {
		return "", services.Wrap(services.ErrValidation, "scheduler", "submit", fmt.Sprintf("unknown source %q", source), nil)
	}
	priority := req.Priority
	if priority == 0 {
		priority = s.opts.ManualPriority
		if source == SourcePeriodic {
			priority = s.opts.PeriodicPriority
		}
	}
	priority = clampPriority(source, priority)

	s.mu.Lock()
	if adm := s.admissionLocked(key); !adm.Allowed {
		s.mu.Unlock()
		admissions.WithLabelValues(string(adm.Reason)).Inc()
		return "", &AdmissionError{
			Subject:           strings.TrimSpace(req.Subject),
			Variant:           key.variant,
			Reason:            adm.Reason,
			CooldownRemaining: adm.CooldownRemaining,
			ExistingJobID:     adm.ExistingJobID,
		}
	}
	now := s.now()
	s.seq++
	job := &Job{
		ID:          newJobID(key, now),
		Subject:     strings.TrimSpace(req.Subject),
		Variant:     key.variant,
		Priority:    priority,
		Source:      source,
		Config:      req.Config,
		State:       StateQueued,
		MaxAttempts: s.opts.MaxAttempts,
		EnqueuedAt:  now,
		key:         key,
		train:       req.Train,
		seq:         s.seq,
	}
	heap.Push(&s.pending, job)
	s.byID[job.ID] = job
	s.byPair[key] = job
	s.updateGaugesLocked()
	s.mu.Unlock()

	admissions.WithLabelValues("admitted").Inc()
	logging.WithContext(ctx, s.logger).Info("training job queued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldSubject, job.Subject),
		logging.String(logging.FieldVariant, job.Variant),
		logging.Int(logging.FieldPriority, job.Priority),
		logging.String("source", string(job.Source)),
		logging.String(logging.FieldEventType, "job_queued"),
	)
	s.signal()
	return job.ID, nil
}

// Cancel removes a queued job or flags an active one. An active job's
// context is cancelled and its eventual result is discarded. A job whose
// result is already being persisted returns ErrJobSettling. It reports
// whether the job was active.
func (s *Scheduler) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	s.mu.Lock()
	job, ok := s.byID[jobID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Settling {
		s.mu.Unlock()
		return true, fmt.Errorf("%w: %s", ErrJobSettling, jobID)
	}
	if job.State == StateActive {
		s.flagActiveLocked(job, reason)
		s.mu.Unlock()
		s.logger.Info("active job flagged for cancellation",
			logging.String(logging.FieldJobID, jobID),
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "job_cancel_requested"),
		)
		return true, nil
	}
	heap.Remove(&s.pending, job.index)
	job.CancelRequested = true
	job.CancelReason = reason
	s.finishLocked(job, StateCancelled)
	rec := s.archiveLocked(job)
	s.mu.Unlock()

	outcomes.WithLabelValues(string(StateCancelled)).Inc()
	s.recordJob(ctx, rec)
	s.logger.Info("queued job cancelled",
		logging.String(logging.FieldJobID, jobID),
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "job_cancelled"),
	)
	return false, nil
}

// StopResult reports what EmergencyStop touched.
type StopResult struct {
	CancelledPending int `json:"cancelled_pending"`
	FlaggedActive    int `json:"flagged_active"`
}

// EmergencyStop cancels every queued job and flags every active one.
func (s *Scheduler) EmergencyStop(ctx context.Context, reason string) StopResult {
	if reason == "" {
		reason = "emergency stop"
	}
	s.mu.Lock()
	var result StopResult
	var archived []history.JobRecord
	for s.pending.Len() > 0 {
		job := heap.Pop(&s.pending).(*Job)
		job.CancelRequested = true
		job.CancelReason = reason
		s.finishLocked(job, StateCancelled)
		archived = append(archived, s.archiveLocked(job))
		result.CancelledPending++
	}
	for _, job := range s.active {
		if !job.CancelRequested && !job.Settling {
			s.flagActiveLocked(job, reason)
			result.FlaggedActive++
		}
	}
	s.mu.Unlock()

	outcomes.WithLabelValues(string(StateCancelled)).Add(float64(result.CancelledPending))
	for _, rec := range archived {
		s.recordJob(ctx, rec)
	}
	logging.WarnWithContext(s.logger, "emergency stop", "emergency_stop",
		logging.Int("cancelled_pending", result.CancelledPending),
		logging.Int("flagged_active", result.FlaggedActive),
		logging.String("reason", reason),
		logging.String(logging.FieldImpact, "queued training discarded; active runs will not be persisted"),
		logging.String(logging.FieldErrorHint, "resubmit jobs once the underlying problem is resolved"),
	)
	return result
}

func (s *Scheduler) flagActiveLocked(job *Job, reason string) {
	job.CancelRequested = true
	job.CancelReason = reason
	if job.cancel != nil {
		job.cancel()
	}
}

// ClearCooldown removes one pair's cooldown, in memory and on disk.
func (s *Scheduler) ClearCooldown(ctx context.Context, subject, variant string) (bool, error) {
	key, err := makeKey(subject, variant)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	cleared := s.cooldowns.clear(key)
	s.mu.Unlock()

	if s.history != nil {
		stored, err := s.history.ClearCooldown(ctx, key.subject, key.variant)
		if err != nil {
			return cleared, err
		}
		cleared = cleared || stored
	}
	s.logger.Info("cooldown cleared",
		logging.String(logging.FieldSubject, key.subject),
		logging.String(logging.FieldVariant, key.variant),
		logging.Bool("existed", cleared),
		logging.String(logging.FieldEventType, "cooldown_cleared"),
	)
	return cleared, nil
}

// ClearAllCooldowns removes every cooldown and returns how many were active
// in memory.
func (s *Scheduler) ClearAllCooldowns(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.cooldowns.prune(s.now())
	n := s.cooldowns.clearAll()
	s.mu.Unlock()

	if s.history != nil {
		if _, err := s.history.ClearAllCooldowns(ctx); err != nil {
			return n, err
		}
	}
	s.logger.Info("all cooldowns cleared",
		logging.Int("count", n),
		logging.String(logging.FieldEventType, "cooldowns_cleared"),
	)
	return n, nil
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running       bool             `json:"running"`
	MaxConcurrent int              `json:"max_concurrent"`
	Active        JobList          `json:"active"`
	Queued        JobList          `json:"queued"`
	Recent        []Job            `json:"recent"`
	Cooldowns     []CooldownStatus `json:"cooldowns"`
}

// JobList is a counted list of jobs.
type JobList struct {
	Count int   `json:"count"`
	Jobs  []Job `json:"jobs"`
}

// Status returns a snapshot. It holds the mutex only while copying.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.running,
		MaxConcurrent: s.opts.MaxConcurrent,
		Active:        JobList{Jobs: make([]Job, 0, len(s.active))},
		Queued:        JobList{Jobs: make([]Job, 0, s.pending.Len())},
		Recent:        slices.Clone(s.recent),
		Cooldowns:     s.cooldowns.active(s.now()),
	}
	for _, job := range s.active {
		st.Active.Jobs = append(st.Active.Jobs, job.snapshot())
	}
	slices.SortFunc(st.Active.Jobs, func(a, b Job) int { return a.StartedAt.Compare(b.StartedAt) })
	for _, job := range s.pending.ordered() {
		st.Queued.Jobs = append(st.Queued.Jobs, job.snapshot())
	}
	slices.SortFunc(st.Cooldowns, func(a, b CooldownStatus) int {
		return strings.Compare(a.Subject+"/"+a.Variant, b.Subject+"/"+b.Variant)
	})
	st.Active.Count = len(st.Active.Jobs)
	st.Queued.Count = len(st.Queued.Jobs)
	return st
}

// Job returns a snapshot of a queued, active, or recently finished job.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.byID[id]; ok {
		return job.snapshot(), true
	}
	for _, job := range s.recent {
		if job.ID == id {
			return job, true
		}
	}
	return Job{}, false
}

// finishLocked moves job to a terminal state and out of the live indexes.
func (s *Scheduler) finishLocked(job *Job, state State) {
	job.State = state
	job.CompletedAt = s.now()
	if job.cancel != nil {
		job.cancel()
		job.cancel = nil
	}
	delete(s.active, job.ID)
	delete(s.byID, job.ID)
	if current, ok := s.byPair[job.key]; ok && current == job {
		delete(s.byPair, job.key)
	}
	s.recent = append([]Job{job.snapshot()}, s.recent...)
	if len(s.recent) > s.opts.RecentLimit {
		s.recent = s.recent[:s.opts.RecentLimit]
	}
	s.updateGaugesLocked()
}

func (s *Scheduler) archiveLocked(job *Job) history.JobRecord {
	return history.JobRecord{
		ID:           job.ID,
		Subject:      job.key.subject,
		Variant:      job.Variant,
		Source:       string(job.Source),
		Priority:     job.Priority,
		State:        string(job.State),
		Attempts:     job.Attempts,
		LastError:    job.LastError,
		CancelReason: job.CancelReason,
		EnqueuedAt:   job.EnqueuedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func (s *Scheduler) recordJob(ctx context.Context, rec history.JobRecord) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordJob(context.WithoutCancel(ctx), rec); err != nil {
		logging.WarnWithContext(s.logger, "job history write failed", "job_history_failed",
			logging.String(logging.FieldJobID, rec.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "job missing from persisted history"),
		)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	activeJobs.Set(float64(len(s.active)))
	queuedJobs.Set(float64(s.pending.Len()))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func makeKey(subject, variant string) (pairKey, error) {
	key, err := assets.NormalizeSubject(subject)
	if err != nil {
		return pairKey{}, err
	}
	variant = strings.ToLower(strings.TrimSpace(variant))
	if variant == "" {
		return pairKey{}, services.Wrap(services.ErrValidation, "scheduler", "submit", "variant is required", nil)
	}
	if strings.ContainsAny(variant, "_/\\ ") {
		return pairKey{}, services.Wrap(services.ErrValidation, "scheduler", "submit", fmt.Sprintf("invalid variant %q", variant), nil)
	}
	return pairKey{subject: key, variant: variant}, nil
}

// IsAdmissionDenied reports whether err is an admission refusal and returns it.
func IsAdmissionDenied(err error) (*AdmissionError, bool) {
	var adm *AdmissionError
	if errors.As(err, &adm) {
		return adm, true
	}
	return nil, false
}
