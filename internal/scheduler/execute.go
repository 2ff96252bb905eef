package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"retrain/internal/assets"
	"retrain/internal/history"
	"retrain/internal/logging"
	"retrain/internal/services"
)

const persistTimeout = 2 * time.Minute

// attemptSpec is the immutable input of one training attempt, copied out
// under the mutex so the worker never reads shared job fields.
type attemptSpec struct {
	id      string
	subject string
	variant string
	config  map[string]any
	train   TrainFunc
	attempt int
}

func (s *Scheduler) execute(ctx context.Context, job *Job, spec attemptSpec) {
	defer s.workers.Done()

	ctx = services.WithJobID(ctx, spec.id)
	ctx = services.WithSubject(ctx, spec.subject)
	ctx = services.WithVariant(ctx, spec.variant)
	logger := logging.WithContext(ctx, s.logger)
	logger.Info("training started",
		logging.Int(logging.FieldAttempt, spec.attempt),
		logging.String(logging.FieldEventType, "job_started"),
	)

	start := time.Now()
	result, err := invoke(ctx, spec)
	elapsed := time.Since(start)
	trainDuration.Observe(elapsed.Seconds())

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTimeout, "scheduler", "watchdog",
			fmt.Sprintf("training exceeded %s", s.opts.JobTimeout), err)
	}

	if s.claimSettlement(ctx, job, err) {
		return
	}

	if err == nil {
		err = s.persist(ctx, spec, result, elapsed)
		if err == nil {
			s.complete(ctx, job, logger, elapsed)
			return
		}
	}
	s.fail(ctx, job, logger, err)
}

// invoke runs the train function and converts a panic into an error.
func invoke(ctx context.Context, spec attemptSpec) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("train function panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return spec.train(ctx, spec.subject, spec.variant, spec.config)
}

// claimSettlement decides under the mutex how a finished attempt settles. A
// job whose cancellation was requested settles as cancelled: its result is not
// persisted and no cooldown starts. A successful attempt is marked Settling,
// after which Cancel refuses it. It reports whether the job was settled.
func (s *Scheduler) claimSettlement(ctx context.Context, job *Job, err error) bool {
	s.mu.Lock()
	if job.CancelRequested {
		rec := s.cancelLocked(job, err)
		s.mu.Unlock()
		s.reportCancelled(ctx, rec)
		return true
	}
	if err == nil {
		job.Settling = true
	}
	s.mu.Unlock()
	return false
}

func (s *Scheduler) cancelLocked(job *Job, err error) history.JobRecord {
	if err != nil {
		job.LastError = err.Error()
	}
	job.Settling = false
	s.finishLocked(job, StateCancelled)
	return s.archiveLocked(job)
}

func (s *Scheduler) reportCancelled(ctx context.Context, rec history.JobRecord) {
	outcomes.WithLabelValues(string(StateCancelled)).Inc()
	s.recordJob(ctx, rec)
	logging.WithContext(ctx, s.logger).Info("cancelled job settled; result discarded",
		logging.String("reason", rec.CancelReason),
		logging.String(logging.FieldEventType, "job_cancelled"),
	)
	s.signal()
}

func (s *Scheduler) persist(ctx context.Context, spec attemptSpec, result Result, elapsed time.Duration) error {
	if s.persister == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if result.Model != nil {
		if err := s.persister.SaveModelWeights(pctx, spec.subject, spec.variant, result.Model, result.Config); err != nil {
			return fmt.Errorf("persist weights: %w", err)
		}
	}
	entry := assets.TrainingEntry{
		Timestamp:       time.Now().UTC(),
		Variant:         spec.variant,
		JobID:           spec.id,
		DurationSeconds: elapsed.Seconds(),
		Attempts:        spec.attempt,
		Metrics:         result.Metrics,
	}
	if err := s.persister.SaveTrainingHistory(pctx, spec.subject, entry); err != nil {
		return fmt.Errorf("persist training history: %w", err)
	}
	return nil
}

func (s *Scheduler) complete(ctx context.Context, job *Job, logger *slog.Logger, elapsed time.Duration) {
	s.mu.Lock()
	job.LastError = ""
	job.Settling = false
	s.finishLocked(job, StateCompleted)
	completedAt := job.CompletedAt
	s.cooldowns.record(job.key, completedAt)
	rec := s.archiveLocked(job)
	s.mu.Unlock()

	outcomes.WithLabelValues(string(StateCompleted)).Inc()
	if s.history != nil {
		cd := history.Cooldown{Subject: job.key.subject, Variant: job.key.variant, LastCompletedAt: completedAt}
		if err := s.history.SaveCooldown(context.WithoutCancel(ctx), cd); err != nil {
			logging.WarnWithContext(s.logger, "cooldown persist failed", "cooldown_persist_failed",
				logging.String(logging.FieldJobID, rec.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "cooldown is lost if the daemon restarts"),
			)
		}
	}
	s.recordJob(ctx, rec)
	logger.Info("training completed",
		logging.Duration("elapsed", elapsed),
		logging.Int(logging.FieldAttempt, rec.Attempts),
		logging.String(logging.FieldEventType, "job_completed"),
	)
	s.signal()
}

func (s *Scheduler) fail(ctx context.Context, job *Job, logger *slog.Logger, err error) {
	kind := services.Classify(err)
	s.mu.Lock()
	if job.CancelRequested {
		rec := s.cancelLocked(job, err)
		s.mu.Unlock()
		s.reportCancelled(ctx, rec)
		return
	}
	job.Settling = false
	job.LastError = err.Error()
	job.TimedOut = kind == services.FailureTimeout
	if job.cancel != nil {
		job.cancel()
		job.cancel = nil
	}
	retry := services.Retryable(err) && job.Attempts < job.MaxAttempts && s.baseCtx != nil && s.baseCtx.Err() == nil
	if retry {
		delete(s.active, job.ID)
		_, hi := priorityBand(job.Source)
		if job.Priority < hi {
			job.Priority++
		}
		job.State = StateQueued
		s.seq++
		job.seq = s.seq
		heap.Push(&s.pending, job)
		attempts := job.Attempts
		priority := job.Priority
		s.updateGaugesLocked()
		s.mu.Unlock()

		outcomes.WithLabelValues("retried").Inc()
		logging.WarnWithContext(logger, "training attempt failed; retrying", "job_retry",
			logging.Error(err),
			logging.String("failure_kind", string(kind)),
			logging.Int(logging.FieldAttempt, attempts),
			logging.Int(logging.FieldPriority, priority),
			logging.String(logging.FieldImpact, "job re-queued at demoted priority"),
		)
		s.signal()
		return
	}

	s.finishLocked(job, StateFailed)
	rec := s.archiveLocked(job)
	s.mu.Unlock()

	outcomes.WithLabelValues(string(StateFailed)).Inc()
	s.recordJob(ctx, rec)
	logging.ErrorWithContext(logger, "training failed permanently", "job_failed",
		logging.Error(err),
		logging.String("failure_kind", string(kind)),
		logging.Int(logging.FieldAttempt, rec.Attempts),
		logging.String(logging.FieldErrorHint, "inspect the trainer output, then resubmit"),
	)
	s.signal()
}
