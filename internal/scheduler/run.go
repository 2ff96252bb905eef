package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"retrain/internal/logging"
)

// Run pumps the queue until ctx is cancelled. On return every active job has
// been flagged for cancellation and has settled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		logging.Int("max_concurrent", s.opts.MaxConcurrent),
		logging.Duration("interval", s.opts.Interval),
		logging.Duration("cooldown", s.opts.Cooldown),
		logging.String(logging.FieldEventType, "scheduler_started"),
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.dispatch()
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	for _, job := range s.active {
		if !job.CancelRequested {
			s.flagActiveLocked(job, "scheduler shutdown")
		}
	}
	s.mu.Unlock()

	s.workers.Wait()

	s.mu.Lock()
	s.running = false
	s.baseCtx = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped", logging.String(logging.FieldEventType, "scheduler_stopped"))
}

// dispatch starts pending jobs while slots are free.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil || s.baseCtx.Err() != nil {
		return
	}
	for len(s.active) < s.opts.MaxConcurrent && s.pending.Len() > 0 {
		job := heap.Pop(&s.pending).(*Job)
		job.State = StateActive
		job.Attempts++
		job.StartedAt = s.now()
		job.CompletedAt = time.Time{}
		job.TimedOut = false

		var (
			jobCtx context.Context
			cancel context.CancelFunc
		)
		if s.opts.JobTimeout > 0 {
			jobCtx, cancel = context.WithTimeout(s.baseCtx, s.opts.JobTimeout)
		} else {
			jobCtx, cancel = context.WithCancel(s.baseCtx)
		}
		job.cancel = cancel
		s.active[job.ID] = job

		attempt := attemptSpec{
			id:      job.ID,
			subject: job.Subject,
			variant: job.Variant,
			config:  job.snapshot().Config,
			train:   job.train,
			attempt: job.Attempts,
		}
		s.workers.Add(1)
		go s.execute(jobCtx, job, attempt)
	}
	s.updateGaugesLocked()
}
