package workflow

import (
	"context"
	"errors"
	"time"

	"retrain/internal/logging"
	"retrain/internal/scheduler"
)

// CycleResult summarizes one periodic cycle.
type CycleResult struct {
	StartedAt time.Time `json:"started_at"`
	Submitted []string  `json:"submitted"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

// Start launches the periodic cycle when it is enabled. It is a no-op
// otherwise.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if !m.cfg.Periodic.Enabled {
		m.mu.Unlock()
		m.logger.Info("periodic training disabled", logging.String(logging.FieldEventType, "periodic_disabled"))
		return nil
	}
	if m.interval <= 0 {
		m.mu.Unlock()
		return errors.New("periodic interval must be positive")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runPeriodic(runCtx)
	return nil
}

// Stop terminates the periodic cycle and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runPeriodic(ctx context.Context) {
	defer m.wg.Done()
	m.logger.Info("periodic training started",
		logging.Duration("interval", m.interval),
		logging.Int("subjects", len(m.cfg.Periodic.Subjects)),
		logging.String(logging.FieldEventType, "periodic_started"),
	)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle submits every configured (subject, variant) pair at periodic
// priority. Pairs the scheduler refuses are skipped silently.
func (m *Manager) RunCycle(ctx context.Context) CycleResult {
	result := CycleResult{StartedAt: time.Now().UTC(), Submitted: []string{}}
	variants := m.cfg.Periodic.Variants
	if len(variants) == 0 {
		variants = m.Variants()
	}
	train := m.TrainFunc()

	var lastErr error
	for _, subject := range m.cfg.Periodic.Subjects {
		for _, variant := range variants {
			if ctx.Err() != nil {
				return m.finishCycle(result, lastErr)
			}
			id, err := m.scheduler.Submit(ctx, scheduler.SubmitRequest{
				Subject: subject,
				Variant: variant,
				Source:  scheduler.SourcePeriodic,
				Train:   train,
			})
			switch {
			case err == nil:
				result.Submitted = append(result.Submitted, id)
			case errors.Is(err, scheduler.ErrAdmissionDenied):
				result.Skipped++
			default:
				result.Failed++
				lastErr = err
				logging.WarnWithContext(m.logger, "periodic submission failed", "periodic_submit_failed",
					logging.String(logging.FieldSubject, subject),
					logging.String(logging.FieldVariant, variant),
					logging.Error(err),
					logging.String(logging.FieldImpact, "pair is not retrained this cycle"),
					logging.String(logging.FieldErrorHint, "check periodic.subjects and periodic.variants"),
				)
			}
		}
	}
	return m.finishCycle(result, lastErr)
}

func (m *Manager) finishCycle(result CycleResult, err error) CycleResult {
	m.mu.Lock()
	m.lastCycle = &result
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Info("periodic cycle finished",
		logging.Int("submitted", len(result.Submitted)),
		logging.Int("skipped", result.Skipped),
		logging.Int("failed", result.Failed),
		logging.String(logging.FieldEventType, "periodic_cycle"),
	)
	return result
}
