package workflow

import (
	"context"
	"time"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running   bool            `json:"running"`
	Enabled   bool            `json:"enabled"`
	Interval  time.Duration   `json:"interval"`
	LastError string          `json:"last_error,omitempty"`
	LastCycle *CycleResult    `json:"last_cycle,omitempty"`
	Trainers  []TrainerHealth `json:"trainers"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		Enabled:  m.cfg.Periodic.Enabled,
		Interval: m.interval,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastCycle != nil {
		cycle := *m.lastCycle
		cycle.Submitted = append([]string(nil), m.lastCycle.Submitted...)
		summary.LastCycle = &cycle
	}
	m.mu.RUnlock()

	summary.Trainers = m.CheckTrainers(ctx)
	return summary
}
