package workflow

import (
	"context"

	"retrain/internal/deps"
)

// TrainerHealth summarizes the readiness of one variant's training command.
type TrainerHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// HealthyTrainer constructs a ready TrainerHealth record.
func HealthyTrainer(name string) TrainerHealth {
	return TrainerHealth{Name: name, Ready: true}
}

// UnhealthyTrainer constructs an unhealthy TrainerHealth record with context detail.
func UnhealthyTrainer(name, detail string) TrainerHealth {
	return TrainerHealth{Name: name, Ready: false, Detail: detail}
}

// CheckTrainers checks that every configured command resolves.
func (m *Manager) CheckTrainers(ctx context.Context) []TrainerHealth {
	out := make([]TrainerHealth, 0, len(m.cfg.Variants))
	for _, req := range deps.VariantRequirements(m.cfg.Variants) {
		if ctx.Err() != nil {
			break
		}
		status := deps.Check(req)
		if !status.Available {
			out = append(out, UnhealthyTrainer(status.Name, status.Detail))
			continue
		}
		out = append(out, HealthyTrainer(status.Name))
	}
	return out
}
