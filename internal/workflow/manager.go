package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"retrain/internal/config"
	"retrain/internal/logging"
	"retrain/internal/scheduler"
	"retrain/internal/services"
	"retrain/internal/trainer"
)

// Scheduler is the subset of *scheduler.Scheduler the workflow drives.
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error)
}

// Manager owns the train functions and the periodic cycle.
type Manager struct {
	cfg       *config.Config
	scheduler Scheduler
	trainers  *trainer.Registry
	logger    *slog.Logger
	interval  time.Duration

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastCycle *CycleResult
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, sched Scheduler, trainers *trainer.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		scheduler: sched,
		trainers:  trainers,
		logger:    logging.NewComponentLogger(logger, "workflow"),
		interval:  cfg.PeriodicInterval(),
	}
}

// TrainFunc returns the scheduler train function backed by the configured
// trainers. Unknown variants fail terminally.
func (m *Manager) TrainFunc() scheduler.TrainFunc {
	return func(ctx context.Context, subject, variant string, params map[string]any) (scheduler.Result, error) {
		t, ok := m.trainers.Lookup(variant)
		if !ok {
			return scheduler.Result{}, services.Wrap(services.ErrConfiguration, "workflow", "train",
				fmt.Sprintf("no trainer configured for variant %q", variant), nil)
		}
		model, metrics, err := t.Train(ctx, subject, params)
		if err != nil {
			return scheduler.Result{}, err
		}
		return scheduler.Result{Model: model, Config: t.ModelConfig(params), Metrics: metrics}, nil
	}
}

// ManualRequest is an operator submission.
type ManualRequest struct {
	Subject  string         `json:"subject"`
	Variant  string         `json:"variant"`
	Priority int            `json:"priority,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// SubmitManual validates the variant and submits a manual job.
func (m *Manager) SubmitManual(ctx context.Context, req ManualRequest) (string, error) {
	if _, ok := m.trainers.Lookup(req.Variant); !ok {
		return "", services.Wrap(services.ErrValidation, "workflow", "submit",
			fmt.Sprintf("unknown variant %q", req.Variant), nil)
	}
	return m.scheduler.Submit(ctx, scheduler.SubmitRequest{
		Subject:  req.Subject,
		Variant:  req.Variant,
		Source:   scheduler.SourceManual,
		Priority: req.Priority,
		Config:   req.Params,
		Train:    m.TrainFunc(),
	})
}

// Variants lists the variants that have a trainer.
func (m *Manager) Variants() []string {
	return m.trainers.Variants()
}
