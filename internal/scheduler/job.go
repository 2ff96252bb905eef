package scheduler

import (
	"context"
	"fmt"
	"time"

	"retrain/internal/assets"
)

// State is a training job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Source identifies who submitted a job.
type Source string

const (
	SourceManual   Source = "manual"
	SourcePeriodic Source = "periodic"
)

// Priority bands. Lower numbers run first.
const (
	ManualPriorityMin   = 1
	ManualPriorityMax   = 7
	PeriodicPriorityMin = 8
	PeriodicPriorityMax = 10
)

// Result is what a successful training run hands back for persistence. A nil
// Model skips the weight save but still records history and cooldown.
type Result struct {
	Model   assets.Model
	Config  assets.ModelConfig
	Metrics map[string]float64
}

// TrainFunc trains one (subject, variant). It should return promptly once ctx
// is cancelled.
type TrainFunc func(ctx context.Context, subject, variant string, cfg map[string]any) (Result, error)

// Job is a training job. Values returned by the Scheduler are snapshots.
type Job struct {
	ID              string         `json:"id"`
	Subject         string         `json:"subject"`
	Variant         string         `json:"variant"`
	Priority        int            `json:"priority"`
	Source          Source         `json:"source"`
	Config          map[string]any `json:"config,omitempty"`
	State           State          `json:"state"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
	LastError       string         `json:"last_error,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	CancelReason    string         `json:"cancel_reason,omitempty"`
	TimedOut        bool           `json:"timed_out,omitempty"`
	Settling        bool           `json:"settling,omitempty"`

	key    pairKey
	train  TrainFunc
	seq    uint64
	index  int
	cancel context.CancelFunc
}

type pairKey struct {
	subject string
	variant string
}

func (k pairKey) String() string {
	return k.subject + "/" + k.variant
}

func newJobID(key pairKey, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d", key.subject, key.variant, now.UnixNano())
}

// snapshot copies the exported fields.
func (j *Job) snapshot() Job {
	out := Job{
		ID:              j.ID,
		Subject:         j.Subject,
		Variant:         j.Variant,
		Priority:        j.Priority,
		Source:          j.Source,
		State:           j.State,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		EnqueuedAt:      j.EnqueuedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		LastError:       j.LastError,
		CancelRequested: j.CancelRequested,
		CancelReason:    j.CancelReason,
		TimedOut:        j.TimedOut,
		Settling:        j.Settling,
	}
	if j.Config != nil {
		out.Config = make(map[string]any, len(j.Config))
		for k, v := range j.Config {
			out.Config[k] = v
		}
	}
	return out
}

// Duration is the wall time of the final attempt.
func (j Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

func priorityBand(source Source) (int, int) {
	if source == SourcePeriodic {
		return PeriodicPriorityMin, PeriodicPriorityMax
	}
	return ManualPriorityMin, ManualPriorityMax
}

func clampPriority(source Source, priority int) int {
	lo, hi := priorityBand(source)
	switch {
	case priority < lo:
		return lo
	case priority > hi:
		return hi
	default:
		return priority
	}
}
