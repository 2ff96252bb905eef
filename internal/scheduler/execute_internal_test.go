package scheduler

import (
	"container/heap"
	"context"
	"testing"
	"time"

	"retrain/internal/logging"
	"retrain/internal/services"
)

// activate moves a queued job into the active set without starting a worker.
func activate(t *testing.T, s *Scheduler, id string) *Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		t.Fatalf("job %s not queued", id)
	}
	heap.Remove(&s.pending, job.index)
	job.State = StateActive
	job.Attempts++
	job.StartedAt = s.now()
	s.active[job.ID] = job
	return job
}

func TestFailSettlesCancelRequestedAfterClaim(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Options{MaxConcurrent: 1, MaxAttempts: 3, Interval: time.Hour}, nil, nil, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.baseCtx = ctx

	train := func(context.Context, string, string, map[string]any) (Result, error) { return Result{}, nil }
	id, err := s.Submit(ctx, SubmitRequest{Subject: "aapl", Variant: "lstm", Train: train})
	if err != nil {
		t.Fatal(err)
	}
	job := activate(t, s, id)

	trainErr := services.Wrap(services.ErrTransient, "trainer", "run", "connection reset", nil)
	if s.claimSettlement(ctx, job, trainErr) {
		t.Fatal("job without a cancel request must not settle as cancelled")
	}
	if wasActive, err := s.Cancel(ctx, id, "operator"); err != nil || !wasActive {
		t.Fatalf("Cancel = %v, %v", wasActive, err)
	}
	s.fail(ctx, job, s.logger, trainErr)

	got, ok := s.Job(id)
	if !ok || got.State != StateCancelled {
		t.Fatalf("expected cancelled job, got %#v", got)
	}
	if st := s.Status(); st.Queued.Count != 0 || st.Active.Count != 0 {
		t.Fatalf("cancelled job was re-queued: queued=%d active=%d", st.Queued.Count, st.Active.Count)
	}
}

func TestFailedPersistClearsSettling(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Options{MaxConcurrent: 1, MaxAttempts: 1, Interval: time.Hour}, nil, nil, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.baseCtx = ctx

	train := func(context.Context, string, string, map[string]any) (Result, error) { return Result{}, nil }
	id, err := s.Submit(ctx, SubmitRequest{Subject: "aapl", Variant: "lstm", Train: train})
	if err != nil {
		t.Fatal(err)
	}
	job := activate(t, s, id)
	if s.claimSettlement(ctx, job, nil) {
		t.Fatal("unexpected cancelled settlement")
	}
	s.fail(ctx, job, s.logger, services.Wrap(services.ErrStorage, "assets", "save", "disk full", nil))

	got, _ := s.Job(id)
	if got.State != StateFailed || got.Settling {
		t.Fatalf("unexpected job %#v", got)
	}
}
