package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retrain/internal/config"
	"retrain/internal/logging"
	"retrain/internal/scheduler"
	"retrain/internal/services"
	"retrain/internal/testsupport"
	"retrain/internal/trainer"
	"retrain/internal/workflow"
)

const stubOutput = `echo '{"tensors":[{"data":[1,2],"shape":[2]}],"metrics":{"loss":0.1}}'`

type recordingScheduler struct {
	mu       sync.Mutex
	requests []scheduler.SubmitRequest
	deny     map[string]error
}

func (r *recordingScheduler) Submit(_ context.Context, req scheduler.SubmitRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.deny[req.Subject]; ok {
		return "", err
	}
	r.requests = append(r.requests, req)
	return req.Subject + "_" + req.Variant, nil
}

func newManager(t *testing.T, cfg *config.Config, sched workflow.Scheduler) *workflow.Manager {
	t.Helper()
	registry, err := trainer.NewRegistry(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return workflow.NewManager(cfg, sched, registry, logging.NewNop())
}

func TestRunCycleSkipsDeniedPairs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithVariant(config.Variant{Name: "gru", Command: "true", Features: 4}))
	cfg.Periodic.Subjects = []string{"aapl", "msft", "goog"}
	sched := &recordingScheduler{deny: map[string]error{
		"msft": &scheduler.AdmissionError{Subject: "msft", Reason: scheduler.ReasonCooldown},
		"goog": errors.New("disk on fire"),
	}}
	m := newManager(t, cfg, sched)

	result := m.RunCycle(context.Background())
	if len(result.Submitted) != 2 || result.Skipped != 2 || result.Failed != 2 {
		t.Fatalf("unexpected cycle result %#v", result)
	}
	for _, req := range sched.requests {
		if req.Source != scheduler.SourcePeriodic || req.Subject != "aapl" || req.Train == nil {
			t.Fatalf("unexpected request %#v", req)
		}
	}
	status := m.Status(context.Background())
	if status.LastCycle == nil || status.LastError == "" {
		t.Fatalf("status missing cycle details: %#v", status)
	}
}

func TestRunCycleUsesConfiguredVariants(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithVariant(config.Variant{Name: "gru", Command: "true", Features: 4}))
	cfg.Periodic.Subjects = []string{"aapl"}
	cfg.Periodic.Variants = []string{"gru"}
	sched := &recordingScheduler{}
	m := newManager(t, cfg, sched)

	m.RunCycle(context.Background())
	if len(sched.requests) != 1 || sched.requests[0].Variant != "gru" {
		t.Fatalf("unexpected requests %#v", sched.requests)
	}
}

func TestSubmitManualRejectsUnknownVariant(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	m := newManager(t, cfg, &recordingScheduler{})
	_, err := m.SubmitManual(context.Background(), workflow.ManualRequest{Subject: "aapl", Variant: "transformer"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTrainFuncUnknownVariantIsTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	m := newManager(t, cfg, &recordingScheduler{})
	_, err := m.TrainFunc()(context.Background(), "aapl", "transformer", nil)
	if !errors.Is(err, services.ErrConfiguration) || services.Retryable(err) {
		t.Fatalf("expected terminal configuration error, got %v", err)
	}
}

func TestManualSubmissionTrainsAndPersists(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubTrainer("train.sh", stubOutput))
	store := testsupport.MustOpenAssets(t, cfg)
	history := testsupport.MustOpenHistory(t, cfg)
	sched, err := scheduler.New(context.Background(), scheduler.OptionsFromConfig(cfg), store, history, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	m := newManager(t, cfg, sched)
	id, err := m.SubmitManual(context.Background(), workflow.ManualRequest{Subject: "AAPL", Variant: "lstm"})
	if err != nil {
		t.Fatalf("SubmitManual: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, ok := sched.Job(id)
		if ok && job.State == scheduler.StateCompleted {
			break
		}
		if ok && job.State == scheduler.StateFailed {
			t.Fatalf("job failed: %s", job.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, state %v", job.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ok, err := store.HasTrainedWeights(context.Background(), "aapl", "lstm")
	if err != nil || !ok {
		t.Fatalf("expected persisted weights, got %v %v", ok, err)
	}
	rec, _ := store.LoadAssetData(context.Background(), "aapl")
	if len(rec.Training.History) != 1 || rec.Training.History[0].JobID != id || rec.Training.History[0].Metrics["loss"] != 0.1 {
		t.Fatalf("unexpected training history %#v", rec.Training.History)
	}
	if _, err := m.SubmitManual(context.Background(), workflow.ManualRequest{Subject: "aapl", Variant: "lstm"}); !errors.Is(err, scheduler.ErrAdmissionDenied) {
		t.Fatalf("expected cooldown denial, got %v", err)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	m := newManager(t, cfg, &recordingScheduler{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Status(context.Background()).Running {
		t.Fatal("disabled periodic cycle must not run")
	}
	m.Stop()
}

func TestStartRunsCycleImmediately(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Periodic.Enabled = true
	cfg.Periodic.IntervalMinutes = 60
	cfg.Periodic.Subjects = []string{"aapl"}
	sched := &recordingScheduler{}
	m := newManager(t, cfg, sched)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sched.mu.Lock()
		n := len(sched.requests)
		sched.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run on start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error starting twice")
	}
}
