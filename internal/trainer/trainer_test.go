package trainer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/logging"
	"retrain/internal/services"
	"retrain/internal/testsupport"
	"retrain/internal/trainer"
)

type stubExecutor struct {
	stdout string
	err    error
	env    []string
	args   []string
}

func (s *stubExecutor) Run(ctx context.Context, binary string, args, env []string, onStderr func(string)) ([]byte, error) {
	s.args = append([]string(nil), args...)
	s.env = append([]string(nil), env...)
	onStderr("epoch 1/1")
	return []byte(s.stdout), s.err
}

const twoTensorOutput = `{"tensors":[{"data":[1,2,3,4],"shape":[2,2]},{"data":[0.5,0.5],"shape":[2],"dtype":"float64"}],"metrics":{"loss":0.25},"architecture":"lstm-test"}`

func TestTrainRunsCommandAndParsesTensors(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubTrainer("train.sh",
		`echo "{\"tensors\":[{\"data\":[1,2,3,4],\"shape\":[2,2]}],\"metrics\":{\"loss\":0.5},\"architecture\":\"$RETRAIN_SUBJECT-$RETRAIN_VARIANT-$RETRAIN_FEATURES\"}"`))
	registry, err := trainer.NewRegistry(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tr, ok := registry.Lookup("LSTM")
	if !ok {
		t.Fatal("lstm trainer not registered")
	}

	model, metrics, err := tr.Train(context.Background(), "aapl", nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if model.Architecture() != "aapl-lstm-8" {
		t.Fatalf("environment not passed through, architecture=%q", model.Architecture())
	}
	if metrics["loss"] != 0.5 || model.ParameterCount() != 4 || !model.Compiled() {
		t.Fatalf("unexpected result metrics=%v params=%d", metrics, model.ParameterCount())
	}
}

func TestTrainPassesParamsAndFeatureOverride(t *testing.T) {
	exec := &stubExecutor{stdout: twoTensorOutput}
	tr, err := trainer.New(config.Variant{Name: "gru", Command: "gru-train", Args: []string{"--fast"}, Features: 8}, logging.NewNop(), trainer.WithExecutor(exec))
	if err != nil {
		t.Fatal(err)
	}
	params := map[string]any{"features": float64(12), "epochs": 3}
	model, _, err := tr.Train(context.Background(), "msft", params)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if model.Features() != 12 {
		t.Fatalf("expected feature override, got %d", model.Features())
	}
	env := strings.Join(exec.env, " ")
	for _, want := range []string{"RETRAIN_SUBJECT=msft", "RETRAIN_VARIANT=gru", "RETRAIN_FEATURES=12", `"epochs":3`} {
		if !strings.Contains(env, want) {
			t.Fatalf("env %q missing %q", env, want)
		}
	}
	if len(exec.args) != 1 || exec.args[0] != "--fast" {
		t.Fatalf("unexpected args %v", exec.args)
	}
	cfg := tr.ModelConfig(params)
	if cfg.Features != 12 || cfg.Params["epochs"] != 3 {
		t.Fatalf("unexpected model config %#v", cfg)
	}
	tensors, _ := model.Weights()
	if len(tensors) != 2 || tensors[1].Index != 1 || tensors[1].DType != "float64" {
		t.Fatalf("unexpected tensors %#v", tensors)
	}
}

func TestTrainErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		exec   *stubExecutor
		marker error
	}{
		{"command failure", &stubExecutor{err: errors.New("exit status 1")}, services.ErrExternalTool},
		{"malformed output", &stubExecutor{stdout: "not json"}, services.ErrExternalTool},
		{"no tensors", &stubExecutor{stdout: `{"tensors":[]}`}, services.ErrExternalTool},
		{"bad shape", &stubExecutor{stdout: `{"tensors":[{"data":[1,2,3],"shape":[2,2]}]}`}, services.ErrExternalTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := trainer.New(config.Variant{Name: "lstm", Command: "x", Features: 2}, logging.NewNop(), trainer.WithExecutor(tt.exec))
			_, _, err := tr.Train(context.Background(), "aapl", nil)
			if !errors.Is(err, tt.marker) {
				t.Fatalf("expected %v, got %v", tt.marker, err)
			}
			if !services.Retryable(err) {
				t.Fatal("trainer failures should be retryable")
			}
		})
	}
}

func TestTrainMissingCommandIsTerminal(t *testing.T) {
	tr, err := trainer.New(config.Variant{Name: "lstm", Command: "/nonexistent/retrain-trainer", Features: 2}, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = tr.Train(context.Background(), "aapl", nil)
	if err == nil || services.Retryable(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestTrainTimeoutAndCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubTrainer("slow.sh", "exec sleep 5"))
	v, _ := cfg.Variant("lstm")
	v.TimeoutSeconds = 1
	tr, err := trainer.New(v, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, _, err = tr.Train(context.Background(), "aapl", nil)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout did not stop the command")
	}

	v.TimeoutSeconds = 0
	tr, _ = trainer.New(v, logging.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = tr.Train(ctx, "aapl", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline to surface, got %v", err)
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := trainer.New(config.Variant{Name: "lstm"}, logging.NewNop()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFactoryRoundTripsThroughStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenAssets(t, cfg)
	tr, _ := trainer.New(config.Variant{Name: "lstm", Command: "x", Features: 4}, logging.NewNop(), trainer.WithExecutor(&stubExecutor{stdout: twoTensorOutput}))
	model, _, err := tr.Train(context.Background(), "aapl", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.SaveModelWeights(ctx, "aapl", "lstm", model, tr.ModelConfig(nil)); err != nil {
		t.Fatal(err)
	}
	loaded, ok, err := store.LoadModelWeights(ctx, "aapl", "lstm", trainer.Factory, assets.ModelConfig{Features: 4})
	if err != nil || !ok {
		t.Fatalf("LoadModelWeights = %v, %v", ok, err)
	}
	restored := loaded.(*trainer.TensorModel)
	if restored.ParameterCount() != model.ParameterCount() {
		t.Fatalf("parameter count %d, want %d", restored.ParameterCount(), model.ParameterCount())
	}

	if _, ok, _ := store.LoadModelWeights(ctx, "aapl", "lstm", trainer.Factory, assets.ModelConfig{Features: 5}); ok {
		t.Fatal("feature mismatch must not load weights")
	}
}
