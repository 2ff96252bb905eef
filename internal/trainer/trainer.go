package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/logging"
	"retrain/internal/services"
)

// Option configures a Trainer.
type Option func(*Trainer)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(t *Trainer) {
		if exec != nil {
			t.exec = exec
		}
	}
}

// Trainer runs one variant's training command.
type Trainer struct {
	variant config.Variant
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
}

// New constructs a Trainer for v.
func New(v config.Variant, logger *slog.Logger, opts ...Option) (*Trainer, error) {
	if strings.TrimSpace(v.Command) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "trainer", "new", fmt.Sprintf("variant %q has no command", v.Name), nil)
	}
	t := &Trainer{
		variant: v,
		timeout: time.Duration(v.TimeoutSeconds) * time.Second,
		exec:    commandExecutor{},
		logger:  logging.NewComponentLogger(logger, "trainer").With(logging.String(logging.FieldVariant, v.Name)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Variant returns the variant name.
func (t *Trainer) Variant() string {
	return t.variant.Name
}

// ModelConfig is the configuration a run with params produces weights for.
// A "features" param overrides the variant's feature count.
func (t *Trainer) ModelConfig(params map[string]any) assets.ModelConfig {
	cfg := assets.ModelConfig{Features: t.variant.Features}
	for k, v := range params {
		if k == "features" {
			if n, ok := toInt(v); ok && n > 0 {
				cfg.Features = n
			}
			continue
		}
		if cfg.Params == nil {
			cfg.Params = map[string]any{}
		}
		cfg.Params[k] = v
	}
	return cfg
}

// output is the trainer's stdout document.
type output struct {
	Tensors      []assets.Tensor    `json:"tensors"`
	Metrics      map[string]float64 `json:"metrics"`
	Architecture string             `json:"architecture"`
	Compiled     *bool              `json:"compiled"`
}

// Train runs the command for subject and returns the trained model and its
// reported metrics.
func (t *Trainer) Train(ctx context.Context, subject string, params map[string]any) (*TensorModel, map[string]float64, error) {
	cfg := t.ModelConfig(params)
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, nil, services.Wrap(services.ErrValidation, "trainer", "params", "params are not JSON encodable", err)
	}
	env := []string{
		"RETRAIN_SUBJECT=" + subject,
		"RETRAIN_VARIANT=" + t.variant.Name,
		"RETRAIN_FEATURES=" + strconv.Itoa(cfg.Features),
		"RETRAIN_PARAMS=" + string(encoded),
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	logger := logging.WithContext(ctx, t.logger)
	logger.Debug("launching trainer",
		logging.String("command", t.variant.Command),
		logging.Int("features", cfg.Features),
	)
	start := time.Now()
	stdout, err := t.exec.Run(runCtx, t.variant.Command, t.variant.Args, env, func(line string) {
		logger.Debug(line, logging.String(logging.FieldEventType, "trainer_stderr"))
	})
	if err != nil {
		return nil, nil, t.classify(ctx, runCtx, err)
	}

	var out output
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, nil, services.Wrap(services.ErrExternalTool, "trainer", "decode output", "trainer printed malformed JSON", err)
	}
	if len(out.Tensors) == 0 {
		return nil, nil, services.Wrap(services.ErrExternalTool, "trainer", "decode output", "trainer returned no tensors", nil)
	}
	model := NewTensorModel(cfg.Features)
	if err := model.SetWeights(out.Tensors); err != nil {
		return nil, nil, services.Wrap(services.ErrExternalTool, "trainer", "decode output", "invalid tensor", err)
	}
	model.architecture = out.Architecture
	if out.Compiled != nil {
		model.compiled = *out.Compiled
	}

	logger.Info("trainer finished",
		logging.Duration("elapsed", time.Since(start)),
		logging.Int("tensors", len(out.Tensors)),
		logging.Int("parameters", model.ParameterCount()),
		logging.String(logging.FieldEventType, "trainer_finished"),
	)
	return model, out.Metrics, nil
}

func (t *Trainer) classify(parent, runCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("trainer %s: %w", t.variant.Name, parent.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "trainer", "run", fmt.Sprintf("exceeded %s", t.timeout), err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return services.Wrap(services.ErrConfiguration, "trainer", "run", fmt.Sprintf("command %q not found", t.variant.Command), err)
	default:
		return services.Wrap(services.ErrExternalTool, "trainer", "run", "training command failed", err)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// Registry holds one Trainer per configured variant.
type Registry struct {
	trainers map[string]*Trainer
}

// NewRegistry builds trainers for every configured variant.
func NewRegistry(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{trainers: make(map[string]*Trainer, len(cfg.Variants))}
	for _, v := range cfg.Variants {
		t, err := New(v, logger, opts...)
		if err != nil {
			return nil, err
		}
		r.trainers[v.Name] = t
	}
	return r, nil
}

// Lookup returns the trainer for variant.
func (r *Registry) Lookup(variant string) (*Trainer, bool) {
	t, ok := r.trainers[strings.ToLower(strings.TrimSpace(variant))]
	return t, ok
}

// Variants lists the registered variant names in order.
func (r *Registry) Variants() []string {
	names := make([]string, 0, len(r.trainers))
	for name := range r.trainers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
