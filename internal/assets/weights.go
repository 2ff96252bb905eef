package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retrain/internal/logging"
)

// Model is the runtime handle the persistence engine extracts parameters
// from and applies them to.
type Model interface {
	Weights() ([]Tensor, error)
	SetWeights([]Tensor) error
}

// ModelFactory builds and compiles a fresh model for cfg.
type ModelFactory func(cfg ModelConfig) (Model, error)

// Optional model capabilities recorded alongside the weights.
type (
	compiledReporter  interface{ Compiled() bool }
	architectureNamer interface{ Architecture() string }
)

// SaveModelWeights extracts every tensor from model and stores it under
// models[variant] together with cfg.
func (s *Store) SaveModelWeights(ctx context.Context, subject, variant string, model Model, cfg ModelConfig) error {
	if model == nil {
		return fmt.Errorf("save model weights: model is required")
	}
	if variant == "" {
		return fmt.Errorf("save model weights: variant is required")
	}
	tensors, err := model.Weights()
	if err != nil {
		return fmt.Errorf("extract weights for %s/%s: %w", subject, variant, err)
	}
	weights := &Weights{
		Status:  WeightsTrained,
		Tensors: make([]Tensor, len(tensors)),
		Count:   len(tensors),
		SavedAt: s.now().UTC(),
	}
	for i, t := range tensors {
		if got, want := len(t.Data), shapeSize(t.Shape); got != want {
			return fmt.Errorf("tensor %d for %s/%s holds %d values for shape %v", i, subject, variant, got, t.Shape)
		}
		dtype := t.DType
		if dtype == "" {
			dtype = "float32"
		}
		weights.Tensors[i] = Tensor{
			Index: i,
			Data:  append([]float64(nil), t.Data...),
			Shape: append([]int(nil), t.Shape...),
			DType: dtype,
		}
		weights.ParameterCount += len(t.Data)
	}
	if c, ok := model.(compiledReporter); ok {
		weights.Compiled = c.Compiled()
	}
	architecture := ""
	if a, ok := model.(architectureNamer); ok {
		architecture = a.Architecture()
	}

	return s.update(ctx, subject, func(rec *Record) (bool, error) {
		entry := rec.Models[variant]
		if entry == nil {
			entry = &ModelEntry{}
			rec.Models[variant] = entry
		}
		entry.Weights = weights
		entry.Config = cfg
		if architecture != "" {
			entry.Architecture = architecture
		}
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["parameter_count"] = weights.ParameterCount
		entry.Metadata["saved_at"] = weights.SavedAt.Format(time.RFC3339)
		rec.Metadata.TotalModelsSaved++
		return true, nil
	})
}

// ModelWeights returns the stored trained weights for variant when they were
// recorded for the given feature count. It returns ErrNoWeights otherwise.
func (s *Store) ModelWeights(ctx context.Context, subject, variant string, features int) (*Weights, error) {
	rec, err := s.LoadAssetData(ctx, subject)
	if err != nil {
		return nil, err
	}
	entry := rec.Models[variant]
	if !entry.Trained() {
		return nil, fmt.Errorf("%w: %s/%s has no trained weights", ErrNoWeights, subject, variant)
	}
	if entry.Config.Features != features {
		logging.WarnWithContext(s.logger, "stored weights rejected: feature count changed", "weights_feature_mismatch",
			logging.String(logging.FieldSubject, subject),
			logging.String(logging.FieldVariant, variant),
			logging.Int("stored_features", entry.Config.Features),
			logging.Int("requested_features", features),
			logging.String(logging.FieldImpact, "variant must be retrained before it can predict"),
		)
		return nil, fmt.Errorf("%w: %s/%s stored for %d features, requested %d",
			ErrNoWeights, subject, variant, entry.Config.Features, features)
	}
	return entry.Weights, nil
}

// LoadModelWeights rebuilds variant's model for cfg from stored weights. It
// returns false with a nil error when no usable weights exist, including when
// the stored feature count differs from cfg.Features.
func (s *Store) LoadModelWeights(ctx context.Context, subject, variant string, factory ModelFactory, cfg ModelConfig) (Model, bool, error) {
	if factory == nil {
		return nil, false, fmt.Errorf("load model weights: factory is required")
	}
	weights, err := s.ModelWeights(ctx, subject, variant, cfg.Features)
	if err != nil {
		if errors.Is(err, ErrNoWeights) {
			return nil, false, nil
		}
		return nil, false, err
	}
	model, err := factory(cfg)
	if err != nil {
		return nil, false, fmt.Errorf("build model for %s/%s: %w", subject, variant, err)
	}
	tensors := make([]Tensor, len(weights.Tensors))
	for i, t := range weights.Tensors {
		tensors[i] = Tensor{
			Index: t.Index,
			Data:  append([]float64(nil), t.Data...),
			Shape: append([]int(nil), t.Shape...),
			DType: t.DType,
		}
	}
	if err := model.SetWeights(tensors); err != nil {
		return nil, false, fmt.Errorf("apply weights for %s/%s: %w", subject, variant, err)
	}
	return model, true, nil
}

// HasTrainedWeights reports whether variant has real (non-placeholder) weights.
func (s *Store) HasTrainedWeights(ctx context.Context, subject, variant string) (bool, error) {
	rec, err := s.LoadAssetData(ctx, subject)
	if err != nil {
		return false, err
	}
	return rec.Models[variant].Trained(), nil
}
