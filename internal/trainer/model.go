package trainer

import (
	"fmt"

	"retrain/internal/assets"
)

// TensorModel is a trained parameter set held in memory.
type TensorModel struct {
	features     int
	architecture string
	compiled     bool
	tensors      []assets.Tensor
}

// NewTensorModel returns an empty model for the given feature count.
func NewTensorModel(features int) *TensorModel {
	return &TensorModel{features: features}
}

// Factory builds empty models for assets.Store.LoadModelWeights.
func Factory(cfg assets.ModelConfig) (assets.Model, error) {
	if cfg.Features <= 0 {
		return nil, fmt.Errorf("model config requires a positive feature count, got %d", cfg.Features)
	}
	return NewTensorModel(cfg.Features), nil
}

// Weights returns a copy of the model's tensors.
func (m *TensorModel) Weights() ([]assets.Tensor, error) {
	return cloneTensors(m.tensors), nil
}

// SetWeights replaces the model's tensors after checking each shape.
func (m *TensorModel) SetWeights(tensors []assets.Tensor) error {
	for i, t := range tensors {
		size := 1
		for _, d := range t.Shape {
			if d <= 0 {
				return fmt.Errorf("tensor %d has invalid dimension %d", i, d)
			}
			size *= d
		}
		if len(t.Data) != size {
			return fmt.Errorf("tensor %d holds %d values for shape %v", i, len(t.Data), t.Shape)
		}
	}
	m.tensors = cloneTensors(tensors)
	m.compiled = true
	return nil
}

// Features is the input width the model was built for.
func (m *TensorModel) Features() int { return m.features }

// Compiled reports whether the model holds usable parameters.
func (m *TensorModel) Compiled() bool { return m.compiled }

// Architecture is the trainer-reported architecture label.
func (m *TensorModel) Architecture() string { return m.architecture }

// ParameterCount sums the tensor sizes.
func (m *TensorModel) ParameterCount() int {
	n := 0
	for _, t := range m.tensors {
		n += len(t.Data)
	}
	return n
}

func cloneTensors(in []assets.Tensor) []assets.Tensor {
	if in == nil {
		return nil
	}
	out := make([]assets.Tensor, len(in))
	for i, t := range in {
		out[i] = assets.Tensor{
			Index: i,
			Data:  append([]float64(nil), t.Data...),
			Shape: append([]int(nil), t.Shape...),
			DType: t.DType,
		}
	}
	return out
}
