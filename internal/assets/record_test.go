package assets

import (
	"errors"
	"testing"
	"time"
)

func TestValidateDetectsStructuralProblems(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing subject", func(r *Record) { r.Subject = "" }},
		{"future version", func(r *Record) { r.Version = RecordVersion + 1 }},
		{"missing timestamps", func(r *Record) { r.Metadata.LastUpdated = time.Time{} }},
		{"null model", func(r *Record) { r.Models["lstm"] = nil }},
		{"unknown weight status", func(r *Record) {
			r.Models["lstm"] = &ModelEntry{Weights: &Weights{Status: "partial"}}
		}},
		{"count mismatch", func(r *Record) {
			r.Models["lstm"] = &ModelEntry{Weights: &Weights{Status: WeightsTrained, Count: 2, Tensors: []Tensor{{Data: []float64{1}, Shape: []int{1}}}}}
		}},
		{"shape mismatch", func(r *Record) {
			r.Models["lstm"] = &ModelEntry{Weights: &Weights{Status: WeightsTrained, Count: 1, Tensors: []Tensor{{Data: []float64{1, 2}, Shape: []int{3}}}}}
		}},
		{"training entry without timestamp", func(r *Record) {
			r.Training.History = append(r.Training.History, TrainingEntry{Variant: "lstm"})
		}},
		{"negative counter", func(r *Record) { r.Predictions.TotalCount = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecord("aapl", now)
			tt.mutate(rec)
			if err := rec.Validate(); !errors.Is(err, ErrStorageCorruption) {
				t.Fatalf("expected corruption error, got %v", err)
			}
		})
	}
}

func TestValidateAcceptsPlaceholderWeights(t *testing.T) {
	rec := NewRecord("aapl", time.Now())
	rec.Models["lstm"] = &ModelEntry{Weights: &Weights{Status: WeightsPlaceholder, OriginalFiles: []string{"a.bin"}}}
	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeUpgradesVersionOne(t *testing.T) {
	doc := []byte(`{"subject":"aapl","version":1,"metadata":{"created_at":"2025-01-02T03:04:05Z"}}`)
	rec, err := decodeRecord(doc)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if rec.Version != RecordVersion {
		t.Fatalf("expected upgrade to %d, got %d", RecordVersion, rec.Version)
	}
	if !rec.Metadata.LastUpdated.Equal(rec.Metadata.CreatedAt) {
		t.Fatalf("expected last_updated backfilled, got %v", rec.Metadata.LastUpdated)
	}
	if rec.Models == nil || rec.Training.History == nil {
		t.Fatal("expected collections initialized")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := decodeRecord([]byte("not json")); !errors.Is(err, ErrStorageCorruption) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}
