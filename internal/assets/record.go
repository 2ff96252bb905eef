package assets

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecordVersion is the current document schema version. Version 1 documents
// predate Metadata.LastUpdated and are upgraded on read.
const RecordVersion = 2

// Weight status values.
const (
	WeightsTrained     = "trained"
	WeightsPlaceholder = "placeholder"
)

var (
	// ErrStorageWrite reports a failed atomic write. The previous document
	// has already been restored when this is returned.
	ErrStorageWrite = errors.New("storage write failed")
	// ErrStorageCorruption reports a document that failed to parse or validate.
	ErrStorageCorruption = errors.New("storage document corrupt")
	// ErrNoWeights reports that no usable weights exist for the requested
	// variant and feature count.
	ErrNoWeights = errors.New("no usable weights")
)

// Record is the consolidated on-disk document for one subject.
type Record struct {
	Subject     string                 `json:"subject"`
	Version     int                    `json:"version"`
	Models      map[string]*ModelEntry `json:"models"`
	Training    TrainingLog            `json:"training"`
	Predictions PredictionLog          `json:"predictions"`
	Features    FeatureCache           `json:"features"`
	Metadata    Metadata               `json:"metadata"`
}

// ModelEntry holds one variant's persisted parameters and configuration.
type ModelEntry struct {
	Weights      *Weights       `json:"weights,omitempty"`
	Config       ModelConfig    `json:"config"`
	Architecture string         `json:"architecture,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Trained reports whether the entry holds real (non-placeholder) weights.
func (e *ModelEntry) Trained() bool {
	return e != nil && e.Weights != nil && e.Weights.Status == WeightsTrained && len(e.Weights.Tensors) > 0
}

// ModelConfig is the runtime configuration a model was built with. Weights
// are only valid for the recorded feature count.
type ModelConfig struct {
	Features int            `json:"features"`
	Params   map[string]any `json:"params,omitempty"`
}

// Weights is the ordered tensor list for one variant plus derived metadata.
// Placeholder weights come from legacy migration and carry no tensors.
type Weights struct {
	Status         string    `json:"status"`
	Tensors        []Tensor  `json:"tensors,omitempty"`
	Count          int       `json:"count"`
	ParameterCount int       `json:"parameter_count"`
	Compiled       bool      `json:"compiled"`
	SavedAt        time.Time `json:"saved_at"`
	OriginalFiles  []string  `json:"original_files,omitempty"`
	Migrated       bool      `json:"migrated,omitempty"`
}

// Tensor is one flattened parameter tensor.
type Tensor struct {
	Index int       `json:"index"`
	Data  []float64 `json:"data"`
	Shape []int     `json:"shape"`
	DType string    `json:"dtype"`
}

// TrainingLog is the bounded training history.
type TrainingLog struct {
	History       []TrainingEntry `json:"history"`
	LastTraining  *time.Time      `json:"last_training,omitempty"`
	TotalSessions int             `json:"total_sessions"`
}

// TrainingEntry records one training session.
type TrainingEntry struct {
	Timestamp       time.Time          `json:"timestamp"`
	Variant         string             `json:"variant,omitempty"`
	JobID           string             `json:"job_id,omitempty"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Attempts        int                `json:"attempts,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Migrated        bool               `json:"migrated,omitempty"`
	Legacy          json.RawMessage    `json:"legacy,omitempty"`
}

// PredictionLog is the bounded prediction history.
type PredictionLog struct {
	History        []PredictionEntry `json:"history"`
	LastPrediction *time.Time        `json:"last_prediction,omitempty"`
	TotalCount     int               `json:"total_count"`
}

// PredictionEntry records one prediction event.
type PredictionEntry struct {
	Timestamp  time.Time          `json:"timestamp"`
	Variant    string             `json:"variant,omitempty"`
	Value      float64            `json:"value"`
	Confidence float64            `json:"confidence,omitempty"`
	Inputs     map[string]float64 `json:"inputs,omitempty"`
	Migrated   bool               `json:"migrated,omitempty"`
	Legacy     json.RawMessage    `json:"legacy,omitempty"`
}

// FeatureCache holds the most recent feature extraction verbatim.
type FeatureCache struct {
	Cache          json.RawMessage `json:"cache,omitempty"`
	LastExtraction *time.Time      `json:"last_extraction,omitempty"`
	Count          int             `json:"count"`
	Migrated       bool            `json:"migrated,omitempty"`
}

// Metadata carries document-level counters.
type Metadata struct {
	CreatedAt            time.Time `json:"created_at"`
	LastUpdated          time.Time `json:"last_updated"`
	TotalModelsSaved     int       `json:"total_models_saved"`
	TotalPredictionsMade int       `json:"total_predictions_made"`
	TotalTrainingHours   float64   `json:"total_training_hours"`

	// MigratedSources is keyed by legacy file path relative to the legacy
	// root.
	MigratedSources map[string]MigratedSource `json:"migrated_sources,omitempty"`
}

// MigratedSource records one legacy file folded into the record. Through is
// the newest entry timestamp taken from it; older entries are never merged
// again even after the bounded history has dropped them.
type MigratedSource struct {
	SHA256     string     `json:"sha256"`
	Through    *time.Time `json:"through,omitempty"`
	MigratedAt time.Time  `json:"migrated_at"`
}

// NewRecord returns an empty record for subject stamped at now.
func NewRecord(subject string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		Subject:     subject,
		Version:     RecordVersion,
		Models:      map[string]*ModelEntry{},
		Training:    TrainingLog{History: []TrainingEntry{}},
		Predictions: PredictionLog{History: []PredictionEntry{}},
		Metadata:    Metadata{CreatedAt: now, LastUpdated: now},
	}
}

// Validate performs structural validation of a decoded document.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty document", ErrStorageCorruption)
	}
	if r.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrStorageCorruption)
	}
	if r.Version < 1 || r.Version > RecordVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrStorageCorruption, r.Version)
	}
	if r.Metadata.CreatedAt.IsZero() || r.Metadata.LastUpdated.IsZero() {
		return fmt.Errorf("%w: missing metadata timestamps", ErrStorageCorruption)
	}
	if r.Training.TotalSessions < 0 || r.Predictions.TotalCount < 0 || r.Features.Count < 0 {
		return fmt.Errorf("%w: negative counters", ErrStorageCorruption)
	}
	for variant, entry := range r.Models {
		if entry == nil {
			return fmt.Errorf("%w: model %q is null", ErrStorageCorruption, variant)
		}
		if err := entry.Weights.validate(); err != nil {
			return fmt.Errorf("%w: model %q: %v", ErrStorageCorruption, variant, err)
		}
	}
	for i, entry := range r.Training.History {
		if entry.Timestamp.IsZero() {
			return fmt.Errorf("%w: training entry %d missing timestamp", ErrStorageCorruption, i)
		}
	}
	for i, entry := range r.Predictions.History {
		if entry.Timestamp.IsZero() {
			return fmt.Errorf("%w: prediction entry %d missing timestamp", ErrStorageCorruption, i)
		}
	}
	return nil
}

func (w *Weights) validate() error {
	if w == nil {
		return nil
	}
	switch w.Status {
	case WeightsPlaceholder:
		return nil
	case WeightsTrained:
	default:
		return fmt.Errorf("unknown weight status %q", w.Status)
	}
	if w.Count != len(w.Tensors) {
		return fmt.Errorf("tensor count %d does not match %d tensors", w.Count, len(w.Tensors))
	}
	for i, t := range w.Tensors {
		if t.Index != i {
			return fmt.Errorf("tensor %d has index %d", i, t.Index)
		}
		if got, want := len(t.Data), shapeSize(t.Shape); got != want {
			return fmt.Errorf("tensor %d holds %d values for shape %v", i, got, t.Shape)
		}
	}
	return nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return -1
		}
		size *= dim
	}
	return size
}

// upgrade brings older document versions to RecordVersion in place.
func (r *Record) upgrade() {
	if r.Version == 1 && r.Metadata.LastUpdated.IsZero() {
		r.Metadata.LastUpdated = r.Metadata.CreatedAt
	}
	r.normalize()
	r.Version = RecordVersion
}

func (r *Record) normalize() {
	if r.Models == nil {
		r.Models = map[string]*ModelEntry{}
	}
	if r.Training.History == nil {
		r.Training.History = []TrainingEntry{}
	}
	if r.Predictions.History == nil {
		r.Predictions.History = []PredictionEntry{}
	}
}

// decodeRecord parses and validates a document.
func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
	}
	if rec.Version == 1 {
		rec.upgrade()
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.normalize()
	return &rec, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	out.normalize()
	return &out
}
