package assets

import (
	"context"
	"os"
	"sort"
	"time"

	"retrain/internal/logging"
)

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	Scanned            int      `json:"scanned"`
	Rewritten          int      `json:"rewritten"`
	TrainingDropped    int      `json:"training_dropped"`
	PredictionsDropped int      `json:"predictions_dropped"`
	Errors             []string `json:"errors,omitempty"`
}

// Cleanup applies age-based retention to every document. Prediction entries
// older than the cutoff are dropped. Training entries newer than the cutoff
// are always kept, and of the older ones the cleanup_keep_training most recent
// survive.
// Only documents that changed are rewritten. maxAgeHours <= 0 uses the
// configured default.
func (s *Store) Cleanup(ctx context.Context, maxAgeHours int) (CleanupResult, error) {
	var result CleanupResult
	if maxAgeHours <= 0 {
		maxAgeHours = s.maxAgeHours
	}
	keys, err := s.documentKeys()
	if err != nil {
		return result, err
	}
	cutoff := s.now().Add(-time.Duration(maxAgeHours) * time.Hour)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		var droppedTraining, droppedPredictions int
		err := s.update(ctx, key, func(rec *Record) (bool, error) {
			droppedTraining = pruneTraining(rec, cutoff, s.keepTraining)
			droppedPredictions = prunePredictions(rec, cutoff)
			return droppedTraining+droppedPredictions > 0, nil
		})
		if err != nil {
			result.Errors = append(result.Errors, key+": "+err.Error())
			logging.WarnWithContext(s.logger, "cleanup skipped document", "asset_cleanup_failed",
				logging.String(logging.FieldSubject, key),
				logging.Error(err),
				logging.String(logging.FieldImpact, "document keeps expired history until the next cleanup"),
			)
			continue
		}
		if droppedTraining+droppedPredictions > 0 {
			result.Rewritten++
			result.TrainingDropped += droppedTraining
			result.PredictionsDropped += droppedPredictions
		}
	}

	s.logger.Info("asset cleanup finished",
		logging.Int("scanned", result.Scanned),
		logging.Int("rewritten", result.Rewritten),
		logging.Int("training_dropped", result.TrainingDropped),
		logging.Int("predictions_dropped", result.PredictionsDropped),
		logging.Int("max_age_hours", maxAgeHours),
		logging.String(logging.FieldEventType, "asset_cleanup"),
	)
	return result, nil
}

// pruneTraining keeps every entry newer than cutoff plus the keep most recent
// of the older ones, preserving chronological order.
func pruneTraining(rec *Record, cutoff time.Time, keep int) int {
	history := rec.Training.History
	var old []int
	for i, entry := range history {
		if !entry.Timestamp.After(cutoff) {
			old = append(old, i)
		}
	}
	if len(old) <= keep {
		return 0
	}
	sort.SliceStable(old, func(a, b int) bool {
		return history[old[a]].Timestamp.After(history[old[b]].Timestamp)
	})
	drop := make(map[int]bool, len(old)-keep)
	for _, idx := range old[keep:] {
		drop[idx] = true
	}
	kept := make([]TrainingEntry, 0, len(history)-len(drop))
	for i, entry := range history {
		if !drop[i] {
			kept = append(kept, entry)
		}
	}
	rec.Training.History = kept
	return len(drop)
}

func prunePredictions(rec *Record, cutoff time.Time) int {
	history := rec.Predictions.History
	kept := make([]PredictionEntry, 0, len(history))
	for _, entry := range history {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	dropped := len(history) - len(kept)
	if dropped > 0 {
		rec.Predictions.History = kept
	}
	return dropped
}

// documentKeys lists the subject keys of every consolidated document.
func (s *Store) documentKeys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := subjectFromFilename(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
