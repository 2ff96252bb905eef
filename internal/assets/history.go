package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SaveTrainingHistory appends entry to the subject's training log, keeping
// only the most recent training_history_limit sessions.
func (s *Store) SaveTrainingHistory(ctx context.Context, subject string, entry TrainingEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return s.update(ctx, subject, func(rec *Record) (bool, error) {
		rec.Training.History = append(rec.Training.History, entry)
		rec.Training.History = trimTail(rec.Training.History, s.trainingLimit)
		rec.Training.TotalSessions++
		if rec.Training.LastTraining == nil || entry.Timestamp.After(*rec.Training.LastTraining) {
			ts := entry.Timestamp
			rec.Training.LastTraining = &ts
		}
		if entry.DurationSeconds > 0 {
			rec.Metadata.TotalTrainingHours += entry.DurationSeconds / 3600
		}
		return true, nil
	})
}

// SavePredictionHistory appends entry to the subject's prediction log, keeping
// only the most recent prediction_history_limit events.
func (s *Store) SavePredictionHistory(ctx context.Context, subject string, entry PredictionEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return s.update(ctx, subject, func(rec *Record) (bool, error) {
		rec.Predictions.History = append(rec.Predictions.History, entry)
		rec.Predictions.History = trimTail(rec.Predictions.History, s.predictionLimit)
		rec.Predictions.TotalCount++
		if rec.Predictions.LastPrediction == nil || entry.Timestamp.After(*rec.Predictions.LastPrediction) {
			ts := entry.Timestamp
			rec.Predictions.LastPrediction = &ts
		}
		rec.Metadata.TotalPredictionsMade++
		return true, nil
	})
}

// SaveFeatureCache replaces the subject's feature cache. cache must be valid
// JSON; count is the number of feature rows it holds.
func (s *Store) SaveFeatureCache(ctx context.Context, subject string, cache json.RawMessage, count int) error {
	if len(cache) > 0 && !json.Valid(cache) {
		return fmt.Errorf("save feature cache for %s: cache is not valid JSON", subject)
	}
	if count < 0 {
		return fmt.Errorf("save feature cache for %s: negative count", subject)
	}
	now := s.now().UTC()
	return s.update(ctx, subject, func(rec *Record) (bool, error) {
		rec.Features.Cache = append(json.RawMessage(nil), cache...)
		rec.Features.Count = count
		rec.Features.LastExtraction = &now
		rec.Features.Migrated = false
		return true, nil
	})
}

// LoadFeatureCache returns the subject's feature cache and its age. ok is
// false when nothing has been extracted yet.
func (s *Store) LoadFeatureCache(ctx context.Context, subject string) (FeatureCache, time.Duration, bool, error) {
	rec, err := s.LoadAssetData(ctx, subject)
	if err != nil {
		return FeatureCache{}, 0, false, err
	}
	if rec.Features.LastExtraction == nil {
		return FeatureCache{}, 0, false, nil
	}
	return rec.Features, s.now().Sub(*rec.Features.LastExtraction), true, nil
}

func trimTail[T any](entries []T, limit int) []T {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return append([]T(nil), entries[len(entries)-limit:]...)
}
