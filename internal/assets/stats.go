package assets

import (
	"context"
	"os"
	"time"
)

// SubjectStats describes one consolidated document.
type SubjectStats struct {
	Subject       string    `json:"subject"`
	Bytes         int64     `json:"bytes"`
	Models        int       `json:"models"`
	TrainedModels int       `json:"trained_models"`
	TrainingRuns  int       `json:"training_runs"`
	Predictions   int       `json:"predictions"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// Stats summarizes the assets directory.
type Stats struct {
	Dir           string         `json:"dir"`
	Documents     int            `json:"documents"`
	TotalBytes    int64          `json:"total_bytes"`
	CachedEntries int            `json:"cached_entries"`
	FreeBytes     uint64         `json:"free_bytes"`
	Subjects      []SubjectStats `json:"subjects"`
}

// StorageStats scans every document. Documents that fail to load are counted
// by size only.
func (s *Store) StorageStats(ctx context.Context) (Stats, error) {
	stats := Stats{Dir: s.dir, CachedEntries: s.cache.Count()}
	keys, err := s.documentKeys()
	if err != nil {
		return stats, err
	}
	for _, key := range keys {
		info, err := os.Stat(s.documentPath(key))
		if err != nil {
			continue
		}
		subject := SubjectStats{Subject: key, Bytes: info.Size(), ModifiedAt: info.ModTime().UTC()}
		if rec, err := s.LoadAssetData(ctx, key); err == nil {
			subject.Models = len(rec.Models)
			for _, entry := range rec.Models {
				if entry.Weights != nil && entry.Weights.Status == WeightsTrained {
					subject.TrainedModels++
				}
			}
			subject.TrainingRuns = rec.Training.TotalSessions
			subject.Predictions = rec.Predictions.TotalCount
		}
		stats.Documents++
		stats.TotalBytes += subject.Bytes
		stats.Subjects = append(stats.Subjects, subject)
	}
	if free, err := freeBytes(s.dir); err == nil {
		stats.FreeBytes = free
	}
	return stats, nil
}
