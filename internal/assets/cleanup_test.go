package assets

import (
	"context"
	"testing"
	"time"
)

func TestCleanupRetainsRecentTrainingRegardlessOfAge(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newTestStore(t)
	store.now = clock.Now
	ctx := context.Background()

	rec := NewRecord("aapl", now.Add(-60*24*time.Hour))
	// 12 entries older than the 168h cutoff, then 3 newer ones.
	for i := 0; i < 12; i++ {
		rec.Training.History = append(rec.Training.History, TrainingEntry{
			Timestamp: now.Add(-time.Duration(30-i) * 24 * time.Hour),
			JobID:     "old",
		})
	}
	for i := 0; i < 3; i++ {
		rec.Training.History = append(rec.Training.History, TrainingEntry{
			Timestamp: now.Add(-time.Duration(3-i) * time.Hour),
			JobID:     "new",
		})
	}
	rec.Training.TotalSessions = 15
	rec.Predictions.History = []PredictionEntry{
		{Timestamp: now.Add(-200 * time.Hour), Value: 1},
		{Timestamp: now.Add(-time.Hour), Value: 2},
	}
	if err := store.SaveAssetData(ctx, "aapl", rec); err != nil {
		t.Fatalf("SaveAssetData: %v", err)
	}

	untouched := NewRecord("msft", now)
	untouched.Training.History = []TrainingEntry{{Timestamp: now.Add(-time.Hour)}}
	if err := store.SaveAssetData(ctx, "msft", untouched); err != nil {
		t.Fatalf("SaveAssetData: %v", err)
	}

	result, err := store.Cleanup(ctx, 168)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if result.Scanned != 2 || result.Rewritten != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.TrainingDropped != 2 || result.PredictionsDropped != 1 {
		t.Fatalf("unexpected drop counts %#v", result)
	}

	got, err := store.LoadAssetData(ctx, "aapl")
	if err != nil {
		t.Fatal(err)
	}
	history := got.Training.History
	if len(history) != 13 {
		t.Fatalf("expected 13 retained sessions, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatal("retained history lost chronological order")
		}
	}
	newCount := 0
	for _, e := range history {
		if e.JobID == "new" {
			newCount++
		}
	}
	if newCount != 3 {
		t.Fatalf("expected all 3 recent sessions kept, got %d", newCount)
	}
	if !history[0].Timestamp.Equal(now.Add(-28 * 24 * time.Hour)) {
		t.Fatalf("expected the 2 oldest sessions dropped, first kept is %v", history[0].Timestamp)
	}
	if got.Training.TotalSessions != 15 {
		t.Fatalf("cleanup must not reset counters, got %d", got.Training.TotalSessions)
	}
	if len(got.Predictions.History) != 1 || got.Predictions.History[0].Value != 2 {
		t.Fatalf("unexpected predictions %#v", got.Predictions.History)
	}
}

func TestCleanupKeepsAllWhenFewerThanKeepCount(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord("x", now)
	for i := 0; i < 4; i++ {
		rec.Training.History = append(rec.Training.History, TrainingEntry{Timestamp: now.Add(-time.Duration(1000+i) * time.Hour)})
	}
	if dropped := pruneTraining(rec, now.Add(-time.Hour), 10); dropped != 0 {
		t.Fatalf("expected nothing dropped, got %d", dropped)
	}
}

func TestPruneTrainingKeepsEverythingInsideWindow(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord("x", now)
	for i := 0; i < 20; i++ {
		rec.Training.History = append(rec.Training.History, TrainingEntry{Timestamp: now.Add(-time.Duration(20-i) * time.Minute)})
	}
	if dropped := pruneTraining(rec, now.Add(-time.Hour), 10); dropped != 0 {
		t.Fatalf("entries newer than the cutoff must survive, dropped %d", dropped)
	}
}
