package assets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"retrain/internal/config"
	"retrain/internal/logging"
)

func newTestStore(t *testing.T, mutate ...func(*config.Config)) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.LogDir = filepath.Join(cfg.Paths.DataDir, "logs")
	for _, fn := range mutate {
		fn(&cfg)
	}
	store, err := NewStore(&cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLoadCreatesEmptyRecord(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.LoadAssetData(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if rec.Subject != "AAPL" || rec.Version != RecordVersion {
		t.Fatalf("unexpected record %#v", rec)
	}
	if len(rec.Models) != 0 || len(rec.Training.History) != 0 {
		t.Fatalf("expected empty record, got %#v", rec)
	}
	if _, err := os.Stat(store.documentPath("aapl")); !os.IsNotExist(err) {
		t.Fatalf("empty record should not be written on read, err=%v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := NewRecord("BTC/USDT", time.Now())
	rec.Models["lstm"] = &ModelEntry{Config: ModelConfig{Features: 4}, Architecture: "lstm-2x64"}
	if err := store.SaveAssetData(ctx, "BTC/USDT", rec); err != nil {
		t.Fatalf("SaveAssetData: %v", err)
	}

	path := filepath.Join(store.Dir(), "btc-usdt_complete.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected document at %s: %v", path, err)
	}
	for _, suffix := range []string{tmpSuffix, backupSuffix} {
		if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
			t.Fatalf("expected no %s file after write, err=%v", suffix, err)
		}
	}

	loaded, err := store.LoadAssetData(ctx, "btc/usdt")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if loaded.Models["lstm"] == nil || loaded.Models["lstm"].Architecture != "lstm-2x64" {
		t.Fatalf("unexpected models %#v", loaded.Models)
	}

	loaded.Models["gru"] = &ModelEntry{}
	again, err := store.LoadAssetData(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if _, ok := again.Models["gru"]; ok {
		t.Fatal("mutating a loaded record must not leak into the cache")
	}
}

func TestCrashBetweenTmpWriteAndRenameLeavesDocumentUnchanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "lstm"}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}
	path := store.documentPath("aapl")
	original, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	simulated := errors.New("simulated crash")
	store.beforeRename = func(string) error { return simulated }
	err = store.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "gru"})
	if !errors.Is(err, ErrStorageWrite) || !errors.Is(err, simulated) {
		t.Fatalf("expected wrapped storage write error, got %v", err)
	}
	store.beforeRename = nil

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(original, after) {
		t.Fatal("document changed after failed write")
	}
	for _, suffix := range []string{tmpSuffix, backupSuffix} {
		if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
			t.Fatalf("expected %s cleaned up, err=%v", suffix, err)
		}
	}

	rec, err := store.LoadAssetData(ctx, "aapl")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if len(rec.Training.History) != 1 || rec.Training.History[0].Variant != "lstm" {
		t.Fatalf("expected pre-write history, got %#v", rec.Training.History)
	}
}

func TestProcessCrashLeavesStaleTmpAndBackup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "lstm"}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}
	path := store.documentPath("aapl")
	original, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// A process killed after step 2 leaves a backup and a tmp file behind.
	if err := os.WriteFile(path+backupSuffix, original, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+tmpSuffix, []byte(`{"subject":"aapl","version":2,"trunc`), 0o644); err != nil {
		t.Fatal(err)
	}

	restarted := newTestStore(t, func(cfg *config.Config) { cfg.Paths.DataDir = filepath.Dir(store.Dir()) })
	rec, err := restarted.LoadAssetData(ctx, "aapl")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if len(rec.Training.History) != 1 {
		t.Fatalf("unexpected history %#v", rec.Training.History)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(original, after) {
		t.Fatal("document changed after restart")
	}

	if err := restarted.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "gru"}); err != nil {
		t.Fatalf("write after crash: %v", err)
	}
	if _, err := os.Stat(path + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("stale tmp should be replaced and renamed, err=%v", err)
	}
}

func TestReadRecoversFromBackup(t *testing.T) {
	store := newTestStore(t, func(cfg *config.Config) { cfg.Storage.EnableCache = false })
	ctx := context.Background()
	if err := store.SaveTrainingHistory(ctx, "eth", TrainingEntry{Variant: "lstm"}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}
	path := store.documentPath("eth")
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+backupSuffix, good, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := store.LoadAssetData(ctx, "eth")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if len(rec.Training.History) != 1 {
		t.Fatalf("expected history recovered from backup, got %#v", rec.Training.History)
	}
	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(good, restored) {
		t.Fatal("expected document rewritten from backup")
	}
	if _, err := os.Stat(path + backupSuffix); !os.IsNotExist(err) {
		t.Fatalf("expected backup consumed, err=%v", err)
	}
}

func TestMissingDocumentWithBackupRecovers(t *testing.T) {
	store := newTestStore(t, func(cfg *config.Config) { cfg.Storage.EnableCache = false })
	ctx := context.Background()
	if err := store.SaveTrainingHistory(ctx, "eth", TrainingEntry{Variant: "lstm"}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}
	path := store.documentPath("eth")
	if err := os.Rename(path, path+backupSuffix); err != nil {
		t.Fatal(err)
	}
	rec, err := store.LoadAssetData(ctx, "eth")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if rec.Training.TotalSessions != 1 {
		t.Fatalf("expected recovered sessions, got %d", rec.Training.TotalSessions)
	}
}

func TestReadDegradesToEmptyRecord(t *testing.T) {
	store := newTestStore(t, func(cfg *config.Config) { cfg.Storage.EnableCache = false })
	ctx := context.Background()
	path := store.documentPath("sol")
	if err := os.WriteFile(path, []byte(`{"subject":"sol","version":2}`), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := store.LoadAssetData(ctx, "sol")
	if err != nil {
		t.Fatalf("LoadAssetData: %v", err)
	}
	if rec.Subject != "sol" || rec.Training.TotalSessions != 0 {
		t.Fatalf("expected fresh record, got %#v", rec)
	}
	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected corrupt document quarantined, got %v (%v)", matches, err)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newTestStore(t)
	store.now = clock.Now
	ctx := context.Background()

	if err := store.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "lstm"}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}

	other := NewRecord("aapl", clock.Now())
	other.Training.TotalSessions = 42
	data, err := encodeRecord(other)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.documentPath("aapl"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	cached, err := store.LoadAssetData(ctx, "aapl")
	if err != nil {
		t.Fatal(err)
	}
	if cached.Training.TotalSessions != 1 {
		t.Fatalf("expected cached value within TTL, got %d", cached.Training.TotalSessions)
	}

	clock.Advance(store.cacheTTL + time.Second)
	fresh, err := store.LoadAssetData(ctx, "aapl")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Training.TotalSessions != 42 {
		t.Fatalf("expected disk value after TTL, got %d", fresh.Training.TotalSessions)
	}
}

func TestForceSaveRewritesCachedDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, subject := range []string{"aapl", "msft"} {
		if err := store.SaveTrainingHistory(ctx, subject, TrainingEntry{Variant: "lstm"}); err != nil {
			t.Fatalf("SaveTrainingHistory: %v", err)
		}
	}
	if err := os.Remove(store.documentPath("msft")); err != nil {
		t.Fatal(err)
	}

	saved, err := store.ForceSave(ctx)
	if err != nil {
		t.Fatalf("ForceSave: %v", err)
	}
	if saved != 2 {
		t.Fatalf("expected 2 documents saved, got %d", saved)
	}
	if _, err := os.Stat(store.documentPath("msft")); err != nil {
		t.Fatalf("expected msft rewritten from cache: %v", err)
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	store := newTestStore(t, func(cfg *config.Config) { cfg.Storage.SaveIntervalMS = 10 })
	ctx, cancel := context.WithCancel(context.Background())
	if err := store.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "lstm"}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}

	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	_ = os.Remove(store.documentPath("aapl"))
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if _, err := os.Stat(store.documentPath("aapl")); err != nil {
		t.Fatalf("expected final flush to rewrite document: %v", err)
	}
}

func TestConcurrentWritesToSameSubjectSerialize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.SaveTrainingHistory(ctx, "aapl", TrainingEntry{Variant: "lstm"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}

	store.InvalidateCache()
	rec, err := store.LoadAssetData(ctx, "aapl")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Training.TotalSessions != writers {
		t.Fatalf("expected %d sessions, got %d", writers, rec.Training.TotalSessions)
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"AAPL", "aapl", false},
		{"  BTC/USDT ", "btc-usdt", false},
		{"eth usd", "eth-usd", false},
		{"", "", true},
		{"..", "", true},
		{"a:b", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeSubject(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeSubject(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStorageStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	model := &fakeModel{tensors: []Tensor{{Data: []float64{1, 2}, Shape: []int{2}}}}
	if err := store.SaveModelWeights(ctx, "aapl", "lstm", model, ModelConfig{Features: 2}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveTrainingHistory(ctx, "msft", TrainingEntry{Variant: "gru"}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if stats.Documents != 2 || stats.TotalBytes <= 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	if stats.Subjects[0].Subject != "aapl" || stats.Subjects[0].TrainedModels != 1 {
		t.Fatalf("unexpected aapl stats %#v", stats.Subjects[0])
	}
	if stats.Subjects[1].TrainingRuns != 1 {
		t.Fatalf("unexpected msft stats %#v", stats.Subjects[1])
	}
	if stats.CachedEntries != 2 {
		t.Fatalf("expected 2 cached entries, got %d", stats.CachedEntries)
	}
}

func TestSaveRejectsInvalidSubject(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveAssetData(context.Background(), "  ", NewRecord("x", time.Now()))
	if err == nil || !strings.Contains(err.Error(), "subject is required") {
		t.Fatalf("expected validation error, got %v", err)
	}
}
