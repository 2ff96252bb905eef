package testsupport

import (
	"testing"

	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/history"
	"retrain/internal/logging"
)

// MustOpenHistory opens a history.Store for tests and registers cleanup.
func MustOpenHistory(t testing.TB, cfg *config.Config) *history.Store {
	t.Helper()

	store, err := history.Open(cfg)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenAssets opens an assets.Store rooted in the config's data dir.
func MustOpenAssets(t testing.TB, cfg *config.Config) *assets.Store {
	t.Helper()

	store, err := assets.NewStore(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("assets.NewStore: %v", err)
	}
	return store
}
