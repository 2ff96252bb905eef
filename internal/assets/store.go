package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	cmap "github.com/orcaman/concurrent-map"

	"retrain/internal/config"
	"retrain/internal/fileutil"
	"retrain/internal/logging"
)

const lockRetryDelay = 25 * time.Millisecond

// Store owns the consolidated documents under one assets directory.
type Store struct {
	dir          string
	logger       *slog.Logger
	cacheEnabled bool
	cacheTTL     time.Duration
	saveInterval time.Duration

	trainingLimit   int
	predictionLimit int
	keepTraining    int
	maxAgeHours     int

	locks cmap.ConcurrentMap // key -> *sync.Mutex
	cache cmap.ConcurrentMap // key -> cacheEntry

	now func() time.Time
	// beforeRename runs between tmp verification and the rename. Tests use
	// it to simulate a crash mid-write.
	beforeRename func(path string) error
}

type cacheEntry struct {
	data     []byte
	storedAt time.Time
}

// NewStore prepares the assets directory described by cfg.
func NewStore(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("assets: config is required")
	}
	dir := cfg.AssetsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets dir: %w", err)
	}
	return &Store{
		dir:             dir,
		logger:          logging.NewComponentLogger(logger, "assets"),
		cacheEnabled:    cfg.Storage.EnableCache,
		cacheTTL:        cfg.CacheTTL(),
		saveInterval:    cfg.SaveInterval(),
		trainingLimit:   cfg.Storage.TrainingHistoryLimit,
		predictionLimit: cfg.Storage.PredictionHistoryLimit,
		keepTraining:    cfg.Storage.CleanupKeepTraining,
		maxAgeHours:     cfg.Storage.MaxAgeHours,
		locks:           cmap.New(),
		cache:           cmap.New(),
		now:             time.Now,
	}, nil
}

// Dir returns the assets directory.
func (s *Store) Dir() string {
	return s.dir
}

// LoadAssetData returns the record for subject, creating an empty one when no
// document exists. The returned record is a private copy.
func (s *Store) LoadAssetData(ctx context.Context, subject string) (*Record, error) {
	key, err := NormalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	if rec, ok := s.cacheGet(key); ok {
		return rec, nil
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadLocked(key, subject)
}

// SaveAssetData replaces the document for subject with rec.
func (s *Store) SaveAssetData(ctx context.Context, subject string, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("save asset data: record is required")
	}
	key, err := NormalizeSubject(subject)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	clone := rec.Clone()
	if clone == nil {
		return fmt.Errorf("%w: record for %s cannot be encoded", ErrStorageWrite, subject)
	}
	if clone.Subject == "" {
		clone.Subject = strings.TrimSpace(subject)
	}
	if clone.Metadata.CreatedAt.IsZero() {
		clone.Metadata.CreatedAt = s.now().UTC()
	}
	return s.saveLocked(key, clone)
}

// UpdateAssetData runs fn against the subject's current record while holding
// its lock. When fn reports a change the history limits are applied and the
// record is written atomically.
func (s *Store) UpdateAssetData(ctx context.Context, subject string, fn func(rec *Record) (bool, error)) error {
	return s.update(ctx, subject, func(rec *Record) (bool, error) {
		changed, err := fn(rec)
		if err != nil || !changed {
			return changed, err
		}
		rec.Training.History = trimTail(rec.Training.History, s.trainingLimit)
		rec.Predictions.History = trimTail(rec.Predictions.History, s.predictionLimit)
		return true, nil
	})
}

// update loads the subject's record under its lock, applies fn, and writes
// the result when fn reports a change.
func (s *Store) update(ctx context.Context, subject string, fn func(rec *Record) (bool, error)) error {
	key, err := NormalizeSubject(subject)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.loadLocked(key, subject)
	if err != nil {
		return err
	}
	changed, err := fn(rec)
	if err != nil || !changed {
		return err
	}
	return s.saveLocked(key, rec)
}

func (s *Store) saveLocked(key string, rec *Record) error {
	rec.Version = RecordVersion
	rec.Metadata.LastUpdated = s.now().UTC()
	rec.normalize()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorageWrite, key, err)
	}
	verify := func(written []byte) error {
		_, err := decodeRecord(written)
		return err
	}
	if err := s.writeAtomic(s.documentPath(key), data, verify); err != nil {
		return err
	}
	writesTotal.Inc()
	s.cachePut(key, data)
	return nil
}

// loadLocked implements the read protocol: document, then backup, then a
// fresh record. Callers hold the subject lock.
func (s *Store) loadLocked(key, subject string) (*Record, error) {
	path := s.documentPath(key)
	backupPath := path + backupSuffix

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		rec, decErr := decodeRecord(data)
		if decErr == nil {
			s.cachePut(key, data)
			return rec, nil
		}
		logging.WarnWithContext(s.logger, "asset document failed validation", "asset_corrupt",
			logging.String(logging.FieldSubject, key),
			logging.String(logging.FieldPath, path),
			logging.Error(decErr),
			logging.String(logging.FieldImpact, "attempting recovery from backup"),
		)
	case errors.Is(err, fs.ErrNotExist):
		if !fileutil.Exists(backupPath) {
			return NewRecord(strings.TrimSpace(subject), s.now()), nil
		}
	default:
		return nil, fmt.Errorf("read asset document %s: %w", path, err)
	}

	if rec, ok := s.recoverFromBackup(key, path, backupPath); ok {
		return rec, nil
	}

	if fileutil.Exists(path) {
		quarantine := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
		if err := os.Rename(path, quarantine); err == nil {
			path = quarantine
		}
	}
	recoveries.WithLabelValues("empty").Inc()
	logging.ErrorWithContext(s.logger, "asset document unrecoverable; starting from empty record", "asset_data_loss",
		logging.String(logging.FieldSubject, key),
		logging.String(logging.FieldPath, path),
		logging.String(logging.FieldErrorHint, "restore the document from an external backup if the history matters"),
		logging.String(logging.FieldImpact, "weights and history for this subject are lost"),
		logging.Alert("asset_data_loss"),
	)
	return NewRecord(strings.TrimSpace(subject), s.now()), nil
}

func (s *Store) recoverFromBackup(key, path, backupPath string) (*Record, bool) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		logging.WarnWithContext(s.logger, "asset backup failed validation", "asset_backup_corrupt",
			logging.String(logging.FieldSubject, key),
			logging.String(logging.FieldPath, backupPath),
			logging.Error(err),
			logging.String(logging.FieldImpact, "no valid copy of the document remains"),
		)
		return nil, false
	}
	tmpPath := path + tmpSuffix
	if err := fileutil.WriteFileSync(tmpPath, data, 0o644); err != nil {
		_ = fileutil.RemoveIfExists(tmpPath)
		logging.WarnWithContext(s.logger, "asset backup restore failed", "asset_restore_failed",
			logging.String(logging.FieldSubject, key),
			logging.Error(err),
			logging.String(logging.FieldImpact, "serving backup contents; document will be rewritten on next save"),
		)
		return rec, true
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = fileutil.RemoveIfExists(tmpPath)
		return rec, true
	}
	_ = fileutil.RemoveIfExists(backupPath)
	recoveries.WithLabelValues("backup").Inc()
	s.logger.Warn("asset document restored from backup",
		logging.String(logging.FieldSubject, key),
		logging.String(logging.FieldPath, path),
		logging.String(logging.FieldEventType, "asset_recovered"),
		logging.String(logging.FieldImpact, "changes after the last successful write are lost"),
	)
	s.cachePut(key, data)
	return rec, true
}

// lock serializes access to one subject within the process and across
// processes sharing the assets directory.
func (s *Store) lock(ctx context.Context, key string) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mu := s.subjectMutex(key)
	mu.Lock()

	fl := flock.New(s.documentPath(key) + lockSuffix)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock asset document %s: %w", key, err)
	}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func (s *Store) subjectMutex(key string) *sync.Mutex {
	v := s.locks.Upsert(key, nil, func(exist bool, inMap interface{}, _ interface{}) interface{} {
		if exist {
			return inMap
		}
		return &sync.Mutex{}
	})
	return v.(*sync.Mutex)
}

func (s *Store) cachePut(key string, data []byte) {
	if !s.cacheEnabled {
		return
	}
	s.cache.Set(key, cacheEntry{data: data, storedAt: s.now()})
}

func (s *Store) cacheGet(key string) (*Record, bool) {
	if !s.cacheEnabled {
		return nil, false
	}
	v, ok := s.cache.Get(key)
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	entry := v.(cacheEntry)
	if s.expired(entry) {
		s.cache.Remove(key)
		cacheMisses.Inc()
		return nil, false
	}
	rec, err := decodeRecord(entry.data)
	if err != nil {
		s.cache.Remove(key)
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return rec, true
}

func (s *Store) expired(entry cacheEntry) bool {
	return s.cacheTTL > 0 && s.now().Sub(entry.storedAt) >= s.cacheTTL
}

// InvalidateCache drops every cached entry.
func (s *Store) InvalidateCache() {
	for _, key := range s.cache.Keys() {
		s.cache.Remove(key)
	}
}
