package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retrain/internal/logging"
)

// ForceSave rewrites every live cache entry to disk through the atomic write
// protocol and evicts expired ones. It returns how many documents were written.
func (s *Store) ForceSave(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		saved int
		errs  []error
	)
	for _, key := range s.cache.Keys() {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		v, ok := s.cache.Get(key)
		if !ok {
			continue
		}
		entry := v.(cacheEntry)
		if s.expired(entry) {
			s.cache.Remove(key)
			continue
		}
		if err := s.flushEntry(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

func (s *Store) flushEntry(ctx context.Context, key string) error {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	v, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	entry := v.(cacheEntry)
	verify := func(written []byte) error {
		_, err := decodeRecord(written)
		return err
	}
	if err := s.writeAtomic(s.documentPath(key), entry.data, verify); err != nil {
		return fmt.Errorf("flush %s: %w", key, err)
	}
	return nil
}

// Run flushes the cache every save_interval until ctx is cancelled, then
// performs a final flush.
func (s *Store) Run(ctx context.Context) {
	interval := s.saveInterval
	if interval <= 0 || !s.cacheEnabled {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.flush(flushCtx, "shutdown")
			cancel()
			return
		case <-ticker.C:
			s.flush(ctx, "interval")
		}
	}
}

func (s *Store) flush(ctx context.Context, reason string) {
	start := time.Now()
	saved, err := s.ForceSave(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.WarnWithContext(s.logger, "periodic flush incomplete", "asset_flush_failed",
			logging.Error(err),
			logging.Int("saved", saved),
			logging.String(logging.FieldImpact, "cached documents will be retried on the next flush"),
		)
		return
	}
	s.logger.Debug("asset cache flushed",
		logging.Int("saved", saved),
		logging.String("reason", reason),
		logging.Duration("elapsed", time.Since(start)),
		logging.String(logging.FieldEventType, "asset_flush"),
	)
}
