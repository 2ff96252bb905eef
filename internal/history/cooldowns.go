package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Cooldown records the last successful training completion for a
// (subject, variant) pair.
type Cooldown struct {
	Subject         string
	Variant         string
	LastCompletedAt time.Time
}

// SaveCooldown upserts the completion timestamp for a pair.
func (s *Store) SaveCooldown(ctx context.Context, c Cooldown) error {
	if c.Subject == "" || c.Variant == "" {
		return fmt.Errorf("save cooldown: subject and variant are required")
	}
	_, err := s.exec(ctx,
		`INSERT INTO cooldowns (subject, variant, last_completed_at) VALUES (?, ?, ?)
		 ON CONFLICT(subject, variant) DO UPDATE SET last_completed_at = excluded.last_completed_at`,
		c.Subject, c.Variant, c.LastCompletedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save cooldown %s/%s: %w", c.Subject, c.Variant, err)
	}
	return nil
}

// LoadCooldowns returns every persisted cooldown record whose completion is
// newer than since. A zero since returns all rows.
func (s *Store) LoadCooldowns(ctx context.Context, since time.Time) ([]Cooldown, error) {
	ctx = ensureContext(ctx)
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UTC().UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, variant, last_completed_at FROM cooldowns WHERE last_completed_at >= ? ORDER BY subject, variant`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}
	defer rows.Close()

	var out []Cooldown
	for rows.Next() {
		var (
			c  Cooldown
			ts sql.NullInt64
		)
		if err := rows.Scan(&c.Subject, &c.Variant, &ts); err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		c.LastCompletedAt = fromMillis(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearCooldown removes one pair's cooldown. It reports whether a row existed.
func (s *Store) ClearCooldown(ctx context.Context, subject, variant string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM cooldowns WHERE subject = ? AND variant = ?`, subject, variant)
	if err != nil {
		return false, fmt.Errorf("clear cooldown %s/%s: %w", subject, variant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearAllCooldowns removes every cooldown row and returns how many existed.
func (s *Store) ClearAllCooldowns(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM cooldowns`)
	if err != nil {
		return 0, fmt.Errorf("clear cooldowns: %w", err)
	}
	return res.RowsAffected()
}

// PruneCooldowns drops rows older than cutoff; they can no longer deny admission.
func (s *Store) PruneCooldowns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM cooldowns WHERE last_completed_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune cooldowns: %w", err)
	}
	return res.RowsAffected()
}
