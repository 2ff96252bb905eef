package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JobRecord is the archived form of a finished training job.
type JobRecord struct {
	ID           string
	Subject      string
	Variant      string
	Source       string
	Priority     int
	State        string
	Attempts     int
	LastError    string
	CancelReason string
	EnqueuedAt   time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Duration returns how long the final attempt ran, or zero if it never started.
func (r JobRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RecordJob inserts or replaces the archived row for a job.
func (s *Store) RecordJob(ctx context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record job: id is required")
	}
	_, err := s.exec(ctx,
		`INSERT OR REPLACE INTO job_history
		 (id, subject, variant, source, priority, state, attempts, last_error, cancel_reason, enqueued_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Subject, rec.Variant, rec.Source, rec.Priority, rec.State, rec.Attempts,
		nullString(rec.LastError), nullString(rec.CancelReason),
		rec.EnqueuedAt.UTC().UnixMilli(), unixMillis(rec.StartedAt), unixMillis(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", rec.ID, err)
	}
	return nil
}

// RecentJobs returns up to limit archived jobs, newest completion first. An
// empty subject matches all subjects.
func (s *Store) RecentJobs(ctx context.Context, subject string, limit int) ([]JobRecord, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, subject, variant, source, priority, state, attempts, last_error, cancel_reason, enqueued_at, started_at, completed_at
		FROM job_history`
	args := []any{}
	if subject != "" {
		query += ` WHERE subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY COALESCE(completed_at, enqueued_at) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec                   JobRecord
			lastErr, cancelReason sql.NullString
			enqueued              int64
			started, completed    sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.Variant, &rec.Source, &rec.Priority, &rec.State,
			&rec.Attempts, &lastErr, &cancelReason, &enqueued, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		rec.LastError = lastErr.String
		rec.CancelReason = cancelReason.String
		rec.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		rec.StartedAt = fromMillis(started)
		rec.CompletedAt = fromMillis(completed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneJobs deletes archived jobs that completed before cutoff.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM job_history WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune job history: %w", err)
	}
	return res.RowsAffected()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
