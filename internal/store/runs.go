package store

import (
	"context"
	"fmt"
	"time"
)

// RunRecord is the persisted summary of one optimization run.
type RunRecord struct {
	ID           string    `json:"id"`
	Filter       string    `json:"filter"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Containers   int       `json:"containers"`
	Swapped      int       `json:"swapped"`
	BucketsSaved int       `json:"buckets_saved"`
	Status       string    `json:"status"`
}

// RecordRun stores the summary of a finished run.
func (s *Store) RecordRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO optimize_runs (run_id, filter, started_at, finished_at, containers, swapped, buckets_saved, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Filter, r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
		r.Containers, r.Swapped, r.BucketsSaved, r.Status)
	if err != nil {
		return fmt.Errorf("store: record run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT run_id, filter, started_at, finished_at, containers, swapped, buckets_saved, status
		FROM optimize_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Filter, &started, &finished,
			&r.Containers, &r.Swapped, &r.BucketsSaved, &r.Status); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
