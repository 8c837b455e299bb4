package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LogSubmission records the outcome of an attempt.
func (s *Store) LogSubmission(ctx context.Context, e SubmissionLogEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_log (attempt_id, created_at, shop_name, outcome, status_code, message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.AttemptID, created.UTC().Format(time.RFC3339Nano), e.ShopName, e.Outcome, e.StatusCode, e.Message,
	)
	if err != nil {
		return fmt.Errorf("logging submission %s: %w", e.AttemptID, err)
	}
	return nil
}

// GetSubmission returns one log entry by attempt ID.
func (s *Store) GetSubmission(ctx context.Context, attemptID string) (SubmissionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, created_at, shop_name, outcome, status_code, message
		FROM submission_log WHERE attempt_id = ?`, attemptID)
	e, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SubmissionLogEntry{}, ErrNotFound
	}
	return e, err
}

// RecentSubmissions returns up to limit entries, newest first.
func (s *Store) RecentSubmissions(ctx context.Context, limit int) ([]SubmissionLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, created_at, shop_name, outcome, status_code, message
		FROM submission_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	var out []SubmissionLogEntry
	for rows.Next() {
		e, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(sc scanner) (SubmissionLogEntry, error) {
	var (
		e       SubmissionLogEntry
		created string
	)
	if err := sc.Scan(&e.AttemptID, &created, &e.ShopName, &e.Outcome, &e.StatusCode, &e.Message); err != nil {
		return SubmissionLogEntry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return SubmissionLogEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}
