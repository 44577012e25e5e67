package registry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cyberlabs/labd/pkg/errors"
)

// RecordAttempt upserts the progress row for (user, lab) and increments the
// attempt counter. Attempts count every submission, correct or not, and a
// fresh row moves to in_progress. Completed rows keep their status.
func (r *Registry) RecordAttempt(ctx context.Context, userID, labID string) (int, error) {
	now := r.now().Unix()
	query := `
		INSERT INTO lab_progress (lab_id, user_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, lab_id) DO UPDATE SET
			attempts = attempts + 1,
			status = CASE WHEN status = 'not_started' THEN 'in_progress' ELSE status END,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, labID, userID, ProgressInProgress, now, now); err != nil {
		slog.Error("registry_attempt_failed", "user_id", userID, "lab_id", labID, "error", err)
		return 0, errors.Wrap(err, "failed to record attempt")
	}

	var attempts int
	row := r.db.QueryRowContext(ctx,
		`SELECT attempts FROM lab_progress WHERE user_id = ? AND lab_id = ?`, userID, labID)
	if err := row.Scan(&attempts); err != nil {
		return 0, errors.Wrap(err, "failed to read attempt count")
	}
	return attempts, nil
}

// CompleteProgress awards the score for a lab exactly once. The update is a
// compare-and-swap on status: concurrent duplicate submissions race on the
// same guard and only one of them scores, the rest get ErrAlreadyCompleted.
func (r *Registry) CompleteProgress(ctx context.Context, userID, labID string, score int, completedAt time.Time) error {
	query := `
		UPDATE lab_progress
		SET status = ?, score = ?, completed_at = ?, updated_at = ?
		WHERE user_id = ? AND lab_id = ? AND status <> ?
	`
	result, err := r.db.ExecContext(ctx, query,
		ProgressCompleted, score, completedAt.Unix(), r.now().Unix(),
		userID, labID, ProgressCompleted)
	if err != nil {
		slog.Error("registry_complete_failed", "user_id", userID, "lab_id", labID, "error", err)
		return errors.Wrap(err, "failed to complete progress")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrAlreadyCompleted
	}

	slog.Info("registry_lab_completed", "user_id", userID, "lab_id", labID, "score", score)
	return nil
}

// GetProgress returns the progress row for (user, lab). A missing row is
// reported as a zero-valued not_started record, not an error.
func (r *Registry) GetProgress(ctx context.Context, userID, labID string) (*Progress, error) {
	query := `SELECT lab_id, user_id, status, score, attempts, completed_at
	          FROM lab_progress WHERE user_id = ? AND lab_id = ?`

	var p Progress
	var completedAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, userID, labID).Scan(
		&p.LabID, &p.UserID, &p.Status, &p.Score, &p.Attempts, &completedAt)
	if err == sql.ErrNoRows {
		return &Progress{LabID: labID, UserID: userID, Status: ProgressNotStarted}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query progress")
	}
	p.CompletedAt = completedAt.Int64
	return &p, nil
}

// UserStats summarizes a user's scoring across all labs.
type UserStats struct {
	CompletedCount int
	TotalPoints    int
	TotalAttempts  int
}

// StatsForUser aggregates the user's progress rows.
func (r *Registry) StatsForUser(ctx context.Context, userID string) (*UserStats, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(score), 0),
			COALESCE(SUM(attempts), 0)
		FROM lab_progress WHERE user_id = ?
	`
	var stats UserStats
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&stats.CompletedCount, &stats.TotalPoints, &stats.TotalAttempts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query user stats")
	}
	return &stats, nil
}

// SolvedCounts returns the number of users who completed each lab.
func (r *Registry) SolvedCounts(ctx context.Context) (map[string]int, error) {
	query := `SELECT lab_id, COUNT(*) FROM lab_progress WHERE status = 'completed' GROUP BY lab_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query solved counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var labID string
		var n int
		if err := rows.Scan(&labID, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan solved count")
		}
		counts[labID] = n
	}
	return counts, rows.Err()
}
