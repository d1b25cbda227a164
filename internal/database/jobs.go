package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inboxpilot/internal/models"
)

const jobColumns = `id, job_type, account_id, payload, status, attempts, max_attempts,
       COALESCE(error_message, ''), created_at, started_at, completed_at`

// EnqueueJob validates the payload against the job type and inserts a pending
// row. There is no uniqueness constraint: dedup is the caller's discipline.
func (db *DB) EnqueueJob(ctx context.Context, jobType string, accountID int64, payload models.Payload) (int64, error) {
	raw, err := models.EncodePayload(jobType, payload)
	if err != nil {
		return 0, err
	}

	result, err := db.db.ExecContext(ctx,
		`INSERT INTO jobs (job_type, account_id, payload, max_attempts) VALUES (?, ?, ?, ?)`,
		jobType, accountID, raw, models.DefaultMaxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest eligible pending job, optionally
// filtered by type. The status flip, the attempts increment and the started_at
// stamp happen in one UPDATE … RETURNING statement, so two concurrent callers
// can never receive the same row.
func (db *DB) ClaimNext(ctx context.Context, jobType string) (*models.Job, error) {
	typeFilter := ""
	args := []any{time.Now().UTC()}
	if jobType != "" {
		typeFilter = "AND job_type = ?"
		args = append(args, jobType)
	}

	query := fmt.Sprintf(`
        UPDATE jobs
        SET status = 'running',
            attempts = attempts + 1,
            started_at = ?
        WHERE id = (
            SELECT id FROM jobs
            WHERE status = 'pending' AND attempts < max_attempts
            %s
            ORDER BY created_at, id
            LIMIT 1
        )
        RETURNING `+jobColumns, typeFilter)

	var job models.Job
	err := db.db.QueryRowContext(ctx, query, args...).Scan(
		&job.ID, &job.JobType, &job.AccountID, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.ErrorMsg,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

// CompleteJob marks a running job completed. Terminal rows are left alone.
func (db *DB) CompleteJob(ctx context.Context, id int64) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = ?
         WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

// FailJob marks a job terminally failed, preserving the error for diagnosis.
func (db *DB) FailJob(ctx context.Context, id int64, errMsg string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ?
         WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	return nil
}

// RetryJob returns a job to pending without touching attempts; the next claim
// charges the next attempt.
func (db *DB) RetryJob(ctx context.Context, id int64, errMsg string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', error_message = ?
         WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to retry job %d: %w", id, err)
	}
	return nil
}

// GetJob loads a single job row.
func (db *DB) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := db.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	).Scan(
		&job.ID, &job.JobType, &job.AccountID, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.ErrorMsg,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return &job, nil
}

// HasPendingJobForThread reports whether a pending or running job of the given
// type already references the thread. Used by full reconciliation to avoid
// duplicate classify jobs across overlapping passes.
func (db *DB) HasPendingJobForThread(ctx context.Context, jobType string, accountID int64, threadID string) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
         WHERE job_type = ? AND account_id = ? AND status IN ('pending', 'running')
           AND json_extract(payload, '$.thread_id') = ?`,
		jobType, accountID, threadID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending jobs: %w", err)
	}
	return count > 0, nil
}

// CountJobsByStatus returns the queue depth per status, for metrics.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs deletes terminal jobs older than the retention window.
// Garbage collection only; running and pending rows are never touched.
func (db *DB) CleanupOldJobs(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := db.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old jobs: %w", err)
	}
	return result.RowsAffected()
}

// RecoverStalledJobs sweeps running jobs whose started_at is older than the
// grace window: rows with attempts left go back to pending (the claim that
// orphaned them already charged an attempt), exhausted rows become failed.
// Called once before the worker pool starts.
func (db *DB) RecoverStalledJobs(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)

	failed, err := db.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = 'stalled with no attempts left', completed_at = ?
         WHERE status = 'running' AND started_at < ? AND attempts >= max_attempts`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted stalled jobs: %w", err)
	}

	requeued, err := db.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', error_message = 'requeued after stall'
         WHERE status = 'running' AND started_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}

	nFailed, _ := failed.RowsAffected()
	n, err := requeued.RowsAffected()
	if err == nil && (n > 0 || nFailed > 0) && db.logger != nil {
		db.logger.Warn().Int64("requeued", n).Int64("failed", nFailed).Msg("recovered stalled running jobs")
	}
	return n + nFailed, err
}
