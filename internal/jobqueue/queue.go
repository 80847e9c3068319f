// Package jobqueue is the Postgres-backed background_jobs table adapter:
// claim-with-skip-locked, retry-with-backoff, and dead-letter, ported
// directly from the reference worker's _claim_jobs/_retry_job/_dead_job
// queries (original_source/workers/src/kura_workers/worker.py).
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kurahq/kura/internal/domain"
)

// Queue is the background_jobs persistence boundary.
type Queue struct {
	db *sqlx.DB
}

// New wraps an existing *sql.DB as a Queue.
func New(db *sql.DB) *Queue {
	return &Queue{db: sqlx.NewDb(db, "postgres")}
}

// Enqueue inserts a new pending job, defaulting scheduled_for to now.
func (q *Queue) Enqueue(ctx context.Context, userID, jobType string, payload map[string]any, priority, maxRetries int) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal payload: %w", err)
	}
	id := uuid.NewString()
	const q1 = `
		INSERT INTO background_jobs (id, user_id, job_type, payload, status, priority, attempt, max_retries, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, 0, $6, NOW(), NOW())`
	if _, err := q.db.ExecContext(ctx, q1, id, userID, jobType, data, priority, maxRetries); err != nil {
		return "", fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return id, nil
}

type jobRow struct {
	ID         string          `db:"id"`
	UserID     string          `db:"user_id"`
	JobType    string          `db:"job_type"`
	Payload    json.RawMessage `db:"payload"`
	Attempt    int             `db:"attempt"`
	MaxRetries int             `db:"max_retries"`
}

// Claim atomically moves up to batchSize pending, due jobs to processing and
// returns them, ordered by (scheduled_for, priority desc, id) — the same
// ordering and row-locking the reference claim query uses so concurrent
// workers never double-process a row.
func (q *Queue) Claim(ctx context.Context, batchSize int) ([]domain.Job, error) {
	const claimQ = `
		UPDATE background_jobs
		SET status = 'processing', started_at = NOW(), attempt = attempt + 1
		WHERE id IN (
			SELECT id FROM background_jobs
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY scheduled_for, priority DESC, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, job_type, payload, attempt, max_retries`

	rows, err := q.db.QueryxContext(ctx, claimQ, batchSize)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var r jobRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("jobqueue: scan claimed row: %w", err)
		}
		var payload map[string]any
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				return nil, fmt.Errorf("jobqueue: unmarshal payload: %w", err)
			}
		}
		out = append(out, domain.Job{
			ID: r.ID, UserID: r.UserID, JobType: r.JobType, Payload: payload,
			Attempt: r.Attempt, MaxRetries: r.MaxRetries, Status: domain.JobProcessing,
		})
	}
	return out, rows.Err()
}

// Complete marks a job finished successfully.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	const query = `UPDATE background_jobs SET status = 'completed', finished_at = NOW() WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: complete %s: %w", jobID, err)
	}
	return nil
}

// Retry reschedules a job for a future attempt using exponential backoff
// (2^attempt seconds), matching the reference schedule: 2s, 4s, 8s for
// attempts 1, 2, 3.
func (q *Queue) Retry(ctx context.Context, jobID string, attempt int, lastErr string) error {
	backoffSeconds := 1 << uint(attempt)
	const query = `
		UPDATE background_jobs
		SET status = 'pending', scheduled_for = NOW() + make_interval(secs => $2), last_error = $3
		WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, jobID, backoffSeconds, truncateError(lastErr))
	if err != nil {
		return fmt.Errorf("jobqueue: retry %s: %w", jobID, err)
	}
	return nil
}

// Dead moves a job to the dead-letter state once its retry budget is spent.
func (q *Queue) Dead(ctx context.Context, jobID string, lastErr string) error {
	const query = `UPDATE background_jobs SET status = 'dead', finished_at = NOW(), last_error = $2 WHERE id = $1`
	_, err := q.db.ExecContext(ctx, query, jobID, truncateError(lastErr))
	if err != nil {
		return fmt.Errorf("jobqueue: dead-letter %s: %w", jobID, err)
	}
	return nil
}

// DeadLetters returns jobs parked in the dead state for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.Job, error) {
	const query = `SELECT id, user_id, job_type, payload, status, attempt, max_retries, last_error, created_at
		FROM background_jobs WHERE status = 'dead' ORDER BY created_at DESC LIMIT $1`
	var rows []struct {
		ID         string          `db:"id"`
		UserID     string          `db:"user_id"`
		JobType    string          `db:"job_type"`
		Payload    json.RawMessage `db:"payload"`
		Status     string          `db:"status"`
		Attempt    int             `db:"attempt"`
		MaxRetries int             `db:"max_retries"`
		LastError  sql.NullString  `db:"last_error"`
		CreatedAt  time.Time       `db:"created_at"`
	}
	if err := q.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("jobqueue: dead letters: %w", err)
	}
	out := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		var payload map[string]any
		_ = json.Unmarshal(r.Payload, &payload)
		out = append(out, domain.Job{
			ID: r.ID, UserID: r.UserID, JobType: r.JobType, Payload: payload,
			Status: domain.JobStatus(r.Status), Attempt: r.Attempt, MaxRetries: r.MaxRetries,
			LastError: r.LastError.String, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func truncateError(s string) string {
	const maxLen = 4000
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
