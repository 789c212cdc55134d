package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engramdev/engram/internal/types"
)

// EnqueueJob stages raw text for background ingestion and returns the
// generated job id immediately.
func (q queries) EnqueueJob(ctx context.Context, rawText string, ttlDays *int) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.db.QueryRow(ctx, `
		INSERT INTO ingestion_staging (raw_text, ttl_days)
		VALUES ($1, $2)
		RETURNING job_id
	`, rawText, ttlDays).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

func (q queries) GetJob(ctx context.Context, id uuid.UUID) (*types.IngestionJob, error) {
	var j types.IngestionJob
	err := q.db.QueryRow(ctx, `
		SELECT job_id, raw_text, ttl_days, status, error, created_at
		FROM ingestion_staging WHERE job_id = $1
	`, id).Scan(&j.JobID, &j.RawText, &j.TTLDays, &j.Status, &j.Error, &j.CreatedAt)
	if err != nil {
		return nil, notFound(fmt.Errorf("get job: %w", err))
	}
	return &j, nil
}

// ClaimNextJob atomically flips the oldest pending row to processing and
// returns it, or nil when the queue is empty. SKIP LOCKED keeps concurrent
// workers from double-claiming without serializing on each other.
func (q queries) ClaimNextJob(ctx context.Context) (*types.IngestionJob, error) {
	var j types.IngestionJob
	err := q.db.QueryRow(ctx, `
		UPDATE ingestion_staging SET status = 'processing'
		WHERE job_id = (
			SELECT job_id FROM ingestion_staging
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, raw_text, ttl_days, status, error, created_at
	`).Scan(&j.JobID, &j.RawText, &j.TTLDays, &j.Status, &j.Error, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &j, nil
}

func (q queries) CompleteJob(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx, `
		UPDATE ingestion_staging SET status = 'complete' WHERE job_id = $1
	`, id); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (q queries) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	if _, err := q.db.Exec(ctx, `
		UPDATE ingestion_staging SET status = 'failed', error = $2 WHERE job_id = $1
	`, id, msg); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ResetProcessingJobs returns crashed-over rows to the pending state. Run
// once at worker startup so interrupted jobs are retried rather than
// stranded.
func (q queries) ResetProcessingJobs(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE ingestion_staging SET status = 'pending' WHERE status = 'processing'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset processing jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// JobStats summarizes the staging table: per-status counts, the age of the
// oldest pending row, and the five most recent failures with their errors.
func (q queries) JobStats(ctx context.Context) (*types.JobStats, error) {
	var stats types.JobStats
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'processing'),
		       COUNT(*) FILTER (WHERE status = 'complete'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       MIN(created_at) FILTER (WHERE status = 'pending')
		FROM ingestion_staging
	`).Scan(&stats.Pending, &stats.Processing, &stats.Complete, &stats.Failed, &stats.OldestWait)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT job_id, status, error, created_at
		FROM ingestion_staging
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT 5
	`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var j types.IngestionJob
		if err := rows.Scan(&j.JobID, &j.Status, &j.Error, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
		stats.LastFailed = append(stats.LastFailed, j)
	}
	return &stats, rows.Err()
}
