package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGQueue is the durable dispatch queue backed by the dispatch_jobs table.
// The job_id primary key provides the enqueue de-duplication the scheduler
// relies on across processes and restarts.
type PGQueue struct {
	pool *pgxpool.Pool
}

func NewPGQueue(pool *pgxpool.Pool) *PGQueue {
	return &PGQueue{pool: pool}
}

func (q *PGQueue) Enqueue(ctx context.Context, orderID string, maxAttempts int) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO dispatch_jobs (job_id, order_id, max_attempts)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING`,
		JobID(orderID), orderID, maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue dispatch job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *PGQueue) Claim(ctx context.Context, limit int) ([]Job, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT job_id, order_id, attempts, max_attempts
		FROM dispatch_jobs
		WHERE (status = 'pending' OR status = 'processing') AND next_retry <= NOW()
		ORDER BY next_retry
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.JobID, &job.OrderID, &job.Attempts, &job.MaxAttempts); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	releaseAt := time.Now().Add(claimLease)
	for _, job := range jobs {
		if _, err := tx.Exec(ctx, `
			UPDATE dispatch_jobs
			SET status = 'processing', next_retry = $2, updated_at = NOW()
			WHERE job_id = $1`, job.JobID, releaseAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *PGQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM dispatch_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete dispatch job: %w", err)
	}
	return nil
}

func (q *PGQueue) Fail(ctx context.Context, jobID string, attemptErr error) error {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    next_retry = NOW() + make_interval(secs => LEAST(power(2, LEAST(attempts + 1, 5)), 60)),
		    updated_at = NOW()
		WHERE job_id = $1`, jobID, msg)
	if err != nil {
		return fmt.Errorf("fail dispatch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail dispatch job: %s not found", jobID)
	}
	return nil
}
