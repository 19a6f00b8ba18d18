// Package dispatch detects payable orders, enqueues exactly one job per
// order, and runs the supplier calls under bounded concurrency.
package dispatch

import (
	"context"
	"time"
)

// JobID derives the deterministic queue key for an order. The queue keys on
// it, so concurrent enqueue attempts for the same order collapse to one job.
func JobID(orderID string) string {
	return "dispatch:" + orderID
}

type Job struct {
	JobID       string
	OrderID     string
	Attempts    int
	MaxAttempts int
}

// Queue is the shared dispatch job queue. Claimed jobs hold a lease; a worker
// that dies mid-job releases it when the lease expires. Jobs that exhaust
// their attempt budget are kept in a failed state for inspection, never
// deleted.
type Queue interface {
	// Enqueue inserts the job for an order if absent. It reports whether a
	// new job was created.
	Enqueue(ctx context.Context, orderID string, maxAttempts int) (bool, error)

	// Claim leases up to limit ready jobs for execution.
	Claim(ctx context.Context, limit int) ([]Job, error)

	// Complete removes a finished job.
	Complete(ctx context.Context, jobID string) error

	// Fail records a failed attempt: either schedules a retry with backoff
	// or, once the budget is spent, parks the job as permanently failed.
	Fail(ctx context.Context, jobID string, attemptErr error) error
}

const claimLease = 30 * time.Second

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
