package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memJob struct {
	Job
	status    string
	lastError string
	nextRetry time.Time
}

// MemQueue mirrors PGQueue semantics in memory for tests and local runs.
type MemQueue struct {
	mu   sync.Mutex
	jobs map[string]*memJob
}

func NewMemQueue() *MemQueue {
	return &MemQueue{jobs: make(map[string]*memJob)}
}

func (q *MemQueue) Enqueue(_ context.Context, orderID string, maxAttempts int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobID := JobID(orderID)
	if _, exists := q.jobs[jobID]; exists {
		return false, nil
	}

	q.jobs[jobID] = &memJob{
		Job:       Job{JobID: jobID, OrderID: orderID, MaxAttempts: maxAttempts},
		status:    "pending",
		nextRetry: time.Now(),
	}
	return true, nil
}

func (q *MemQueue) Claim(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var ready []*memJob
	for _, job := range q.jobs {
		if (job.status == "pending" || job.status == "processing") && !job.nextRetry.After(now) {
			ready = append(ready, job)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].nextRetry.Before(ready[j].nextRetry) })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	var claimed []Job
	for _, job := range ready {
		job.status = "processing"
		job.nextRetry = now.Add(claimLease)
		claimed = append(claimed, job.Job)
	}
	return claimed, nil
}

func (q *MemQueue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, jobID)
	return nil
}

func (q *MemQueue) Fail(_ context.Context, jobID string, attemptErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}

	job.Attempts++
	if attemptErr != nil {
		job.lastError = attemptErr.Error()
	}
	if job.Attempts >= job.MaxAttempts {
		job.status = "failed"
		return nil
	}
	job.status = "pending"
	job.nextRetry = time.Now().Add(retryDelay(job.Attempts))
	return nil
}

// FailedJobs returns permanently failed jobs, oldest first. Test helper and
// inspection hook; the postgres queue exposes the same through SQL.
func (q *MemQueue) FailedJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []Job
	for _, job := range q.jobs {
		if job.status == "failed" {
			failed = append(failed, job.Job)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].JobID < failed[j].JobID })
	return failed
}
