package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobID(t *testing.T) {
	assert.Equal(t, "dispatch:ord_1", JobID("ord_1"))
	assert.Equal(t, JobID("ord_1"), JobID("ord_1"))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0))
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(2))
	assert.Equal(t, 32*time.Second, retryDelay(5))
	assert.Equal(t, 32*time.Second, retryDelay(50), "capped")
	assert.Equal(t, time.Second, retryDelay(-1))
}

func TestMemQueueEnqueueDedup(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "ord_1", 2)
	require.NoError(t, err)
	assert.True(t, created)

	again, err := q.Enqueue(ctx, "ord_1", 2)
	require.NoError(t, err)
	assert.False(t, again, "one job per order")

	other, err := q.Enqueue(ctx, "ord_2", 2)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemQueueClaimLeases(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ord_1", 2)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "ord_2", 2)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	again, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs stay leased")
}

func TestMemQueueClaimLimit(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	for _, id := range []string{"ord_1", "ord_2", "ord_3"} {
		_, err := q.Enqueue(ctx, id, 2)
		require.NoError(t, err)
	}

	claimed, err := q.Claim(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestMemQueueFailSchedulesRetry(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ord_1", 3)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Fail(ctx, claimed[0].JobID, errors.New("supplier down")))

	// backoff keeps the job out of the ready set for now
	ready, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Empty(t, q.FailedJobs(), "retry budget not exhausted")
}

func TestMemQueueFailExhaustsBudget(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	// max retries 1 means two attempts total
	_, err := q.Enqueue(ctx, "ord_1", 2)
	require.NoError(t, err)
	jobID := JobID("ord_1")

	require.NoError(t, q.Fail(ctx, jobID, errors.New("attempt 1")))
	require.Empty(t, q.FailedJobs())

	require.NoError(t, q.Fail(ctx, jobID, errors.New("attempt 2")))

	failed := q.FailedJobs()
	require.Len(t, failed, 1)
	assert.Equal(t, jobID, failed[0].JobID)
	assert.Equal(t, 2, failed[0].Attempts)

	// parked jobs are retained, never re-claimed
	ready, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Len(t, q.FailedJobs(), 1)
}

func TestMemQueueComplete(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ord_1", 2)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, JobID("ord_1")))

	// a completed order can be enqueued again, e.g. after manual requeue
	created, err := q.Enqueue(ctx, "ord_1", 2)
	require.NoError(t, err)
	assert.True(t, created)
}
