package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/queue"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

type analyzePayload struct {
	RunID string `json:"runId"`
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueAnalyze, kv.NewMemory())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, analyzePayload{RunID: "run-1"})
	require.NoError(t, err)

	// Distinct enqueue timestamps keep the key order deterministic.
	time.Sleep(time.Millisecond)

	_, err = q.Enqueue(ctx, analyzePayload{RunID: "run-2"})
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID, "oldest job first")

	var payload analyzePayload
	require.NoError(t, queue.DecodePayload(claimed, &payload))
	assert.Equal(t, "run-1", payload.RunID)
}

func TestDequeueEmptyQueue(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueAutofix, kv.NewMemory())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)
}

func TestAckRemovesJob(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueAnalyze, kv.NewMemory())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, analyzePayload{RunID: "run-1"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job))

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)

	orphans, err := q.RequeueOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans, "acked jobs leave no processing entry")
}

func TestNackRetriesWithBackoffThenDeadLetters(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueApply, kv.NewMemory())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, analyzePayload{RunID: "run-1"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, job, errors.New("transient")))

	// The retried job carries a future NotBefore, so it is not ready yet.
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty, "backoff delays the retry")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Exhaust the remaining attempts directly.
	job.Attempts = job.MaxAttempts - 1

	require.NoError(t, q.Nack(ctx, job, errors.New("permanent")))

	dead, err := q.DeadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "permanent", dead[0].LastError)
	assert.Equal(t, dead[0].MaxAttempts, dead[0].Attempts)
}

func TestRequeueOrphans(t *testing.T) {
	t.Parallel()

	backend := kv.NewMemory()
	q := queue.NewQueue(queue.QueueAnalyze, backend)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, analyzePayload{RunID: "run-1"})
	require.NoError(t, err)

	// Claim the job and "crash" without acking.
	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, queue.ErrQueueEmpty)

	requeued, err := q.RequeueOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	recovered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, recovered.ID)
}

func TestConcurrentDequeueClaimsOnce(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueAnalyze, kv.NewMemory())
	ctx := context.Background()

	const jobs = 20
	for i := range jobs {
		_, err := q.Enqueue(ctx, analyzePayload{RunID: string(rune('a' + i))})
		require.NoError(t, err)
	}

	var claims atomic.Int64

	done := make(chan struct{})

	for range 4 {
		go func() {
			defer func() { done <- struct{}{} }()

			for {
				_, err := q.Dequeue(ctx)
				if errors.Is(err, queue.ErrQueueEmpty) {
					return
				}

				if err == nil {
					claims.Add(1)
				}
			}
		}()
	}

	for range 4 {
		<-done
	}

	assert.EqualValues(t, jobs, claims.Load(), "every job claimed exactly once")
}

func TestManagerProcessesJobs(t *testing.T) {
	t.Parallel()

	backend := kv.NewMemory()
	q := queue.NewQueue(queue.QueueAnalyze, backend)
	ctx := context.Background()

	var processed atomic.Int64

	manager := queue.NewManager(nil, nil)
	manager.Register(q, func(_ context.Context, job queue.Job) error {
		var payload analyzePayload
		if err := queue.DecodePayload(job, &payload); err != nil {
			return err
		}

		processed.Add(1)

		return nil
	}, 2)

	for range 5 {
		_, err := q.Enqueue(ctx, analyzePayload{RunID: "run"})
		require.NoError(t, err)
	}

	require.NoError(t, manager.Start(ctx))

	require.Eventually(t, func() bool {
		return processed.Load() == 5
	}, 5*time.Second, 20*time.Millisecond)

	manager.Stop()

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestManagerRetriesFailedJob(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueAutofix, kv.NewMemory())
	ctx := context.Background()

	var attempts atomic.Int64

	manager := queue.NewManager(nil, nil)
	manager.Register(q, func(_ context.Context, _ queue.Job) error {
		attempts.Add(1)

		return errors.New("boom")
	}, 1)

	_, err := q.Enqueue(ctx, analyzePayload{RunID: "run-1"})
	require.NoError(t, err)

	require.NoError(t, manager.Start(ctx))

	require.Eventually(t, func() bool {
		return attempts.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	manager.Stop()

	// The failure was nacked back into pending (with backoff) or dead.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)

	dead, err := q.DeadJobs(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, depth+len(dead))
}

func TestQueueRetryPolicyOptions(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(queue.QueueAnalyze, kv.NewMemory(),
		queue.WithMaxAttempts(1),
		queue.WithRetryBase(time.Millisecond))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, analyzePayload{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, job.MaxAttempts)

	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// A single attempt dead-letters on the first failure.
	require.NoError(t, q.Nack(ctx, claimed, errors.New("boom")))

	dead, err := q.DeadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}
