// Package queue implements named at-least-once job queues on top of the
// shared K/V store. Jobs move pending → processing → done; crashed workers
// leave jobs in processing, and the manager requeues those orphans on
// startup. Failed jobs retry with exponential backoff up to a bounded
// attempt count, then land in the dead set.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/peer/pkg/kv"
)

// Well-known queue names.
const (
	QueueAnalyze = "analyze"
	QueueAutofix = "autofix"
	QueueApply   = "apply"
)

// DefaultMaxAttempts bounds retries per job.
const DefaultMaxAttempts = 3

// retryBackoffBase is the first retry delay; attempt n waits base·2ⁿ⁻¹.
const retryBackoffBase = 5 * time.Second

// ErrQueueEmpty is returned by Dequeue when no job is ready.
var ErrQueueEmpty = errors.New("queue: empty")

// Job is one unit of queued work. Payload is opaque to the queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	NotBefore   time.Time       `json:"notBefore,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// Queue is one named FIFO backed by the K/V store.
type Queue struct {
	name        string
	kv          kv.Store
	maxAttempts int
	retryBase   time.Duration
}

// QueueOption customizes a queue's retry policy.
type QueueOption func(*Queue)

// WithMaxAttempts overrides the per-job retry bound.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRetryBase overrides the first retry delay; attempt n waits base·2ⁿ⁻¹.
func WithRetryBase(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.retryBase = d
		}
	}
}

// NewQueue binds a named queue to a K/V backend.
func NewQueue(name string, backend kv.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		name:        name,
		kv:          backend,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   retryBackoffBase,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingPrefix() string    { return "queue:" + q.name + ":pending:" }
func (q *Queue) processingPrefix() string { return "queue:" + q.name + ":processing:" }
func (q *Queue) deadPrefix() string       { return "queue:" + q.name + ":dead:" }

// pendingKey orders jobs FIFO: the enqueue timestamp is zero-padded so
// lexicographic key order is chronological.
func (q *Queue) pendingKey(job Job) string {
	return fmt.Sprintf("%s%020d-%s", q.pendingPrefix(), job.EnqueuedAt.UnixNano(), job.ID)
}

// Enqueue adds a job carrying payload to the queue.
func (q *Queue) Enqueue(ctx context.Context, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue %s: marshal payload: %w", q.name, err)
	}

	job := Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Payload:     raw,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	return job, q.put(ctx, q.pendingKey(job), job)
}

// Dequeue claims the oldest ready job, moving it to the processing set.
// Concurrent dispatchers race on the processing claim; the loser retries
// the next key. Returns ErrQueueEmpty when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	keys, err := q.kv.Keys(ctx, q.pendingPrefix())
	if err != nil {
		return Job{}, fmt.Errorf("queue %s: scan: %w", q.name, err)
	}

	sort.Strings(keys)

	now := time.Now().UTC()

	for _, key := range keys {
		data, err := q.kv.Get(ctx, key)
		if err != nil {
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			// Unreadable entry: drop it rather than wedge the queue.
			_ = q.kv.Delete(ctx, key)

			continue
		}

		if !job.NotBefore.IsZero() && now.Before(job.NotBefore) {
			continue
		}

		claimed, err := q.kv.SetNX(ctx, q.processingPrefix()+job.ID, data)
		if err != nil || !claimed {
			continue
		}

		if err := q.kv.Delete(ctx, key); err != nil {
			return Job{}, fmt.Errorf("queue %s: claim %s: %w", q.name, job.ID, err)
		}

		return job, nil
	}

	return Job{}, ErrQueueEmpty
}

// Ack removes a completed job from the processing set.
func (q *Queue) Ack(ctx context.Context, job Job) error {
	if err := q.kv.Delete(ctx, q.processingPrefix()+job.ID); err != nil {
		return fmt.Errorf("queue %s: ack %s: %w", q.name, job.ID, err)
	}

	return nil
}

// Nack records a failed attempt. The job is requeued with backoff until
// MaxAttempts is reached, then moved to the dead set.
func (q *Queue) Nack(ctx context.Context, job Job, cause error) error {
	if err := q.kv.Delete(ctx, q.processingPrefix()+job.ID); err != nil {
		return fmt.Errorf("queue %s: nack %s: %w", q.name, job.ID, err)
	}

	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		return q.put(ctx, q.deadPrefix()+job.ID, job)
	}

	backoff := q.retryBase << (job.Attempts - 1)
	job.NotBefore = time.Now().UTC().Add(backoff)

	return q.put(ctx, q.pendingKey(job), job)
}

// RequeueOrphans moves jobs stuck in processing back to pending. Called on
// startup to recover work abandoned by a crashed process.
func (q *Queue) RequeueOrphans(ctx context.Context) (int, error) {
	keys, err := q.kv.Keys(ctx, q.processingPrefix())
	if err != nil {
		return 0, fmt.Errorf("queue %s: scan processing: %w", q.name, err)
	}

	requeued := 0

	for _, key := range keys {
		data, err := q.kv.Get(ctx, key)
		if err != nil {
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			_ = q.kv.Delete(ctx, key)

			continue
		}

		if err := q.put(ctx, q.pendingKey(job), job); err != nil {
			return requeued, err
		}

		if err := q.kv.Delete(ctx, key); err != nil {
			return requeued, fmt.Errorf("queue %s: requeue %s: %w", q.name, job.ID, err)
		}

		requeued++
	}

	return requeued, nil
}

// Depth returns the number of pending jobs, including backoff-delayed ones.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	keys, err := q.kv.Keys(ctx, q.pendingPrefix())
	if err != nil {
		return 0, fmt.Errorf("queue %s: depth: %w", q.name, err)
	}

	return len(keys), nil
}

// DeadJobs returns jobs that exhausted their attempts.
func (q *Queue) DeadJobs(ctx context.Context) ([]Job, error) {
	keys, err := q.kv.Keys(ctx, q.deadPrefix())
	if err != nil {
		return nil, fmt.Errorf("queue %s: scan dead: %w", q.name, err)
	}

	var jobs []Job

	for _, key := range keys {
		data, err := q.kv.Get(ctx, key)
		if err != nil {
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}

		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })

	return jobs, nil
}

func (q *Queue) put(ctx context.Context, key string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue %s: marshal job: %w", q.name, err)
	}

	if err := q.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("queue %s: put: %w", q.name, err)
	}

	return nil
}

// DecodePayload unmarshals a job's payload into out.
func DecodePayload(job Job, out any) error {
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return fmt.Errorf("queue %s: decode payload of %s: %w", job.Queue, job.ID, err)
	}

	return nil
}
