package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// pollInterval is how often an idle dispatcher rescans its queue.
const pollInterval = 250 * time.Millisecond

// Handler processes one claimed job. A nil return acks the job; an error
// nacks it into retry/dead handling.
type Handler func(ctx context.Context, job Job) error

// registration binds a queue to its handler and worker count.
type registration struct {
	queue   *Queue
	handler Handler
	workers int
}

// Manager runs dispatchers and worker pools for a set of registered
// queues. Start requeues orphans, then each queue gets one dispatcher
// feeding a bounded worker pool. Stop cancels dispatch and waits for
// in-flight jobs to finish.
type Manager struct {
	logger  *slog.Logger
	metrics JobMetrics

	mu     sync.Mutex
	queues []registration
	cancel context.CancelFunc
	group  *errgroup.Group
}

// JobMetrics receives per-job outcome observations. May be nil.
type JobMetrics interface {
	RecordJob(queue, outcome string, duration time.Duration)
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger, metrics JobMetrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{logger: logger, metrics: metrics}
}

// Register adds a queue with its handler and worker count. Must be called
// before Start.
func (m *Manager) Register(q *Queue, handler Handler, workers int) {
	if workers < 1 {
		workers = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = append(m.queues, registration{queue: q, handler: handler, workers: workers})
}

// Start requeues orphaned jobs and launches one dispatcher per queue.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)

	for _, reg := range m.queues {
		requeued, err := reg.queue.RequeueOrphans(ctx)
		if err != nil {
			cancel()

			return err
		}

		if requeued > 0 {
			m.logger.InfoContext(ctx, "queue.orphans_requeued",
				slog.String("queue", reg.queue.Name()),
				slog.Int("count", requeued))
		}

		m.group.Go(func() error {
			m.dispatch(runCtx, reg)

			return nil
		})
	}

	return nil
}

// Stop cancels dispatching and blocks until in-flight jobs complete.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if group != nil {
		_ = group.Wait()
	}
}

// dispatch feeds claimed jobs into a bounded worker pool until the context
// is cancelled. Claimed jobs are always finished even after cancellation.
func (m *Manager) dispatch(ctx context.Context, reg registration) {
	pool, poolCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	pool.SetLimit(reg.workers)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = pool.Wait()

			return
		case <-ticker.C:
		}

		for {
			job, err := reg.queue.Dequeue(ctx)
			if err != nil {
				if !errors.Is(err, ErrQueueEmpty) {
					m.logger.WarnContext(ctx, "queue.dequeue_failed",
						slog.String("queue", reg.queue.Name()),
						slog.Any("error", err))
				}

				break
			}

			pool.Go(func() error {
				m.runJob(poolCtx, reg, job)

				return nil
			})
		}
	}
}

// runJob executes the handler and settles the job.
func (m *Manager) runJob(ctx context.Context, reg registration, job Job) {
	start := time.Now()

	err := reg.handler(ctx, job)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	if m.metrics != nil {
		m.metrics.RecordJob(reg.queue.Name(), outcome, time.Since(start))
	}

	if err == nil {
		if ackErr := reg.queue.Ack(ctx, job); ackErr != nil {
			m.logger.WarnContext(ctx, "queue.ack_failed",
				slog.String("queue", reg.queue.Name()),
				slog.String("job", job.ID),
				slog.Any("error", ackErr))
		}

		return
	}

	m.logger.WarnContext(ctx, "queue.job_failed",
		slog.String("queue", reg.queue.Name()),
		slog.String("job", job.ID),
		slog.Int("attempt", job.Attempts+1),
		slog.Any("error", err))

	if nackErr := reg.queue.Nack(ctx, job, err); nackErr != nil {
		m.logger.ErrorContext(ctx, "queue.nack_failed",
			slog.String("queue", reg.queue.Name()),
			slog.String("job", job.ID),
			slog.Any("error", nackErr))
	}
}
