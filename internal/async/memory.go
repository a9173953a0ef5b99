package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("queue is shutting down")

// MemoryQueue is an in-process worker pool over a buffered channel. Jobs
// die with the process; the orchestrator's reconcile pass recovers them.
type MemoryQueue struct {
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
	timers map[string]*time.Timer
}

type Option func(*MemoryQueue)

func WithWorkers(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewMemoryQueue(logger *slog.Logger, opts ...Option) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Job, 256),
		timers:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("start queue: nil handler")
	}
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)
				for job := range q.ch {
					runHandler(ctx, q.logger, q.timeout, h, job, workerID)
				}
				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
	return nil
}

// Enqueue hands the job to the pool, blocking while the buffer is full.
// Jobs with a future NotBefore are held on a timer.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if d := time.Until(job.NotBefore); d > 0 {
		return q.schedule(job, d)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "job_id", job.ID, "document_id", job.DocumentID)
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		q.logger.Debug("job queued", "job_id", job.ID, "kind", job.Kind, "document_id", job.DocumentID, "attempt", job.Attempt)
		return nil
	case <-ctx.Done():
		q.logger.Warn("queue full, enqueue abandoned", "job_id", job.ID, "document_id", job.DocumentID)
		return ctx.Err()
	}
}

func (q *MemoryQueue) schedule(job Job, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.timers[job.ID] = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		q.mu.Unlock()
		job.NotBefore = time.Time{}
		if err := q.Enqueue(context.Background(), job); err != nil {
			q.logger.Warn("delayed job dropped", "job_id", job.ID, "document_id", job.DocumentID, "error", err)
		}
	})
	q.logger.Debug("job delayed", "job_id", job.ID, "document_id", job.DocumentID, "delay", d)
	return nil
}

func (q *MemoryQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
		return nil
	}
}

// runHandler calls h under a per-job timeout and turns a panic into an error.
func runHandler(base context.Context, logger *slog.Logger, timeout time.Duration, h Handler, job Job, workerID int) (err error) {
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.Error("job panicked", "worker_id", workerID, "job_id", job.ID, "document_id", job.DocumentID, "panic", r)
		}
	}()
	start := time.Now()
	if err = h(ctx, job); err != nil {
		logger.Error("job failed", "worker_id", workerID, "job_id", job.ID, "kind", job.Kind, "document_id", job.DocumentID, "error", err)
		return err
	}
	logger.Debug("job done", "worker_id", workerID, "job_id", job.ID, "kind", job.Kind, "document_id", job.DocumentID, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}
