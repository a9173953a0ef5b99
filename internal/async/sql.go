package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/OpenUpSA/dexi/internal/repository"
)

const tableJobs = "queue_jobs"

// SQLOptions configures SQLQueue.
type SQLOptions struct {
	Workers int
	// Visibility is how long a claimed job stays hidden. A worker that dies
	// mid-job releases it when this runs out.
	Visibility     time.Duration
	PollInterval   time.Duration
	ProcessTimeout time.Duration
	// NackDelay hides a job whose handler errored before it is retried.
	NackDelay time.Duration
	// MaxDeliveries discards a job once it has been claimed this many times.
	MaxDeliveries int
}

func (o *SQLOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = 3 * time.Minute
	}
	if o.NackDelay <= 0 {
		o.NackDelay = 5 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 10
	}
}

// SQLQueue is a visibility-timeout queue kept in the application database.
// Claimed rows are hidden until acked (deleted) or their visibility expires.
type SQLQueue struct {
	client *repository.Client
	opts   SQLOptions
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSQLQueue(client *repository.Client, logger *slog.Logger, opts SQLOptions) *SQLQueue {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLQueue{client: client, opts: opts, logger: logger}
}

// EnsureTable creates the job table if it does not exist.
func (q *SQLQueue) EnsureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_jobs (
			id         {{text}} PRIMARY KEY,
			kind       {{text}} NOT NULL,
			payload    {{text}} NOT NULL,
			visible_at {{ts}} NOT NULL,
			created_at {{ts}} NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS queue_jobs_visible_idx ON queue_jobs (visible_at)`,
	}
	for _, s := range stmts {
		if err := q.client.ExecRaw(ctx, q.client.ColumnTypes(s)); err != nil {
			return fmt.Errorf("create queue table: %w", err)
		}
	}
	return nil
}

// Enqueue inserts the job, visible at its NotBefore time. Re-enqueueing an
// existing id is a no-op. When ctx carries a repository transaction the
// insert joins it.
func (q *SQLQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := job.encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	visible := now
	if job.NotBefore.After(now) {
		visible = job.NotBefore
	}
	ins := q.client.Builder().Insert(tableJobs).
		Columns("id", "kind", "payload", "visible_at", "created_at", "deliveries").
		Values(job.ID, string(job.Kind), string(payload), q.client.Time(visible), q.client.Time(now), 0).
		OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing())
	if _, err := q.client.Exec(ctx, ins); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.logger.Debug("job queued", "job_id", job.ID, "kind", job.Kind, "document_id", job.DocumentID, "visible_at", visible)
	return nil
}

// claim hides the oldest visible job and returns it. ok is false when no
// job is visible.
func (q *SQLQueue) claim(ctx context.Context) (job Job, deliveries int, ok bool, err error) {
	err = q.client.RunTx(ctx, func(ctx context.Context) error {
		b := q.client.Builder()
		now := time.Now()
		sel := b.Select("id", "payload", "deliveries").From(b.Table(tableJobs)).
			Where(entsql.LTE("visible_at", q.client.Time(now))).
			OrderBy(entsql.Asc("visible_at"), entsql.Asc("id")).
			Limit(1)
		var id, payload string
		found := false
		if err := q.client.Query(ctx, sel, func(rows *entsql.Rows) error {
			found = true
			return rows.Scan(&id, &payload, &deliveries)
		}); err != nil {
			return err
		}
		if !found {
			return nil
		}
		upd := b.Update(tableJobs).
			Set("visible_at", q.client.Time(now.Add(q.opts.Visibility))).
			Add("deliveries", 1).
			Where(entsql.And(entsql.EQ("id", id), entsql.LTE("visible_at", q.client.Time(now))))
		res, err := q.client.Exec(ctx, upd)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // another consumer won
		}
		j, err := decodeJob([]byte(payload))
		if err != nil {
			// undecodable rows are acked away so they cannot wedge the queue
			q.logger.Error("dropping undecodable job", "job_id", id, "error", err)
			_, derr := q.client.Exec(ctx, b.Delete(tableJobs).Where(entsql.EQ("id", id)))
			return derr
		}
		job, deliveries, ok = j, deliveries+1, true
		return nil
	})
	return job, deliveries, ok, err
}

func (q *SQLQueue) ack(ctx context.Context, id string) error {
	_, err := q.client.Exec(ctx, q.client.Builder().Delete(tableJobs).Where(entsql.EQ("id", id)))
	return err
}

func (q *SQLQueue) nack(ctx context.Context, id string) error {
	upd := q.client.Builder().Update(tableJobs).
		Set("visible_at", q.client.Time(time.Now().Add(q.opts.NackDelay))).
		Where(entsql.EQ("id", id))
	_, err := q.client.Exec(ctx, upd)
	return err
}

// extend hides a claimed job for another d from now.
func (q *SQLQueue) extend(ctx context.Context, id string, d time.Duration) error {
	upd := q.client.Builder().Update(tableJobs).
		Set("visible_at", q.client.Time(time.Now().Add(d))).
		Where(entsql.EQ("id", id))
	_, err := q.client.Exec(ctx, upd)
	return err
}

// keepClaimed extends the job's visibility every half period until stop
// is called, so a handler running past Visibility is not handed out twice.
func (q *SQLQueue) keepClaimed(ctx context.Context, id string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(q.opts.Visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := q.extend(ctx, id, q.opts.Visibility); err != nil && ctx.Err() == nil {
					q.logger.Warn("extend claim failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Len counts stored jobs, visible or not.
func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	b := q.client.Builder()
	var n int
	err := q.client.Query(ctx, b.Select(entsql.Count("*")).From(b.Table(tableJobs)), func(rows *entsql.Rows) error {
		return rows.Scan(&n)
	})
	return n, err
}

func (q *SQLQueue) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("start queue: nil handler")
	}
	q.once.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		q.logger.Info("sql queue consumer started", "workers", q.opts.Workers, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.consume(ctx, h, workerID)
			}(i + 1)
		}
	})
	return nil
}

func (q *SQLQueue) consume(ctx context.Context, h Handler, workerID int) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		q.drain(ctx, h, workerID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain handles visible jobs until none remain.
func (q *SQLQueue) drain(ctx context.Context, h Handler, workerID int) {
	for ctx.Err() == nil {
		job, deliveries, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("claim failed", "worker_id", workerID, "error", err)
			}
			return
		}
		if !ok {
			return
		}
		if deliveries > q.opts.MaxDeliveries {
			q.logger.Warn("job exceeded max deliveries, discarding", "job_id", job.ID, "document_id", job.DocumentID, "deliveries", deliveries)
			_ = q.ack(context.WithoutCancel(ctx), job.ID)
			continue
		}
		stop := q.keepClaimed(ctx, job.ID)
		err = runHandler(ctx, q.logger, q.opts.ProcessTimeout, h, job, workerID)
		stop()
		if err != nil {
			_ = q.nack(context.WithoutCancel(ctx), job.ID)
			continue
		}
		if err := q.ack(context.WithoutCancel(ctx), job.ID); err != nil {
			q.logger.Warn("ack failed", "job_id", job.ID, "error", err)
		}
	}
}

func (q *SQLQueue) Shutdown(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		q.logger.Info("sql queue stopped")
		return nil
	}
}
