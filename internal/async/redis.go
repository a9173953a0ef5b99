package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures RedisQueue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Key names the ready list. Delayed jobs live in Key+":delayed".
	Key            string
	Workers        int
	PollInterval   time.Duration
	ProcessTimeout time.Duration
	NackDelay      time.Duration
}

// RedisQueue pushes encoded jobs onto a Redis list and pops them with
// BLPOP. Jobs due later sit in a sorted set scored by due time until a
// mover promotes them.
type RedisQueue struct {
	rdb    *redis.Client
	opts   RedisOptions
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRedisQueue(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisQueue, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis queue: address required")
	}
	if opts.Key == "" {
		opts.Key = "dexi:jobs"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 3 * time.Minute
	}
	if opts.NackDelay <= 0 {
		opts.NackDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisQueue{rdb: rdb, opts: opts, logger: logger}, nil
}

func (q *RedisQueue) delayedKey() string { return q.opts.Key + ":delayed" }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := job.encode()
	if err != nil {
		return err
	}
	if job.NotBefore.After(time.Now()) {
		return q.delay(ctx, payload, job.NotBefore)
	}
	if err := q.rdb.LPush(ctx, q.opts.Key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.logger.Debug("job queued", "job_id", job.ID, "kind", job.Kind, "document_id", job.DocumentID)
	return nil
}

func (q *RedisQueue) delay(ctx context.Context, payload []byte, due time.Time) error {
	z := redis.Z{Score: float64(due.UnixMilli()), Member: string(payload)}
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), z).Err(); err != nil {
		return fmt.Errorf("delay job: %w", err)
	}
	return nil
}

// promote moves due jobs from the delayed set to the ready list. ZREM
// decides which mover owns a member when several instances race.
func (q *RedisQueue) promote(ctx context.Context) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, member := range due {
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.opts.Key, member).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Len reports ready and delayed job counts.
func (q *RedisQueue) Len(ctx context.Context) (ready, delayed int64, err error) {
	if ready, err = q.rdb.LLen(ctx, q.opts.Key).Result(); err != nil {
		return 0, 0, err
	}
	delayed, err = q.rdb.ZCard(ctx, q.delayedKey()).Result()
	return ready, delayed, err
}

func (q *RedisQueue) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("start queue: nil handler")
	}
	q.once.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		q.logger.Info("redis queue consumer started", "key", q.opts.Key, "workers", q.opts.Workers)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.movePending(ctx)
		}()
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

func (q *RedisQueue) movePending(ctx context.Context) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.promote(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("promote delayed jobs failed", "error", err)
			} else if n > 0 {
				q.logger.Debug("delayed jobs promoted", "count", n)
			}
		}
	}
}

func (q *RedisQueue) consume(ctx context.Context, h Handler, workerID int) {
	for ctx.Err() == nil {
		res, err := q.rdb.BLPop(ctx, q.opts.PollInterval, q.opts.Key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("redis pop failed", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		// BLPOP replies with [key, value]
		if len(res) != 2 {
			continue
		}
		job, err := decodeJob([]byte(res[1]))
		if err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			continue
		}
		if err := runHandler(ctx, q.logger, q.opts.ProcessTimeout, h, job, workerID); err != nil {
			if derr := q.delay(context.WithoutCancel(ctx), []byte(res[1]), time.Now().Add(q.opts.NackDelay)); derr != nil {
				q.logger.Error("requeue after handler error failed", "job_id", job.ID, "error", derr)
			}
		}
	}
}

func (q *RedisQueue) Shutdown(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	q.logger.Info("redis queue stopped")
	return q.rdb.Close()
}
