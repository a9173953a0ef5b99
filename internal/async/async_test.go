package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/repository"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu   sync.Mutex
	jobs []Job
	got  chan Job
}

func newRecorder() *recorder { return &recorder{got: make(chan Job, 64)} }

func (r *recorder) handle(_ context.Context, j Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
	r.got <- j
	return nil
}

func (r *recorder) wait(t *testing.T, n int, within time.Duration) []Job {
	t.Helper()
	var out []Job
	deadline := time.After(within)
	for len(out) < n {
		select {
		case j := <-r.got:
			out = append(out, j)
		case <-deadline:
			t.Fatalf("got %d jobs, want %d", len(out), n)
		}
	}
	return out
}

func TestJobRetry(t *testing.T) {
	j := NewJob(KindExtract, uuid.New())
	j.RunID = uuid.New()
	due := time.Now().Add(time.Minute)
	next := j.Retry(due)
	if next.ID == j.ID {
		t.Fatal("retry must carry a fresh id")
	}
	if next.Attempt != 2 || next.RunID != j.RunID || next.DocumentID != j.DocumentID {
		t.Fatalf("retry = %+v", next)
	}
	if !next.NotBefore.Equal(due.UTC()) {
		t.Fatalf("not before = %v", next.NotBefore)
	}
	b, err := next.encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := decodeJob(b)
	if err != nil || back.ID != next.ID || back.Kind != KindExtract {
		t.Fatalf("decode = %+v, %v", back, err)
	}
	if _, err := decodeJob([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(discard(), WithWorkers(2), WithQueueSize(8))
	rec := newRecorder()
	if err := q.Start(ctx, rec.handle); err != nil {
		t.Fatal(err)
	}
	a, b := NewJob(KindOCR, uuid.New()), NewJob(KindExtract, uuid.New())
	for _, j := range []Job{a, b} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	got := rec.wait(t, 2, 2*time.Second)
	seen := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("handled %v", seen)
	}
	if !Durable(NewSQLQueue(nil, nil, SQLOptions{})) || Durable(q) {
		t.Fatal("durability misreported")
	}

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := q.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, NewJob(KindOCR, uuid.New())); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown = %v", err)
	}
}

func TestMemoryQueueDelayed(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(discard(), WithWorkers(1))
	rec := newRecorder()
	_ = q.Start(ctx, rec.handle)
	defer q.Shutdown(ctx)

	j := NewJob(KindOCR, uuid.New())
	j.NotBefore = time.Now().Add(80 * time.Millisecond)
	start := time.Now()
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t, 1, 2*time.Second)
	if got[0].ID != j.ID {
		t.Fatalf("got %s", got[0].ID)
	}
	if el := time.Since(start); el < 70*time.Millisecond {
		t.Fatalf("delayed job ran after %v", el)
	}
}

func TestMemoryQueueShutdownDropsTimers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(discard(), WithWorkers(1))
	rec := newRecorder()
	_ = q.Start(ctx, rec.handle)
	j := NewJob(KindOCR, uuid.New())
	j.NotBefore = time.Now().Add(50 * time.Millisecond)
	_ = q.Enqueue(ctx, j)
	if err := q.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rec.got:
		t.Fatal("delayed job ran after shutdown")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestRunHandlerRecoversPanic(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(discard(), WithWorkers(1))
	rec := newRecorder()
	panicked := NewJob(KindOCR, uuid.New())
	h := func(ctx context.Context, j Job) error {
		if j.ID == panicked.ID {
			panic("boom")
		}
		return rec.handle(ctx, j)
	}
	_ = q.Start(ctx, h)
	defer q.Shutdown(ctx)

	_ = q.Enqueue(ctx, panicked)
	after := NewJob(KindOCR, uuid.New())
	_ = q.Enqueue(ctx, after)
	if got := rec.wait(t, 1, 2*time.Second); got[0].ID != after.ID {
		t.Fatalf("worker did not survive panic, got %s", got[0].ID)
	}

	err := runHandler(ctx, discard(), time.Second, h, panicked, 1)
	if err == nil {
		t.Fatal("panic should surface as error")
	}
}

func TestRunHandlerTimeout(t *testing.T) {
	h := func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := runHandler(context.Background(), discard(), 20*time.Millisecond, h, NewJob(KindOCR, uuid.New()), 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func newSQLQueue(t *testing.T, opts SQLOptions) *SQLQueue {
	t.Helper()
	ctx := context.Background()
	c, err := repository.OpenSQLiteMemory(ctx, discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	q := NewSQLQueue(c, discard(), opts)
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestSQLQueueClaimAckNack(t *testing.T) {
	ctx := context.Background()
	q := newSQLQueue(t, SQLOptions{Visibility: time.Hour, NackDelay: 30 * time.Millisecond})

	a := NewJob(KindOCR, uuid.New())
	later := NewJob(KindOCR, uuid.New())
	later.NotBefore = time.Now().Add(time.Hour)
	for _, j := range []Job{a, a, later} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("len = %d, duplicate enqueue should be ignored", n)
	}

	got, deliveries, ok, err := q.claim(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if got.ID != a.ID || deliveries != 1 {
		t.Fatalf("claimed %s (deliveries %d)", got.ID, deliveries)
	}
	if _, _, ok, _ := q.claim(ctx); ok {
		t.Fatal("claimed job and delayed job must both be hidden")
	}

	if err := q.nack(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	got, deliveries, ok, _ = q.claim(ctx)
	if !ok || got.ID != a.ID || deliveries != 2 {
		t.Fatalf("redelivery: ok=%v id=%s deliveries=%d", ok, got.ID, deliveries)
	}
	if err := q.ack(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len after ack = %d", n)
	}
}

func TestSQLQueueVisibilityExpiry(t *testing.T) {
	ctx := context.Background()
	q := newSQLQueue(t, SQLOptions{Visibility: 30 * time.Millisecond})
	j := NewJob(KindExtract, uuid.New())
	_ = q.Enqueue(ctx, j)
	if _, _, ok, _ := q.claim(ctx); !ok {
		t.Fatal("first claim")
	}
	time.Sleep(50 * time.Millisecond)
	got, deliveries, ok, _ := q.claim(ctx)
	if !ok || got.ID != j.ID || deliveries != 2 {
		t.Fatalf("expired claim not redelivered: ok=%v deliveries=%d", ok, deliveries)
	}
}

func TestSQLQueueExtend(t *testing.T) {
	ctx := context.Background()
	q := newSQLQueue(t, SQLOptions{Visibility: 30 * time.Millisecond})
	j := NewJob(KindOCR, uuid.New())
	_ = q.Enqueue(ctx, j)
	if _, _, ok, _ := q.claim(ctx); !ok {
		t.Fatal("first claim")
	}
	if err := q.extend(ctx, j.ID, time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, _, ok, _ := q.claim(ctx); ok {
		t.Fatal("extended claim was handed out again")
	}
}

func TestSQLQueueLongHandlerKeepsClaim(t *testing.T) {
	ctx := context.Background()
	q := newSQLQueue(t, SQLOptions{Workers: 2, Visibility: 40 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	var calls int
	var mu sync.Mutex
	h := func(context.Context, Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	_ = q.Enqueue(ctx, NewJob(KindExtract, uuid.New()))
	_ = q.Start(ctx, h)
	defer q.Shutdown(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Len(ctx); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never acked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler ran %d times while the first run held the claim", calls)
	}
}

func TestSQLQueueConsumers(t *testing.T) {
	ctx := context.Background()
	q := newSQLQueue(t, SQLOptions{Workers: 2, PollInterval: 10 * time.Millisecond})
	rec := newRecorder()
	if err := q.Start(ctx, rec.handle); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, NewJob(KindOCR, uuid.New()))
	}
	rec.wait(t, 3, 3*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := q.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d jobs left unacked", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := q.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}
}

func TestSQLQueueDiscardsPoisonJobs(t *testing.T) {
	ctx := context.Background()
	q := newSQLQueue(t, SQLOptions{MaxDeliveries: 1, NackDelay: time.Millisecond, PollInterval: 5 * time.Millisecond})
	var calls int
	var mu sync.Mutex
	h := func(context.Context, Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("always fails")
	}
	_ = q.Enqueue(ctx, NewJob(KindOCR, uuid.New()))
	_ = q.Start(ctx, h)
	defer q.Shutdown(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Len(ctx); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poison job never discarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("DEXI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEXI_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	key := "dexi:test:" + NewID()
	q, err := NewRedisQueue(ctx, RedisOptions{Addr: addr, Key: key, Workers: 1, PollInterval: 20 * time.Millisecond}, discard())
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	_ = q.Start(ctx, rec.handle)
	defer q.Shutdown(ctx)

	now := NewJob(KindOCR, uuid.New())
	later := NewJob(KindOCR, uuid.New())
	later.NotBefore = time.Now().Add(100 * time.Millisecond)
	_ = q.Enqueue(ctx, later)
	_ = q.Enqueue(ctx, now)
	got := rec.wait(t, 2, 3*time.Second)
	if got[0].ID != now.ID || got[1].ID != later.ID {
		t.Fatalf("order = %s, %s", got[0].ID, got[1].ID)
	}
}
