package pipeline

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/async"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/ocr"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/resolver"
	"github.com/OpenUpSA/dexi/internal/storage"
)

type stubStrategy struct {
	mu    sync.Mutex
	occs  []extract.Occurrence
	errs  []error // per call; a nil entry or a call past the end succeeds
	calls int
	block chan struct{}
}

func (*stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Extract(ctx context.Context, _ string) iter.Seq2[extract.Occurrence, error] {
	s.mu.Lock()
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	block := s.block
	occs := s.occs
	s.mu.Unlock()
	return func(yield func(extract.Occurrence, error) bool) {
		if block != nil {
			<-block
		}
		if err != nil {
			yield(extract.Occurrence{}, err)
			return
		}
		for _, o := range occs {
			if !yield(o, nil) {
				return
			}
		}
	}
}

type stubSource struct{ s extract.Strategy }

func (src stubSource) For(context.Context, *entity.ExtractionRun) (extract.Strategy, error) {
	return src.s, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []async.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, j async.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *fakeQueue) Start(context.Context, async.Handler) error { return nil }
func (q *fakeQueue) Shutdown(context.Context) error             { return nil }

func (q *fakeQueue) pop() (async.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return async.Job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

var acme = []extract.Occurrence{{Text: "Acme Corp", Start: 19, End: 28, Label: "ORG"}}

type fixture struct {
	client   *repository.Client
	docs     repository.DocumentRepository
	runs     repository.RunRepository
	entities repository.EntityRepository
	found    repository.EntityFoundRepository
	store    storage.Store
	strategy *stubStrategy
	queue    *fakeQueue
	orch     *Orchestrator
	project  uuid.UUID
	run      uuid.UUID
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newFixture wires an orchestrator over in-memory SQLite. A nil q uses a
// fake queue drained by the test.
func newFixture(t *testing.T, q async.Queue) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := discard()
	client, err := repository.OpenSQLiteMemory(ctx, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	store, err := storage.NewFSStore(t.TempDir(), 1<<20, logger)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		client:   client,
		docs:     repository.NewDocumentRepository(client, logger),
		runs:     repository.NewRunRepository(client, logger),
		entities: repository.NewEntityRepository(client, logger),
		found:    repository.NewEntityFoundRepository(client, logger),
		store:    store,
		strategy: &stubStrategy{occs: acme},
		queue:    &fakeQueue{},
	}
	if q == nil {
		q = f.queue
	}
	p, err := repository.NewProjectRepository(client, logger).Create(ctx, "user-1", "invoices")
	if err != nil {
		t.Fatal(err)
	}
	f.project = p.ID
	run, err := f.runs.Create(ctx, &repository.CreateRunRequest{
		ProjectID: p.ID, UserID: "user-1", Name: "orgs", Strategy: constants.StrategyNLP,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.run = run.ID

	res := resolver.New(client, f.entities, f.found, logger)
	f.orch = New(Deps{
		Client:    client,
		Documents: f.docs,
		Runs:      f.runs,
		Queue:     q,
		OCR:       NewOCRStage(store, ocr.NewExtractor(ocr.Config{}, logger), logger),
		Extract:   NewExtractStage(f.runs, stubSource{f.strategy}, res, logger),
	}, Options{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 4 * time.Millisecond}, logger)
	return f
}

func (f *fixture) upload(t *testing.T, name, contentType, body string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	handle, err := f.store.Put(ctx, name, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	d, err := f.docs.Create(ctx, &repository.CreateDocumentRequest{
		ProjectID: f.project, UserID: "user-1", Name: name, ContentHandle: handle, ContentType: contentType,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d.ID
}

// drain runs queued jobs in order, including retries they schedule.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		job, ok := f.queue.pop()
		if !ok {
			return
		}
		if err := f.orch.Handle(context.Background(), job); err != nil {
			t.Fatalf("handle %s: %v", job.Kind, err)
		}
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) doc(t *testing.T, id uuid.UUID) *entity.Document {
	t.Helper()
	d, err := f.docs.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *fixture) foundCount(t *testing.T, docID uuid.UUID) int {
	t.Helper()
	n, err := f.found.Count(context.Background(), repository.FoundFilter{DocumentID: &docID, RunID: &f.run})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) ocrDone(t *testing.T, ids ...uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		if _, err := f.orch.SubmitForOCR(context.Background(), id, OCROptions{}); err != nil {
			t.Fatal(err)
		}
	}
	f.drain(t)
}

func TestInvoiceScenarioEndToEnd(t *testing.T) {
	q := async.NewMemoryQueue(discard(), async.WithWorkers(2))
	f := newFixture(t, q)
	ctx := context.Background()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.orch.Shutdown(context.Background()) })

	id := f.upload(t, "invoice.txt", "text/plain", "INVOICE #123 from Acme Corp")
	doc, err := f.orch.SubmitForOCR(ctx, id, OCROptions{ChainRun: f.run})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != constants.StatusOCRQueued {
		t.Fatalf("submit returned status %s", doc.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.doc(t, id).Status != constants.StatusExtractDone {
		if time.Now().After(deadline) {
			t.Fatalf("document stuck in %s", f.doc(t, id).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	d := f.doc(t, id)
	if d.Text == nil || *d.Text == "" {
		t.Fatal("ocr text missing")
	}
	ents, err := f.entities.ListByRun(ctx, f.run)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 || ents[0].Text != "acme corp" || ents[0].Label != "ORG" {
		t.Fatalf("entities = %+v", ents)
	}
	found, err := f.found.List(ctx, repository.FoundFilter{RunID: &f.run})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Start != 19 || found[0].End != 28 || found[0].SpanText != "Acme Corp" {
		t.Fatalf("found = %+v", found)
	}

	// deleting the document drops its occurrences and keeps the entity
	if err := f.docs.SoftDelete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n := f.foundCount(t, id); n != 0 {
		t.Fatalf("occurrences after delete = %d", n)
	}
	if n, _ := f.entities.CountByRun(ctx, f.run); n != 1 {
		t.Fatalf("entities after delete = %d", n)
	}
}

func TestTwoDocumentsShareEntity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.upload(t, "a.txt", "text/plain", "INVOICE #123 from Acme Corp")
	b := f.upload(t, "b.txt", "text/plain", "Receipt: Acme Corp, paid")
	f.ocrDone(t, a, b)

	rep, err := f.orch.SubmitBatchExtraction(ctx, f.run, []uuid.UUID{a, b}, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Accepted) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	f.drain(t)

	if n, _ := f.entities.CountByRun(ctx, f.run); n != 1 {
		t.Fatalf("entities = %d, want 1", n)
	}
	if f.foundCount(t, a) != 1 || f.foundCount(t, b) != 1 {
		t.Fatal("want one occurrence per document")
	}
}

func TestBatchExtractionExcludesFailedDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d1 := f.upload(t, "1.txt", "text/plain", "Acme Corp one")
	d2 := f.upload(t, "2.zip", "application/zip", "PK\x03\x04")
	d3 := f.upload(t, "3.txt", "text/plain", "Acme Corp three")

	rep, err := f.orch.SubmitBatchOCR(ctx, []uuid.UUID{d1, d2, d3}, OCROptions{})
	if err != nil || len(rep.Accepted) != 3 {
		t.Fatalf("ocr batch: %+v %v", rep, err)
	}
	f.drain(t)
	if st := f.doc(t, d2).Status; st != constants.StatusError {
		t.Fatalf("doc 2 status = %s", st)
	}

	rep, err = f.orch.SubmitBatchExtraction(ctx, f.run, []uuid.UUID{d1, d2, d3}, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Accepted) != 2 || rep.Accepted[0] != d1 || rep.Accepted[1] != d3 {
		t.Fatalf("accepted = %v", rep.Accepted)
	}
	if len(rep.Rejected) != 1 || rep.Rejected[0].DocumentID != d2 || rep.Rejected[0].Reason != "not OCR-complete" {
		t.Fatalf("rejected = %+v", rep.Rejected)
	}
	f.drain(t)

	for _, id := range []uuid.UUID{d1, d3} {
		if st := f.doc(t, id).Status; st != constants.StatusExtractDone {
			t.Fatalf("%s status = %s", id, st)
		}
	}
	d := f.doc(t, d2)
	if d.Status != constants.StatusError || d.LastError == nil || !strings.Contains(*d.LastError, "unsupported") {
		t.Fatalf("doc 2 = %s %v", d.Status, d.LastError)
	}
	failures, _ := f.docs.ListFailures(ctx, d2)
	if len(failures) != 1 || failures[0].Code != "UNSUPPORTED_CONTENT_TYPE" || failures[0].Attempt != 1 {
		t.Fatalf("fatal error retried or unrecorded: %+v", failures)
	}
}

func TestReextractionAppendsUnlessReplacing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "INVOICE #123 from Acme Corp")
	f.ocrDone(t, id)

	extractOnce := func(replace bool) {
		t.Helper()
		if _, err := f.orch.SubmitForExtraction(ctx, id, f.run, ExtractOptions{ReplacePrior: replace}); err != nil {
			t.Fatal(err)
		}
		f.drain(t)
	}
	extractOnce(false)
	extractOnce(false)
	if n := f.foundCount(t, id); n != 2 {
		t.Fatalf("append: occurrences = %d, want 2", n)
	}
	extractOnce(true)
	if n := f.foundCount(t, id); n != 1 {
		t.Fatalf("replace: occurrences = %d, want 1", n)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	f.ocrDone(t, id)

	f.strategy.errs = []error{errors.New("model unavailable"), errors.New("model unavailable")}
	if _, err := f.orch.SubmitForExtraction(ctx, id, f.run, ExtractOptions{}); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	d := f.doc(t, id)
	if d.Status != constants.StatusExtractDone || d.Attempts != 3 {
		t.Fatalf("status=%s attempts=%d", d.Status, d.Attempts)
	}
	if d.LastError != nil {
		t.Fatalf("success left last_error %q", *d.LastError)
	}
	failures, _ := f.docs.ListFailures(ctx, id)
	if len(failures) != 2 || failures[0].Code != "STRATEGY_FAILURE" || failures[1].Attempt != 2 {
		t.Fatalf("failures = %+v", failures)
	}
	if f.foundCount(t, id) != 1 {
		t.Fatal("failed attempts must not record occurrences")
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	f.ocrDone(t, id)

	boom := errors.New("model unavailable")
	f.strategy.errs = []error{boom, boom, boom, boom}
	_, _ = f.orch.SubmitForExtraction(ctx, id, f.run, ExtractOptions{})
	f.drain(t)

	d := f.doc(t, id)
	if d.Status != constants.StatusError || d.Attempts != 3 {
		t.Fatalf("status=%s attempts=%d", d.Status, d.Attempts)
	}
	failures, _ := f.docs.ListFailures(ctx, id)
	if len(failures) != 3 {
		t.Fatalf("failures = %d", len(failures))
	}
	if f.strategy.calls != 3 {
		t.Fatalf("strategy ran %d times", f.strategy.calls)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	fresh := f.upload(t, "a.txt", "text/plain", "Acme Corp")

	if _, err := f.orch.SubmitForExtraction(ctx, fresh, f.run, ExtractOptions{}); !errors.Is(err, ErrNotOCRComplete) {
		t.Fatalf("extraction before ocr: %v", err)
	}
	if _, err := f.orch.SubmitForExtraction(ctx, uuid.New(), f.run, ExtractOptions{}); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown document: %v", err)
	}
	if _, err := f.orch.SubmitForExtraction(ctx, fresh, uuid.New(), ExtractOptions{}); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown run: %v", err)
	}
	if _, err := f.orch.SubmitForOCR(ctx, fresh, OCROptions{ChainRun: uuid.New()}); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown chain run: %v", err)
	}
	if f.doc(t, fresh).Status != constants.StatusNew {
		t.Fatal("rejected submission changed status")
	}

	gone := f.upload(t, "b.txt", "text/plain", "x")
	_ = f.docs.SoftDelete(ctx, gone)
	rep, _ := f.orch.SubmitBatchOCR(ctx, []uuid.UUID{gone, uuid.Nil, fresh, fresh}, OCROptions{})
	reasons := map[uuid.UUID]string{}
	for _, r := range rep.Rejected {
		reasons[r.DocumentID] = r.Reason
	}
	if reasons[gone] != "deleted" || reasons[uuid.Nil] != "not found" || len(rep.Accepted) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if f.queue.len() != 1 {
		t.Fatalf("duplicate ids queued %d jobs", f.queue.len())
	}
}

func TestSupersededJobIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	_, _ = f.orch.SubmitForOCR(ctx, id, OCROptions{})
	_, _ = f.orch.SubmitForOCR(ctx, id, OCROptions{})

	old, _ := f.queue.pop()
	if err := f.orch.Handle(ctx, old); err != nil {
		t.Fatal(err)
	}
	if st := f.doc(t, id).Status; st != constants.StatusOCRQueued {
		t.Fatalf("superseded job ran: %s", st)
	}
	f.drain(t)
	if d := f.doc(t, id); d.Status != constants.StatusOCRDone || d.Attempts != 1 {
		t.Fatalf("status=%s attempts=%d", d.Status, d.Attempts)
	}
}

func TestDeletedDocumentResultIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	f.ocrDone(t, id)

	f.strategy.block = make(chan struct{})
	_, _ = f.orch.SubmitForExtraction(ctx, id, f.run, ExtractOptions{})
	job, _ := f.queue.pop()
	done := make(chan error, 1)
	go func() { done <- f.orch.Handle(ctx, job) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.doc(t, id).Status != constants.StatusExtractRunning {
		if time.Now().After(deadline) {
			t.Fatal("extraction never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := f.docs.SoftDelete(ctx, id); err != nil {
		t.Fatal(err)
	}
	close(f.strategy.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := f.foundCount(t, id); n != 0 {
		t.Fatalf("stale result written: %d occurrences", n)
	}
	if n, _ := f.entities.CountByRun(ctx, f.run); n != 0 {
		t.Fatalf("stale result created %d entities", n)
	}
	if failures, _ := f.docs.ListFailures(ctx, id); len(failures) != 0 {
		t.Fatalf("dropped result recorded failures: %+v", failures)
	}
	if f.queue.len() != 0 {
		t.Fatal("dropped result was retried")
	}
}

func TestDuplicateDeliveryRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	f.ocrDone(t, id)

	f.strategy.block = make(chan struct{})
	_, _ = f.orch.SubmitForExtraction(ctx, id, f.run, ExtractOptions{})
	job, _ := f.queue.pop()
	first := make(chan error, 1)
	go func() { first <- f.orch.Handle(ctx, job) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.doc(t, id).Status != constants.StatusExtractRunning {
		if time.Now().After(deadline) {
			t.Fatal("extraction never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	// the queue hands the same job out again while the first worker runs
	if err := f.orch.Handle(ctx, job); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	close(f.strategy.block)
	if err := <-first; err != nil {
		t.Fatal(err)
	}

	d := f.doc(t, id)
	if d.Status != constants.StatusExtractDone || d.Attempts != 1 {
		t.Fatalf("status=%s attempts=%d", d.Status, d.Attempts)
	}
	if n := f.foundCount(t, id); n != 1 {
		t.Fatalf("occurrences = %d, want 1", n)
	}
	f.strategy.mu.Lock()
	calls := f.strategy.calls
	f.strategy.mu.Unlock()
	if calls != 1 {
		t.Fatalf("strategy ran %d times", calls)
	}
}

func TestEnqueueFailureMarksError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	f.queue.err = errors.New("redis down")

	if _, err := f.orch.SubmitForOCR(ctx, id, OCROptions{}); err == nil {
		t.Fatal("expected enqueue error")
	}
	d := f.doc(t, id)
	if d.Status != constants.StatusError || d.LastError == nil || !strings.Contains(*d.LastError, "redis down") {
		t.Fatalf("status=%s last_error=%v", d.Status, d.LastError)
	}
	failures, _ := f.docs.ListFailures(ctx, id)
	if len(failures) != 1 || failures[0].Code != "ENQUEUE_FAILED" {
		t.Fatalf("failures = %+v", failures)
	}
}

func TestReconcileInterruptedDocuments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.orch.opts.StuckAfter = time.Millisecond

	ocrDoc := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	extDoc := f.upload(t, "b.txt", "text/plain", "Acme Corp")
	f.ocrDone(t, extDoc)

	_, _ = f.orch.SubmitForOCR(ctx, ocrDoc, OCROptions{})
	_, _ = f.orch.SubmitForExtraction(ctx, extDoc, f.run, ExtractOptions{ReplacePrior: true})
	for _, id := range []uuid.UUID{ocrDoc, extDoc} {
		job, _ := f.queue.pop()
		stage := constants.StageOCR
		if job.Kind == async.KindExtract {
			stage = constants.StageExtract
		}
		// worker dies after claiming
		if _, err := f.docs.MarkRunning(ctx, id, stage, job.ID); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(5 * time.Millisecond)

	rep, err := f.orch.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Interrupted != 2 || rep.Requeued != 2 {
		t.Fatalf("report = %+v", rep)
	}
	failures, _ := f.docs.ListFailures(ctx, ocrDoc)
	if len(failures) != 1 || failures[0].Reason != "interrupted" {
		t.Fatalf("failures = %+v", failures)
	}
	var ext async.Job
	for _, j := range f.queue.jobs {
		if j.DocumentID == extDoc {
			ext = j
		}
	}
	if ext.Kind != async.KindExtract || ext.RunID != f.run || !ext.ReplacePrior || ext.Attempt != 2 {
		t.Fatalf("rebuilt extraction job = %+v", ext)
	}

	f.drain(t)
	if st := f.doc(t, ocrDoc).Status; st != constants.StatusOCRDone {
		t.Fatalf("ocr doc = %s", st)
	}
	if st := f.doc(t, extDoc).Status; st != constants.StatusExtractDone {
		t.Fatalf("extraction doc = %s", st)
	}
	if st := f.doc(t, extDoc); st.Attempts != 2 {
		t.Fatalf("attempts = %d", st.Attempts)
	}
}

func TestRecoverQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.upload(t, "a.txt", "text/plain", "Acme Corp")
	_, _ = f.orch.SubmitForOCR(ctx, id, OCROptions{ChainRun: f.run})
	lost, _ := f.queue.pop()

	n, err := f.orch.RecoverQueued(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recovered %d, %v", n, err)
	}
	again, _ := f.queue.pop()
	if again.ID != lost.ID || again.Kind != async.KindOCR || again.RunID != f.run {
		t.Fatalf("recovered job = %+v, lost = %+v", again, lost)
	}
	_ = f.orch.Handle(ctx, again)
	f.drain(t)
	if st := f.doc(t, id).Status; st != constants.StatusExtractDone {
		t.Fatalf("status = %s", st)
	}
}

func TestBackoff(t *testing.T) {
	o := &Orchestrator{opts: Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 50 * time.Millisecond, 100 * time.Millisecond},
		{2, 100 * time.Millisecond, 200 * time.Millisecond},
		{4, 400 * time.Millisecond, 800 * time.Millisecond},
		{5, 500 * time.Millisecond, time.Second},
		{60, 500 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for range 20 {
			if d := o.backoff(tt.attempt); d < tt.min || d > tt.max {
				t.Fatalf("backoff(%d) = %v, want [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}
