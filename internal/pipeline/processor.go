// Package pipeline owns the document state machine: it queues stage work,
// runs it on workers, records failures and retries them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/async"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/repository"
)

var (
	// ErrNotOCRComplete rejects extraction for documents without text.
	ErrNotOCRComplete = errors.New("not OCR-complete")
	errSuperseded     = errors.New("job superseded")
)

// Options is the retry and reconciliation policy.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	StuckAfter     time.Duration
	ReconcileEvery time.Duration
	// RecoverQueued re-dispatches queued documents at startup. Needed when
	// the queue does not survive a restart.
	RecoverQueued bool
}

func OptionsFrom(c common.PipelineConfig) Options {
	return Options{
		MaxAttempts:    c.MaxAttempts,
		BackoffBase:    c.BackoffBase,
		BackoffMax:     c.BackoffMax,
		StuckAfter:     c.StuckAfter,
		ReconcileEvery: c.ReconcileEvery,
	}
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = max(time.Minute, o.BackoffBase)
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Client    *repository.Client
	Documents repository.DocumentRepository
	Runs      repository.RunRepository
	Queue     async.Queue
	OCR       *OCRStage
	Extract   *ExtractStage
}

// OCROptions tunes SubmitForOCR.
type OCROptions struct {
	// ChainRun queues extraction under this run once OCR succeeds.
	ChainRun     uuid.UUID
	ReplacePrior bool
}

// ExtractOptions tunes SubmitForExtraction.
type ExtractOptions struct {
	// ReplacePrior clears the document's occurrences under the run before
	// recording new ones. Without it re-extraction appends.
	ReplacePrior bool
}

// Rejection is a document a batch submission did not accept.
type Rejection struct {
	DocumentID uuid.UUID `json:"document_id"`
	Reason     string    `json:"reason"`
}

// BatchReport acknowledges a batch submission. Acceptance only: outcomes
// are read back from document status.
type BatchReport struct {
	Accepted []uuid.UUID `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// ReconcileReport counts what a reconcile pass did.
type ReconcileReport struct {
	Interrupted int
	Requeued    int
}

// Orchestrator sequences OCR then extraction per document. Only it moves
// document status.
type Orchestrator struct {
	client  *repository.Client
	docs    repository.DocumentRepository
	runs    repository.RunRepository
	queue   async.Queue
	ocr     *OCRStage
	extract *ExtractStage
	opts    Options
	logger  *slog.Logger

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(d Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	opts.defaults()
	return &Orchestrator{
		client:  d.Client,
		docs:    d.Documents,
		runs:    d.Runs,
		queue:   d.Queue,
		ocr:     d.OCR,
		extract: d.Extract,
		opts:    opts,
		logger:  logger,
	}
}

// SubmitForOCR queues one OCR job for the document and returns once the
// document is ocr_queued.
func (o *Orchestrator) SubmitForOCR(ctx context.Context, documentID uuid.UUID, opts OCROptions) (*entity.Document, error) {
	if opts.ChainRun != uuid.Nil {
		if _, err := o.runs.Get(ctx, opts.ChainRun); err != nil {
			return nil, err
		}
	}
	job := async.NewJob(async.KindOCR, documentID)
	job.RunID = opts.ChainRun
	job.ReplacePrior = opts.ReplacePrior
	return o.dispatch(ctx, constants.StageOCR, job, true)
}

// SubmitForExtraction queues one extraction job. The document must have
// text.
func (o *Orchestrator) SubmitForExtraction(ctx context.Context, documentID, runID uuid.UUID, opts ExtractOptions) (*entity.Document, error) {
	if _, err := o.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	return o.submitExtraction(ctx, documentID, runID, opts)
}

func (o *Orchestrator) submitExtraction(ctx context.Context, documentID, runID uuid.UUID, opts ExtractOptions) (*entity.Document, error) {
	doc, err := o.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Deleted() {
		return nil, fmt.Errorf("document %s: %w", documentID, common.ErrDocumentGone)
	}
	if !extractable(doc) {
		return nil, fmt.Errorf("document %s is %s: %w: %w", documentID, doc.Status, ErrNotOCRComplete, common.ErrConflict)
	}
	job := async.NewJob(async.KindExtract, documentID)
	job.RunID = runID
	job.ReplacePrior = opts.ReplacePrior
	return o.dispatch(ctx, constants.StageExtract, job, true)
}

// extractable reports whether OCR text exists for extraction to read.
func extractable(d *entity.Document) bool {
	if !d.HasText() {
		return false
	}
	return d.Status.HasText() || d.Status == constants.StatusError
}

// SubmitBatchOCR submits each document independently.
func (o *Orchestrator) SubmitBatchOCR(ctx context.Context, ids []uuid.UUID, opts OCROptions) (BatchReport, error) {
	if opts.ChainRun != uuid.Nil {
		if _, err := o.runs.Get(ctx, opts.ChainRun); err != nil {
			return BatchReport{}, err
		}
	}
	return o.batch(constants.StageOCR, ids, func(id uuid.UUID) error {
		doc, err := o.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.Deleted() {
			return fmt.Errorf("document %s: %w", id, common.ErrDocumentGone)
		}
		job := async.NewJob(async.KindOCR, id)
		job.RunID = opts.ChainRun
		job.ReplacePrior = opts.ReplacePrior
		_, err = o.dispatch(ctx, constants.StageOCR, job, true)
		return err
	}), nil
}

// SubmitBatchExtraction submits each document under the run independently.
// Documents without text are rejected and keep their status.
func (o *Orchestrator) SubmitBatchExtraction(ctx context.Context, runID uuid.UUID, ids []uuid.UUID, opts ExtractOptions) (BatchReport, error) {
	if _, err := o.runs.Get(ctx, runID); err != nil {
		return BatchReport{}, err
	}
	return o.batch(constants.StageExtract, ids, func(id uuid.UUID) error {
		_, err := o.submitExtraction(ctx, id, runID, opts)
		return err
	}), nil
}

func (o *Orchestrator) batch(stage constants.Stage, ids []uuid.UUID, submit func(uuid.UUID) error) BatchReport {
	report := BatchReport{Accepted: []uuid.UUID{}, Rejected: []Rejection{}}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := submit(id); err != nil {
			report.Rejected = append(report.Rejected, Rejection{DocumentID: id, Reason: rejectReason(err)})
			o.logger.Warn("pipeline.submit.rejected", "stage", stage, "document_id", id, "err", err)
			continue
		}
		report.Accepted = append(report.Accepted, id)
	}
	o.logger.Info("pipeline.batch.submitted", "stage", stage, "accepted", len(report.Accepted), "rejected", len(report.Rejected))
	return report
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return "not found"
	case errors.Is(err, common.ErrDocumentGone):
		return "deleted"
	case errors.Is(err, ErrNotOCRComplete):
		return "not OCR-complete"
	}
	return err.Error()
}

// dispatch hands the document to job and enqueues it. reset starts a new
// attempt series; retries keep the counter.
func (o *Orchestrator) dispatch(ctx context.Context, stage constants.Stage, job async.Job, reset bool) (*entity.Document, error) {
	t := repository.Ticket{JobID: job.ID, RunID: job.RunID, ReplacePrior: job.ReplacePrior}
	var (
		doc *entity.Document
		err error
	)
	if reset {
		doc, err = o.docs.MarkQueued(ctx, job.DocumentID, stage, t)
	} else {
		doc, err = o.docs.Requeue(ctx, job.DocumentID, stage, t)
	}
	if err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		o.logger.Error("pipeline.enqueue.failed", "stage", stage, "document_id", job.DocumentID, "job_id", job.ID, "err", err)
		_, _ = o.docs.MarkFailed(context.WithoutCancel(ctx), job.DocumentID, repository.FailureRecord{
			Stage:   stage,
			Code:    "ENQUEUE_FAILED",
			Reason:  "enqueue: " + err.Error(),
			Attempt: doc.Attempts,
			JobID:   job.ID,
		})
		return nil, fmt.Errorf("enqueue %s job: %w", stage, err)
	}
	o.logger.Info("pipeline.submitted",
		"stage", stage,
		"document_id", job.DocumentID,
		"run_id", job.RunID,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"not_before", job.NotBefore,
		"request_id", common.RequestIDFromContext(ctx),
	)
	return doc, nil
}

// Handle is the queue handler. Stage failures are recorded on the
// document and never returned; an error means the failure itself could
// not be recorded and the job should be redelivered.
func (o *Orchestrator) Handle(ctx context.Context, job async.Job) error {
	switch job.Kind {
	case async.KindOCR:
		return o.RunOCR(ctx, job)
	case async.KindExtract:
		return o.RunExtraction(ctx, job)
	}
	o.logger.Error("pipeline.job.unknown_kind", "job_id", job.ID, "kind", job.Kind)
	return nil
}

// claim moves the document to running for job. ok is false when the job
// should be dropped.
func (o *Orchestrator) claim(ctx context.Context, stage constants.Stage, job async.Job) (*entity.Document, bool, error) {
	doc, err := o.docs.MarkRunning(ctx, job.DocumentID, stage, job.ID)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, common.ErrDocumentGone), errors.Is(err, common.ErrConflict):
		o.logger.Info("pipeline.job.dropped", "stage", stage, "document_id", job.DocumentID, "job_id", job.ID, "reason", err.Error())
		return nil, false, nil
	}
	return nil, false, err
}

// owned fails unless job still owns the document. Called inside the
// commit transaction after the status write has locked the row.
func (o *Orchestrator) owned(ctx context.Context, job async.Job) error {
	cur, err := o.docs.Get(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if cur.Deleted() {
		return fmt.Errorf("document %s: %w", cur.ID, common.ErrDocumentGone)
	}
	if cur.JobID != job.ID {
		return fmt.Errorf("document %s now owned by %s: %w", cur.ID, cur.JobID, errSuperseded)
	}
	return nil
}

// superseded reclassifies a rejected status write: a newer submission has
// moved the document on.
func superseded(err error) error {
	if errors.Is(err, common.ErrConflict) {
		return fmt.Errorf("%w: %w", errSuperseded, err)
	}
	return err
}

// RunOCR is the OCR worker entry point.
func (o *Orchestrator) RunOCR(ctx context.Context, job async.Job) error {
	doc, ok, err := o.claim(ctx, constants.StageOCR, job)
	if !ok {
		return err
	}
	res, err := o.ocr.Run(ctx, doc)
	if err == nil {
		err = o.client.RunTx(ctx, func(ctx context.Context) error {
			if err := o.docs.CompleteOCR(ctx, doc.ID, res.Text); err != nil {
				return superseded(err)
			}
			return o.owned(ctx, job)
		})
	}
	if err != nil {
		return o.fail(ctx, constants.StageOCR, job, doc, err)
	}
	o.logger.Info("pipeline.ocr.done", "document_id", doc.ID, "job_id", job.ID, "attempt", doc.Attempts)

	if job.RunID != uuid.Nil {
		if _, err := o.submitExtraction(ctx, doc.ID, job.RunID, ExtractOptions{ReplacePrior: job.ReplacePrior}); err != nil {
			o.logger.Error("pipeline.chain.failed", "document_id", doc.ID, "run_id", job.RunID, "err", err)
		}
	}
	return nil
}

// RunExtraction is the extraction worker entry point. Occurrences and the
// extract_done status commit together.
func (o *Orchestrator) RunExtraction(ctx context.Context, job async.Job) error {
	doc, ok, err := o.claim(ctx, constants.StageExtract, job)
	if !ok {
		return err
	}
	occs, err := o.extract.Extract(ctx, doc, job.RunID)
	if err == nil {
		err = o.client.RunTx(ctx, func(ctx context.Context) error {
			if err := o.docs.CompleteExtraction(ctx, doc.ID); err != nil {
				return superseded(err)
			}
			if err := o.owned(ctx, job); err != nil {
				return err
			}
			_, err := o.extract.Persist(ctx, doc, job.RunID, occs, job.ReplacePrior)
			return err
		})
	}
	if err != nil {
		return o.fail(ctx, constants.StageExtract, job, doc, err)
	}
	o.logger.Info("pipeline.extract.done", "document_id", doc.ID, "run_id", job.RunID, "job_id", job.ID, "occurrences", len(occs))
	return nil
}

// fail records cause on the document and schedules a retry when the error
// is transient and attempts remain.
func (o *Orchestrator) fail(ctx context.Context, stage constants.Stage, job async.Job, doc *entity.Document, cause error) error {
	// the job context may be spent; the record must still be written
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, common.ErrDocumentGone) || errors.Is(cause, errSuperseded) {
		o.logger.Info("pipeline.result.dropped", "stage", stage, "document_id", doc.ID, "job_id", job.ID, "reason", cause.Error())
		return nil
	}

	failed, err := o.docs.MarkFailed(ctx, doc.ID, repository.FailureRecord{
		Stage:   stage,
		Code:    common.FailureCode(cause),
		Reason:  cause.Error(),
		Attempt: doc.Attempts,
		JobID:   job.ID,
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("record %s failure: %w", stage, err)
	}
	o.logger.Error("pipeline."+string(stage)+".failed",
		"document_id", doc.ID,
		"run_id", job.RunID,
		"job_id", job.ID,
		"attempt", failed.Attempts,
		"code", common.FailureCode(cause),
		"err", cause,
	)

	switch {
	case !common.Retryable(cause):
		return nil
	case failed.Attempts >= o.opts.MaxAttempts:
		o.logger.Warn("pipeline.retry.exhausted", "stage", stage, "document_id", doc.ID, "attempts", failed.Attempts)
		return nil
	case failed.JobID != job.ID:
		return nil
	}

	delay := o.backoff(failed.Attempts)
	next := job.Retry(time.Now().Add(delay))
	if _, err := o.dispatch(ctx, stage, next, false); err != nil {
		o.logger.Error("pipeline.retry.failed", "stage", stage, "document_id", doc.ID, "err", err)
		return nil
	}
	o.logger.Info("pipeline.retry.scheduled", "stage", stage, "document_id", doc.ID, "attempt", next.Attempt, "delay", delay)
	return nil
}

// backoff is base*2^(attempt-1), capped, with jitter over its upper half.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.opts.BackoffMax
	if attempt >= 1 && attempt <= 30 {
		if exp := o.opts.BackoffBase << (attempt - 1); exp > 0 && exp < d {
			d = exp
		}
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func stageOf(s constants.Status) constants.Stage {
	switch s {
	case constants.StatusExtractQueued, constants.StatusExtractRunning, constants.StatusExtractDone:
		return constants.StageExtract
	}
	return constants.StageOCR
}

// jobFor rebuilds the job a document's ticket describes.
func jobFor(stage constants.Stage, d *entity.Document, id string) (async.Job, bool) {
	kind := async.KindOCR
	if stage == constants.StageExtract {
		kind = async.KindExtract
	}
	job := async.NewJob(kind, d.ID)
	job.ID = id
	job.Attempt = d.Attempts + 1
	job.ReplacePrior = d.ReplacePrior
	if d.RunID != nil {
		job.RunID = *d.RunID
	}
	if kind == async.KindExtract && job.RunID == uuid.Nil {
		return job, false
	}
	return job, true
}

// Reconcile moves documents stuck in a running status to error with reason
// "interrupted" and requeues those with attempts left.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	stuck, err := o.docs.FindStuck(ctx, time.Now().Add(-o.opts.StuckAfter))
	if err != nil {
		return rep, err
	}
	for _, d := range stuck {
		stage := stageOf(d.Status)
		failed, err := o.docs.MarkFailed(ctx, d.ID, repository.FailureRecord{
			Stage:   stage,
			Code:    "INTERRUPTED",
			Reason:  "interrupted",
			Attempt: d.Attempts,
			JobID:   d.JobID,
		})
		if err != nil {
			o.logger.Error("pipeline.reconcile.mark_failed", "document_id", d.ID, "err", err)
			continue
		}
		rep.Interrupted++
		if failed.Attempts >= o.opts.MaxAttempts {
			continue
		}
		job, ok := jobFor(stage, failed, async.NewID())
		if !ok {
			o.logger.Warn("pipeline.reconcile.no_run", "document_id", d.ID)
			continue
		}
		if _, err := o.dispatch(ctx, stage, job, false); err != nil {
			o.logger.Error("pipeline.reconcile.requeue_failed", "document_id", d.ID, "err", err)
			continue
		}
		rep.Requeued++
	}
	if rep.Interrupted > 0 {
		o.logger.Warn("pipeline.reconcile.done", "interrupted", rep.Interrupted, "requeued", rep.Requeued)
	}
	return rep, nil
}

// RecoverQueued re-enqueues the owning job of every queued document. Used
// at startup with a queue that lost its contents.
func (o *Orchestrator) RecoverQueued(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []constants.Status{constants.StatusOCRQueued, constants.StatusExtractQueued} {
		docs, err := o.docs.List(ctx, repository.DocumentFilter{Status: st})
		if err != nil {
			return n, err
		}
		for _, d := range docs {
			if d.JobID == "" {
				continue
			}
			job, ok := jobFor(stageOf(st), d, d.JobID)
			if !ok {
				continue
			}
			job.Attempt = max(d.Attempts, 1)
			if err := o.queue.Enqueue(ctx, job); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		o.logger.Info("pipeline.recover.done", "recovered", n)
	}
	return n, nil
}

// Start runs startup reconciliation, starts the queue consumers and the
// periodic reconciler. It returns once they are running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.Reconcile(ctx); err != nil {
		o.logger.Error("pipeline.reconcile.failed", "err", err)
	}
	if o.opts.RecoverQueued {
		if _, err := o.RecoverQueued(ctx); err != nil {
			o.logger.Error("pipeline.recover.failed", "err", err)
		}
	}
	if err := o.queue.Start(ctx, o.Handle); err != nil {
		return err
	}
	if o.opts.ReconcileEvery <= 0 {
		return nil
	}
	ctx, o.stop = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(o.opts.ReconcileEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("pipeline.reconcile.failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// Shutdown stops the reconciler and drains the queue.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.stop != nil {
		o.stop()
	}
	o.wg.Wait()
	return o.queue.Shutdown(ctx)
}
