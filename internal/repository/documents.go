package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
)

// DocumentFilter narrows List. Zero values match everything except
// soft-deleted documents.
type DocumentFilter struct {
	ProjectID      *uuid.UUID
	UserID         string
	Status         constants.Status
	IncludeDeleted bool
	Limit          int
}

// CreateDocumentRequest wraps parameters for registering uploaded content.
type CreateDocumentRequest struct {
	ProjectID     uuid.UUID
	UserID        string
	Name          string
	ContentHandle string
	ContentType   string
}

// DocumentRepository owns every write to documents.status. Status changes
// go through the state machine in constants.CanTransition.
type DocumentRepository interface {
	Create(ctx context.Context, req *CreateDocumentRequest) (*entity.Document, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	List(ctx context.Context, f DocumentFilter) ([]*entity.Document, error)

	// MarkQueued moves the document into the queued status of stage, hands
	// it to the ticket's job and resets its attempt counter. Allowed from
	// any status.
	MarkQueued(ctx context.Context, id uuid.UUID, stage constants.Stage, t Ticket) (*entity.Document, error)
	// Requeue is MarkQueued for a retry: the attempt counter is kept.
	Requeue(ctx context.Context, id uuid.UUID, stage constants.Stage, t Ticket) (*entity.Document, error)
	// MarkRunning claims the document for a worker. Returns ErrDocumentGone
	// for deleted documents and ErrConflict if the document is not queued
	// for stage or jobID has been superseded by a later submission. An
	// empty jobID skips the ownership check.
	MarkRunning(ctx context.Context, id uuid.UUID, stage constants.Stage, jobID string) (*entity.Document, error)
	CompleteOCR(ctx context.Context, id uuid.UUID, text string) error
	CompleteExtraction(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a failure row and mirrors the reason on the
	// document. The status moves to error while the stage is running or
	// when the failure belongs to the job that owns the document; a failure
	// reported by a superseded job keeps the newer status.
	MarkFailed(ctx context.Context, id uuid.UUID, f FailureRecord) (*entity.Document, error)

	Move(ctx context.Context, id, projectID uuid.UUID) error
	// SoftDelete sets deleted_at and removes the document's occurrences.
	// Entities are left in place.
	SoftDelete(ctx context.Context, id uuid.UUID) error
	// FindStuck lists live documents held in a running status since before.
	FindStuck(ctx context.Context, before time.Time) ([]*entity.Document, error)
	ListFailures(ctx context.Context, id uuid.UUID) ([]*entity.Failure, error)
}

// Ticket identifies the queued job that owns a document. RunID and
// ReplacePrior are kept for extraction so an interrupted job can be rebuilt.
type Ticket struct {
	JobID        string
	RunID        uuid.UUID
	ReplacePrior bool
}

// FailureRecord describes one failed stage attempt.
type FailureRecord struct {
	Stage   constants.Stage
	Code    string
	Reason  string
	Attempt int
	JobID   string
}

type documentRepository struct {
	client *Client
	log    *slog.Logger
}

func NewDocumentRepository(client *Client, log *slog.Logger) DocumentRepository {
	if log == nil {
		log = client.log
	}
	return &documentRepository{client: client, log: log}
}

var documentColumns = []string{
	"id", "project_id", "user_id", "name", "content_handle", "content_type",
	"text", "status", "last_error", "attempts", "job_id", "run_id", "replace_prior", "created_at", "updated_at", "deleted_at",
}

func scanDocument(rows *entsql.Rows) (*entity.Document, error) {
	var (
		d                         entity.Document
		text, lastErr, jobID      sql.NullString
		runID                     uuid.NullUUID
		replace                   int
		status                    string
		created, updated, deleted NullTime
	)
	err := rows.Scan(&d.ID, &d.ProjectID, &d.UserID, &d.Name, &d.ContentHandle, &d.ContentType,
		&text, &status, &lastErr, &d.Attempts, &jobID, &runID, &replace, &created, &updated, &deleted)
	if err != nil {
		return nil, err
	}
	st, ok := constants.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("document %s has unknown status %q", d.ID, status)
	}
	d.Status = st
	d.Text = strPtr(text)
	d.LastError = strPtr(lastErr)
	d.JobID = jobID.String
	if runID.Valid {
		d.RunID = &runID.UUID
	}
	d.ReplacePrior = replace != 0
	d.CreatedAt = created.Time
	d.UpdatedAt = updated.Time
	d.DeletedAt = deleted.Ptr()
	return &d, nil
}

func (r *documentRepository) Create(ctx context.Context, req *CreateDocumentRequest) (*entity.Document, error) {
	ok, err := r.client.exists(ctx, tableProjects, req.ProjectID)
	if err != nil {
		return nil, dbErr("create document", err)
	}
	if !ok {
		return nil, fmt.Errorf("project %s: %w", req.ProjectID, common.ErrNotFound)
	}
	now := time.Now().UTC()
	d := &entity.Document{
		ID:            uuid.New(),
		ProjectID:     req.ProjectID,
		UserID:        req.UserID,
		Name:          req.Name,
		ContentHandle: req.ContentHandle,
		ContentType:   req.ContentType,
		Status:        constants.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b := r.client.sql()
	ins := b.Insert(tableDocuments).
		Columns("id", "project_id", "user_id", "name", "content_handle", "content_type", "status", "attempts", "created_at", "updated_at").
		Values(d.ID, d.ProjectID, d.UserID, d.Name, d.ContentHandle, d.ContentType, string(d.Status), 0, r.client.Time(now), r.client.Time(now))
	if _, err := r.client.Exec(ctx, ins); err != nil {
		r.log.Error("document create failed", "project_id", req.ProjectID, "err", err)
		return nil, dbErr("create document", err)
	}
	r.log.Info("document created", "document_id", d.ID, "project_id", d.ProjectID, "content_type", d.ContentType)
	return d, nil
}

func (r *documentRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	b := r.client.sql()
	sel := b.Select(documentColumns...).From(b.Table(tableDocuments)).Where(entsql.EQ("id", id))
	var out *entity.Document
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		d, err := scanDocument(rows)
		out = d
		return err
	})
	if err != nil {
		return nil, dbErr("get document", err)
	}
	if out == nil {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return out, nil
}

func (r *documentRepository) List(ctx context.Context, f DocumentFilter) ([]*entity.Document, error) {
	b := r.client.sql()
	sel := b.Select(documentColumns...).From(b.Table(tableDocuments)).
		OrderBy(entsql.Asc("created_at"), entsql.Asc("id"))
	var preds []*entsql.Predicate
	if f.ProjectID != nil {
		preds = append(preds, entsql.EQ("project_id", *f.ProjectID))
	}
	if f.UserID != "" {
		preds = append(preds, entsql.EQ("user_id", f.UserID))
	}
	if f.Status != "" {
		preds = append(preds, entsql.EQ("status", string(f.Status)))
	}
	if !f.IncludeDeleted {
		preds = append(preds, entsql.IsNull("deleted_at"))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	var out []*entity.Document
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		d, err := scanDocument(rows)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		r.log.Error("document list failed", "err", err)
		return nil, dbErr("list documents", err)
	}
	return out, nil
}

func (r *documentRepository) MarkQueued(ctx context.Context, id uuid.UUID, stage constants.Stage, t Ticket) (*entity.Document, error) {
	return r.queue(ctx, id, stage, t, true)
}

func (r *documentRepository) Requeue(ctx context.Context, id uuid.UUID, stage constants.Stage, t Ticket) (*entity.Document, error) {
	return r.queue(ctx, id, stage, t, false)
}

func (r *documentRepository) queue(ctx context.Context, id uuid.UUID, stage constants.Stage, t Ticket, reset bool) (*entity.Document, error) {
	var out *entity.Document
	err := r.client.RunTx(ctx, func(ctx context.Context) error {
		d, err := r.live(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		upd := r.client.sql().Update(tableDocuments).
			Set("status", string(stage.Queued())).
			Set("job_id", t.JobID).
			Set("replace_prior", boolInt(t.ReplacePrior)).
			Set("updated_at", r.client.Time(now)).
			Where(entsql.EQ("id", id))
		d.RunID = nil
		if t.RunID != uuid.Nil {
			upd.Set("run_id", t.RunID)
			d.RunID = &t.RunID
		} else {
			upd.SetNull("run_id")
		}
		if reset {
			upd.Set("attempts", 0)
			d.Attempts = 0
		}
		if _, err := r.client.Exec(ctx, upd); err != nil {
			return dbErr("queue document", err)
		}
		d.Status, d.JobID, d.ReplacePrior, d.UpdatedAt = stage.Queued(), t.JobID, t.ReplacePrior, now
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("document queued", "document_id", id, "stage", stage, "job_id", t.JobID, "attempts", out.Attempts)
	return out, nil
}

func (r *documentRepository) MarkRunning(ctx context.Context, id uuid.UUID, stage constants.Stage, jobID string) (*entity.Document, error) {
	var out *entity.Document
	err := r.client.RunTx(ctx, func(ctx context.Context) error {
		// compare-and-set: of two deliveries racing for the same queued
		// document exactly one sees a row affected
		where := []*entsql.Predicate{
			entsql.EQ("id", id),
			entsql.EQ("status", string(stage.Queued())),
			entsql.IsNull("deleted_at"),
		}
		if jobID != "" {
			where = append(where, entsql.EQ("job_id", jobID))
		}
		upd := r.client.sql().Update(tableDocuments).
			Set("status", string(stage.Running())).
			Add("attempts", 1).
			Set("updated_at", r.client.Time(time.Now())).
			Where(entsql.And(where...))
		res, err := r.client.Exec(ctx, upd)
		if err != nil {
			return dbErr("start document", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbErr("start document", err)
		}
		d, err := r.live(ctx, id)
		if err != nil {
			return err
		}
		if n == 1 {
			out = d
			return nil
		}
		if jobID != "" && d.JobID != jobID {
			return fmt.Errorf("document %s is owned by job %s, not %s: %w", id, d.JobID, jobID, common.ErrConflict)
		}
		return fmt.Errorf("document %s is %s, cannot start %s: %w", id, d.Status, stage, common.ErrConflict)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepository) CompleteOCR(ctx context.Context, id uuid.UUID, text string) error {
	return r.client.RunTx(ctx, func(ctx context.Context) error {
		d, err := r.live(ctx, id)
		if err != nil {
			return err
		}
		if !constants.CanTransition(d.Status, constants.StatusOCRDone) {
			return fmt.Errorf("document %s is %s, cannot finish ocr: %w", id, d.Status, common.ErrConflict)
		}
		upd := r.client.sql().Update(tableDocuments).
			Set("text", text).
			Set("status", string(constants.StatusOCRDone)).
			SetNull("last_error").
			Set("updated_at", r.client.Time(time.Now())).
			Where(entsql.EQ("id", id))
		if _, err := r.client.Exec(ctx, upd); err != nil {
			return dbErr("complete ocr", err)
		}
		return nil
	})
}

func (r *documentRepository) CompleteExtraction(ctx context.Context, id uuid.UUID) error {
	return r.client.RunTx(ctx, func(ctx context.Context) error {
		d, err := r.live(ctx, id)
		if err != nil {
			return err
		}
		if !constants.CanTransition(d.Status, constants.StatusExtractDone) {
			return fmt.Errorf("document %s is %s, cannot finish extraction: %w", id, d.Status, common.ErrConflict)
		}
		upd := r.client.sql().Update(tableDocuments).
			Set("status", string(constants.StatusExtractDone)).
			SetNull("last_error").
			Set("updated_at", r.client.Time(time.Now())).
			Where(entsql.EQ("id", id))
		if _, err := r.client.Exec(ctx, upd); err != nil {
			return dbErr("complete extraction", err)
		}
		return nil
	})
}

func (r *documentRepository) MarkFailed(ctx context.Context, id uuid.UUID, f FailureRecord) (*entity.Document, error) {
	var out *entity.Document
	err := r.client.RunTx(ctx, func(ctx context.Context) error {
		d, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		b := r.client.sql()
		ins := b.Insert(tableFailures).
			Columns("id", "document_id", "stage", "code", "reason", "attempt", "created_at").
			Values(uuid.New(), id, string(f.Stage), f.Code, f.Reason, f.Attempt, r.client.Time(now))
		if _, err := r.client.Exec(ctx, ins); err != nil {
			return dbErr("record failure", err)
		}
		upd := b.Update(tableDocuments).
			Set("last_error", f.Reason).
			Set("updated_at", r.client.Time(now)).
			Where(entsql.EQ("id", id))
		owner := f.JobID != "" && f.JobID == d.JobID
		if owner || constants.CanTransition(d.Status, constants.StatusError) {
			upd.Set("status", string(constants.StatusError))
			d.Status = constants.StatusError
		}
		if _, err := r.client.Exec(ctx, upd); err != nil {
			return dbErr("record failure", err)
		}
		reason := f.Reason
		d.LastError, d.UpdatedAt = &reason, now
		out = d
		return nil
	})
	if err != nil {
		r.log.Error("document failure not recorded", "document_id", id, "stage", f.Stage, "err", err)
		return nil, err
	}
	r.log.Warn("document failed", "document_id", id, "stage", f.Stage, "code", f.Code, "attempt", f.Attempt, "reason", f.Reason)
	return out, nil
}

func (r *documentRepository) Move(ctx context.Context, id, projectID uuid.UUID) error {
	return r.client.RunTx(ctx, func(ctx context.Context) error {
		if _, err := r.live(ctx, id); err != nil {
			return err
		}
		ok, err := r.client.exists(ctx, tableProjects, projectID)
		if err != nil {
			return dbErr("move document", err)
		}
		if !ok {
			return fmt.Errorf("project %s: %w", projectID, common.ErrNotFound)
		}
		upd := r.client.sql().Update(tableDocuments).
			Set("project_id", projectID).
			Set("updated_at", r.client.Time(time.Now())).
			Where(entsql.EQ("id", id))
		if _, err := r.client.Exec(ctx, upd); err != nil {
			return dbErr("move document", err)
		}
		r.log.Info("document moved", "document_id", id, "project_id", projectID)
		return nil
	})
}

func (r *documentRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.client.RunTx(ctx, func(ctx context.Context) error {
		d, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if d.Deleted() {
			return nil
		}
		// mark first: the row lock orders this against an extraction
		// committing occurrences for the same document
		b := r.client.sql()
		now := r.client.Time(time.Now())
		upd := b.Update(tableDocuments).
			Set("deleted_at", now).
			Set("updated_at", now).
			Where(entsql.EQ("id", id))
		if _, err := r.client.Exec(ctx, upd); err != nil {
			return dbErr("delete document", err)
		}
		del := b.Delete(tableEntityFound).Where(entsql.EQ("document_id", id))
		res, err := r.client.Exec(ctx, del)
		if err != nil {
			return dbErr("delete document occurrences", err)
		}
		n, _ := res.RowsAffected()
		r.log.Info("document deleted", "document_id", id, "occurrences_removed", n)
		return nil
	})
}

func (r *documentRepository) FindStuck(ctx context.Context, before time.Time) ([]*entity.Document, error) {
	b := r.client.sql()
	sel := b.Select(documentColumns...).From(b.Table(tableDocuments)).
		Where(entsql.And(
			entsql.In("status", string(constants.StatusOCRRunning), string(constants.StatusExtractRunning)),
			entsql.LT("updated_at", r.client.Time(before)),
			entsql.IsNull("deleted_at"),
		)).
		OrderBy(entsql.Asc("updated_at"))
	var out []*entity.Document
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		d, err := scanDocument(rows)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, dbErr("find stuck documents", err)
	}
	return out, nil
}

func (r *documentRepository) ListFailures(ctx context.Context, id uuid.UUID) ([]*entity.Failure, error) {
	b := r.client.sql()
	sel := b.Select("id", "document_id", "stage", "code", "reason", "attempt", "created_at").
		From(b.Table(tableFailures)).
		Where(entsql.EQ("document_id", id)).
		OrderBy(entsql.Asc("created_at"), entsql.Asc("id"))
	var out []*entity.Failure
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		var (
			f       entity.Failure
			stage   string
			created NullTime
		)
		if err := rows.Scan(&f.ID, &f.DocumentID, &stage, &f.Code, &f.Reason, &f.Attempt, &created); err != nil {
			return err
		}
		f.Stage = constants.Stage(stage)
		f.CreatedAt = created.Time
		out = append(out, &f)
		return nil
	})
	if err != nil {
		return nil, dbErr("list failures", err)
	}
	return out, nil
}

// live loads a document that has not been soft-deleted.
func (r *documentRepository) live(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, fmt.Errorf("document %s: %w", id, common.ErrDocumentGone)
		}
		return nil, err
	}
	if d.Deleted() {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrDocumentGone)
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
