package repository

import (
	"context"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/entity"
)

// FoundFilter selects occurrences by entity, by document, or both. RunID
// narrows a document listing to one run.
type FoundFilter struct {
	EntityID   *uuid.UUID
	DocumentID *uuid.UUID
	RunID      *uuid.UUID
}

type EntityFoundRepository interface {
	Insert(ctx context.Context, f *entity.EntityFound) error
	// Clear deletes the document's occurrences under the run and returns how
	// many rows went.
	Clear(ctx context.Context, documentID, runID uuid.UUID) (int64, error)
	List(ctx context.Context, f FoundFilter) ([]*entity.EntityFoundDetail, error)
	Count(ctx context.Context, f FoundFilter) (int, error)
}

type foundRepository struct {
	client *Client
	log    *slog.Logger
}

func NewEntityFoundRepository(client *Client, log *slog.Logger) EntityFoundRepository {
	if log == nil {
		log = client.log
	}
	return &foundRepository{client: client, log: log}
}

func (r *foundRepository) Insert(ctx context.Context, f *entity.EntityFound) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	ins := r.client.sql().Insert(tableEntityFound).
		Columns("id", "entity_id", "document_id", "start_offset", "end_offset", "span_text", "created_at").
		Values(f.ID, f.EntityID, f.DocumentID, f.Start, f.End, f.SpanText, r.client.Time(f.CreatedAt))
	if _, err := r.client.Exec(ctx, ins); err != nil {
		r.log.Error("occurrence insert failed", "entity_id", f.EntityID, "document_id", f.DocumentID, "err", err)
		return dbErr("insert occurrence", err)
	}
	return nil
}

func (r *foundRepository) Clear(ctx context.Context, documentID, runID uuid.UUID) (int64, error) {
	b := r.client.sql()
	ents := b.Select("id").From(b.Table(tableEntities)).Where(entsql.EQ("extraction_run_id", runID))
	del := b.Delete(tableEntityFound).Where(entsql.And(
		entsql.EQ("document_id", documentID),
		entsql.In("entity_id", ents),
	))
	res, err := r.client.Exec(ctx, del)
	if err != nil {
		return 0, dbErr("clear occurrences", err)
	}
	n, _ := res.RowsAffected()
	r.log.Debug("occurrences cleared", "document_id", documentID, "run_id", runID, "count", n)
	return n, nil
}

func (r *foundRepository) selector(f FoundFilter, columns func(found, ents, docs *entsql.SelectTable) []string) *entsql.Selector {
	b := r.client.sql()
	// columns are qualified by alias; Join would otherwise rename the
	// joined tables after the select list was built
	found := b.Table(tableEntityFound).As("f")
	ents := b.Table(tableEntities).As("e")
	docs := b.Table(tableDocuments).As("d")
	sel := b.Select(columns(found, ents, docs)...).
		From(found).
		Join(ents).On(found.C("entity_id"), ents.C("id")).
		Join(docs).On(found.C("document_id"), docs.C("id"))
	var preds []*entsql.Predicate
	if f.EntityID != nil {
		preds = append(preds, entsql.EQ(found.C("entity_id"), *f.EntityID))
	}
	if f.DocumentID != nil {
		preds = append(preds, entsql.EQ(found.C("document_id"), *f.DocumentID))
	}
	if f.RunID != nil {
		preds = append(preds, entsql.EQ(ents.C("extraction_run_id"), *f.RunID))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	return sel
}

func (r *foundRepository) List(ctx context.Context, f FoundFilter) ([]*entity.EntityFoundDetail, error) {
	var found, ents *entsql.SelectTable
	sel := r.selector(f, func(fo, en, do *entsql.SelectTable) []string {
		found, ents = fo, en
		return []string{
			fo.C("id"), fo.C("entity_id"), fo.C("document_id"), fo.C("start_offset"), fo.C("end_offset"),
			fo.C("span_text"), fo.C("created_at"), en.C("extraction_run_id"), en.C("normalized_text"),
			en.C("label"), do.C("name"),
		}
	})
	sel.OrderBy(found.C("document_id"), found.C("start_offset"), ents.C("normalized_text"), found.C("id"))
	var out []*entity.EntityFoundDetail
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		var (
			d       entity.EntityFoundDetail
			created NullTime
		)
		if err := rows.Scan(&d.ID, &d.EntityID, &d.DocumentID, &d.Start, &d.End, &d.SpanText, &created,
			&d.ExtractionRunID, &d.EntityText, &d.Label, &d.DocumentName); err != nil {
			return err
		}
		d.CreatedAt = created.Time
		out = append(out, &d)
		return nil
	})
	if err != nil {
		r.log.Error("occurrence list failed", "err", err)
		return nil, dbErr("list occurrences", err)
	}
	return out, nil
}

func (r *foundRepository) Count(ctx context.Context, f FoundFilter) (int, error) {
	sel := r.selector(f, func(_, _, _ *entsql.SelectTable) []string {
		return []string{entsql.Count("*")}
	})
	var n int
	if err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error { return rows.Scan(&n) }); err != nil {
		return 0, dbErr("count occurrences", err)
	}
	return n, nil
}
