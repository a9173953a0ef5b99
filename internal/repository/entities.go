package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
)

type EntityRepository interface {
	// Insert creates the entity or returns ErrDuplicateEntity when the run
	// already holds the normalized text. The statement never fails on the
	// conflict, so an enclosing transaction stays usable.
	Insert(ctx context.Context, runID uuid.UUID, text, label string) (*entity.Entity, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Entity, error)
	GetByText(ctx context.Context, runID uuid.UUID, text string) (*entity.Entity, error)
	// ListByRun returns the run's entities ordered by normalized text.
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*entity.Entity, error)
	CountByRun(ctx context.Context, runID uuid.UUID) (int, error)
	// Delete removes the entity and its occurrences.
	Delete(ctx context.Context, id uuid.UUID) error
}

type entityRepository struct {
	client *Client
	log    *slog.Logger
}

func NewEntityRepository(client *Client, log *slog.Logger) EntityRepository {
	if log == nil {
		log = client.log
	}
	return &entityRepository{client: client, log: log}
}

var entityColumns = []string{"id", "extraction_run_id", "normalized_text", "label", "created_at"}

func (r *entityRepository) Insert(ctx context.Context, runID uuid.UUID, text, label string) (*entity.Entity, error) {
	e := &entity.Entity{
		ID:              uuid.New(),
		ExtractionRunID: runID,
		Text:            text,
		Label:           label,
		CreatedAt:       time.Now().UTC(),
	}
	ins := r.client.sql().Insert(tableEntities).
		Columns(entityColumns...).
		Values(e.ID, e.ExtractionRunID, e.Text, e.Label, r.client.Time(e.CreatedAt)).
		OnConflict(entsql.ConflictColumns("extraction_run_id", "normalized_text"), entsql.DoNothing())
	res, err := r.client.Exec(ctx, ins)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, common.ErrDuplicateEntity
		}
		r.log.Error("entity insert failed", "run_id", runID, "err", err)
		return nil, dbErr("insert entity", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, common.ErrDuplicateEntity
	}
	return e, nil
}

func (r *entityRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Entity, error) {
	b := r.client.sql()
	out, err := r.query(ctx, b.Select(entityColumns...).From(b.Table(tableEntities)).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, dbErr("get entity", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return out[0], nil
}

func (r *entityRepository) GetByText(ctx context.Context, runID uuid.UUID, text string) (*entity.Entity, error) {
	b := r.client.sql()
	sel := b.Select(entityColumns...).From(b.Table(tableEntities)).
		Where(entsql.And(entsql.EQ("extraction_run_id", runID), entsql.EQ("normalized_text", text)))
	out, err := r.query(ctx, sel)
	if err != nil {
		return nil, dbErr("get entity by text", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("entity %q in run %s: %w", text, runID, common.ErrNotFound)
	}
	return out[0], nil
}

func (r *entityRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*entity.Entity, error) {
	b := r.client.sql()
	sel := b.Select(entityColumns...).From(b.Table(tableEntities)).
		Where(entsql.EQ("extraction_run_id", runID)).
		OrderBy(entsql.Asc("normalized_text"), entsql.Asc("id"))
	out, err := r.query(ctx, sel)
	if err != nil {
		r.log.Error("entity list failed", "run_id", runID, "err", err)
		return nil, dbErr("list entities", err)
	}
	return out, nil
}

func (r *entityRepository) CountByRun(ctx context.Context, runID uuid.UUID) (int, error) {
	b := r.client.sql()
	sel := b.Select(entsql.Count("*")).From(b.Table(tableEntities)).Where(entsql.EQ("extraction_run_id", runID))
	var n int
	if err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error { return rows.Scan(&n) }); err != nil {
		return 0, dbErr("count entities", err)
	}
	return n, nil
}

func (r *entityRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.client.RunTx(ctx, func(ctx context.Context) error {
		ok, err := r.client.exists(ctx, tableEntities, id)
		if err != nil {
			return dbErr("delete entity", err)
		}
		if !ok {
			return fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
		}
		b := r.client.sql()
		if _, err := r.client.Exec(ctx, b.Delete(tableEntityFound).Where(entsql.EQ("entity_id", id))); err != nil {
			return dbErr("delete entity occurrences", err)
		}
		if _, err := r.client.Exec(ctx, b.Delete(tableEntities).Where(entsql.EQ("id", id))); err != nil {
			return dbErr("delete entity", err)
		}
		r.log.Info("entity deleted", "entity_id", id)
		return nil
	})
}

func (r *entityRepository) query(ctx context.Context, sel *entsql.Selector) ([]*entity.Entity, error) {
	var out []*entity.Entity
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		var (
			e       entity.Entity
			created NullTime
		)
		if err := rows.Scan(&e.ID, &e.ExtractionRunID, &e.Text, &e.Label, &created); err != nil {
			return err
		}
		e.CreatedAt = created.Time
		out = append(out, &e)
		return nil
	})
	return out, err
}
