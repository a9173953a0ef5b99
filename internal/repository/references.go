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

type ReferenceRepository interface {
	Create(ctx context.Context, userID, name, handle, contentType string) (*entity.Reference, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Reference, error)
	List(ctx context.Context, userID string) ([]*entity.Reference, error)
	// Delete fails with ErrConflict while any run still points at the reference.
	Delete(ctx context.Context, id uuid.UUID) (*entity.Reference, error)
}

type referenceRepository struct {
	client *Client
	log    *slog.Logger
}

func NewReferenceRepository(client *Client, log *slog.Logger) ReferenceRepository {
	if log == nil {
		log = client.log
	}
	return &referenceRepository{client: client, log: log}
}

var referenceColumns = []string{"id", "user_id", "name", "content_handle", "content_type", "created_at"}

func (r *referenceRepository) Create(ctx context.Context, userID, name, handle, contentType string) (*entity.Reference, error) {
	ref := &entity.Reference{
		ID:            uuid.New(),
		UserID:        userID,
		Name:          name,
		ContentHandle: handle,
		ContentType:   contentType,
		CreatedAt:     time.Now().UTC(),
	}
	ins := r.client.sql().Insert(tableReferences).
		Columns(referenceColumns...).
		Values(ref.ID, ref.UserID, ref.Name, ref.ContentHandle, ref.ContentType, r.client.Time(ref.CreatedAt))
	if _, err := r.client.Exec(ctx, ins); err != nil {
		r.log.Error("reference create failed", "name", name, "err", err)
		return nil, dbErr("create reference", err)
	}
	r.log.Info("reference created", "reference_id", ref.ID)
	return ref, nil
}

func (r *referenceRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Reference, error) {
	b := r.client.sql()
	refs, err := r.query(ctx, b.Select(referenceColumns...).From(b.Table(tableReferences)).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, dbErr("get reference", err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("reference %s: %w", id, common.ErrNotFound)
	}
	return refs[0], nil
}

func (r *referenceRepository) List(ctx context.Context, userID string) ([]*entity.Reference, error) {
	b := r.client.sql()
	sel := b.Select(referenceColumns...).From(b.Table(tableReferences)).OrderBy(entsql.Asc("name"), entsql.Asc("id"))
	if userID != "" {
		sel.Where(entsql.EQ("user_id", userID))
	}
	refs, err := r.query(ctx, sel)
	if err != nil {
		return nil, dbErr("list references", err)
	}
	return refs, nil
}

func (r *referenceRepository) Delete(ctx context.Context, id uuid.UUID) (*entity.Reference, error) {
	var out *entity.Reference
	err := r.client.RunTx(ctx, func(ctx context.Context) error {
		ref, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		b := r.client.sql()
		sel := b.Select(entsql.Count("*")).From(b.Table(tableRuns)).Where(entsql.EQ("reference_id", id))
		var n int
		if err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error { return rows.Scan(&n) }); err != nil {
			return dbErr("delete reference", err)
		}
		if n > 0 {
			return fmt.Errorf("reference %s is used by %d run(s): %w", id, n, common.ErrConflict)
		}
		if _, err := r.client.Exec(ctx, b.Delete(tableReferences).Where(entsql.EQ("id", id))); err != nil {
			return dbErr("delete reference", err)
		}
		out = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("reference deleted", "reference_id", id)
	return out, nil
}

func (r *referenceRepository) query(ctx context.Context, sel *entsql.Selector) ([]*entity.Reference, error) {
	var out []*entity.Reference
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		var (
			ref     entity.Reference
			created NullTime
		)
		if err := rows.Scan(&ref.ID, &ref.UserID, &ref.Name, &ref.ContentHandle, &ref.ContentType, &created); err != nil {
			return err
		}
		ref.CreatedAt = created.Time
		out = append(out, &ref)
		return nil
	})
	return out, err
}
