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

// CreateRunRequest wraps parameters for creating an extraction run.
type CreateRunRequest struct {
	ProjectID   uuid.UUID
	UserID      string
	Name        string
	Description string
	Strategy    constants.Strategy
	ReferenceID *uuid.UUID
}

type RunRepository interface {
	Create(ctx context.Context, req *CreateRunRequest) (*entity.ExtractionRun, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRun, error)
	List(ctx context.Context, projectID *uuid.UUID) ([]*entity.ExtractionRun, error)
	// ListByDocument returns runs with at least one occurrence in the document.
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.ExtractionRun, error)
	// Delete removes the run with its entities and their occurrences.
	Delete(ctx context.Context, id uuid.UUID) error
}

type runRepository struct {
	client *Client
	log    *slog.Logger
}

func NewRunRepository(client *Client, log *slog.Logger) RunRepository {
	if log == nil {
		log = client.log
	}
	return &runRepository{client: client, log: log}
}

var runColumns = []string{"id", "project_id", "user_id", "name", "description", "strategy", "reference_id", "created_at"}

func scanRun(rows *entsql.Rows) (*entity.ExtractionRun, error) {
	var (
		run      entity.ExtractionRun
		strategy string
		ref      sql.NullString
		created  NullTime
	)
	if err := rows.Scan(&run.ID, &run.ProjectID, &run.UserID, &run.Name, &run.Description, &strategy, &ref, &created); err != nil {
		return nil, err
	}
	run.Strategy = constants.Strategy(strategy)
	if ref.Valid {
		id, err := uuid.Parse(ref.String)
		if err != nil {
			return nil, fmt.Errorf("run %s reference id: %w", run.ID, err)
		}
		run.ReferenceID = &id
	}
	run.CreatedAt = created.Time
	return &run, nil
}

func (r *runRepository) Create(ctx context.Context, req *CreateRunRequest) (*entity.ExtractionRun, error) {
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("strategy %q: %w", req.Strategy, common.ErrInvalidInput)
	}
	if (req.Strategy == constants.StrategyReference) != (req.ReferenceID != nil) {
		return nil, fmt.Errorf("reference id is required exactly when strategy is %s: %w", constants.StrategyReference, common.ErrInvalidInput)
	}
	run := &entity.ExtractionRun{
		ID:          uuid.New(),
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Name:        req.Name,
		Description: req.Description,
		Strategy:    req.Strategy,
		ReferenceID: req.ReferenceID,
		CreatedAt:   time.Now().UTC(),
	}
	err := r.client.RunTx(ctx, func(ctx context.Context) error {
		ok, err := r.client.exists(ctx, tableProjects, req.ProjectID)
		if err != nil {
			return dbErr("create run", err)
		}
		if !ok {
			return fmt.Errorf("project %s: %w", req.ProjectID, common.ErrNotFound)
		}
		var ref any
		if req.ReferenceID != nil {
			ok, err := r.client.exists(ctx, tableReferences, *req.ReferenceID)
			if err != nil {
				return dbErr("create run", err)
			}
			if !ok {
				return fmt.Errorf("reference %s: %w", *req.ReferenceID, common.ErrNotFound)
			}
			ref = *req.ReferenceID
		}
		ins := r.client.sql().Insert(tableRuns).
			Columns(runColumns...).
			Values(run.ID, run.ProjectID, run.UserID, run.Name, run.Description, string(run.Strategy), ref, r.client.Time(run.CreatedAt))
		if _, err := r.client.Exec(ctx, ins); err != nil {
			return dbErr("create run", err)
		}
		return nil
	})
	if err != nil {
		r.log.Error("run create failed", "project_id", req.ProjectID, "err", err)
		return nil, err
	}
	r.log.Info("extraction run created", "run_id", run.ID, "strategy", run.Strategy)
	return run, nil
}

func (r *runRepository) Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionRun, error) {
	b := r.client.sql()
	sel := b.Select(runColumns...).From(b.Table(tableRuns)).Where(entsql.EQ("id", id))
	runs, err := r.query(ctx, sel)
	if err != nil {
		return nil, dbErr("get run", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", id, common.ErrNotFound)
	}
	return runs[0], nil
}

func (r *runRepository) List(ctx context.Context, projectID *uuid.UUID) ([]*entity.ExtractionRun, error) {
	b := r.client.sql()
	sel := b.Select(runColumns...).From(b.Table(tableRuns)).OrderBy(entsql.Asc("created_at"), entsql.Asc("id"))
	if projectID != nil {
		sel.Where(entsql.EQ("project_id", *projectID))
	}
	runs, err := r.query(ctx, sel)
	if err != nil {
		return nil, dbErr("list runs", err)
	}
	return runs, nil
}

func (r *runRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.ExtractionRun, error) {
	b := r.client.sql()
	found := b.Select("entity_id").From(b.Table(tableEntityFound)).Where(entsql.EQ("document_id", documentID))
	ents := b.Select("extraction_run_id").From(b.Table(tableEntities)).Where(entsql.In("id", found))
	sel := b.Select(runColumns...).From(b.Table(tableRuns)).
		Where(entsql.In("id", ents)).
		OrderBy(entsql.Asc("created_at"), entsql.Asc("id"))
	runs, err := r.query(ctx, sel)
	if err != nil {
		return nil, dbErr("list runs by document", err)
	}
	return runs, nil
}

func (r *runRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.client.RunTx(ctx, func(ctx context.Context) error {
		ok, err := r.client.exists(ctx, tableRuns, id)
		if err != nil {
			return dbErr("delete run", err)
		}
		if !ok {
			return fmt.Errorf("run %s: %w", id, common.ErrNotFound)
		}
		b := r.client.sql()
		ents := b.Select("id").From(b.Table(tableEntities)).Where(entsql.EQ("extraction_run_id", id))
		if _, err := r.client.Exec(ctx, b.Delete(tableEntityFound).Where(entsql.In("entity_id", ents))); err != nil {
			return dbErr("delete run occurrences", err)
		}
		if _, err := r.client.Exec(ctx, b.Delete(tableEntities).Where(entsql.EQ("extraction_run_id", id))); err != nil {
			return dbErr("delete run entities", err)
		}
		if _, err := r.client.Exec(ctx, b.Delete(tableRuns).Where(entsql.EQ("id", id))); err != nil {
			return dbErr("delete run", err)
		}
		r.log.Info("extraction run deleted", "run_id", id)
		return nil
	})
}

func (r *runRepository) query(ctx context.Context, sel *entsql.Selector) ([]*entity.ExtractionRun, error) {
	var out []*entity.ExtractionRun
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		run, err := scanRun(rows)
		if err != nil {
			return err
		}
		out = append(out, run)
		return nil
	})
	return out, err
}
