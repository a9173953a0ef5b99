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

type ProjectRepository interface {
	Create(ctx context.Context, userID, name string) (*entity.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Project, error)
	List(ctx context.Context, userID string) ([]*entity.Project, error)
}

type projectRepository struct {
	client *Client
	log    *slog.Logger
}

func NewProjectRepository(client *Client, log *slog.Logger) ProjectRepository {
	if log == nil {
		log = client.log
	}
	return &projectRepository{client: client, log: log}
}

var projectColumns = []string{"id", "user_id", "name", "created_at"}

func scanProject(rows *entsql.Rows) (*entity.Project, error) {
	var (
		p       entity.Project
		created NullTime
	)
	if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = created.Time
	return &p, nil
}

func (r *projectRepository) Create(ctx context.Context, userID, name string) (*entity.Project, error) {
	p := &entity.Project{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	b := r.client.sql()
	ins := b.Insert(tableProjects).
		Columns(projectColumns...).
		Values(p.ID, p.UserID, p.Name, r.client.Time(p.CreatedAt))
	if _, err := r.client.Exec(ctx, ins); err != nil {
		r.log.Error("project create failed", "name", name, "err", err)
		return nil, dbErr("create project", err)
	}
	r.log.Info("project created", "project_id", p.ID, "user_id", userID)
	return p, nil
}

func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Project, error) {
	b := r.client.sql()
	sel := b.Select(projectColumns...).From(b.Table(tableProjects)).Where(entsql.EQ("id", id))
	var out *entity.Project
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		p, err := scanProject(rows)
		out = p
		return err
	})
	if err != nil {
		return nil, dbErr("get project", err)
	}
	if out == nil {
		return nil, fmt.Errorf("project %s: %w", id, common.ErrNotFound)
	}
	return out, nil
}

func (r *projectRepository) List(ctx context.Context, userID string) ([]*entity.Project, error) {
	b := r.client.sql()
	sel := b.Select(projectColumns...).From(b.Table(tableProjects)).OrderBy(entsql.Asc("created_at"), entsql.Asc("id"))
	if userID != "" {
		sel.Where(entsql.EQ("user_id", userID))
	}
	var out []*entity.Project
	err := r.client.Query(ctx, sel, func(rows *entsql.Rows) error {
		p, err := scanProject(rows)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		r.log.Error("project list failed", "user_id", userID, "err", err)
		return nil, dbErr("list projects", err)
	}
	return out, nil
}

// exists reports whether a row with the given id is present in table.
func (c *Client) exists(ctx context.Context, table string, id uuid.UUID) (bool, error) {
	b := c.sql()
	sel := b.Select("id").From(b.Table(table)).Where(entsql.EQ("id", id)).Limit(1)
	found := false
	err := c.Query(ctx, sel, func(rows *entsql.Rows) error {
		var v any
		found = true
		return rows.Scan(&v)
	})
	return found, err
}
