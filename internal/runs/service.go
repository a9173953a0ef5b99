// Package runs validates extraction run requests and serves the run's
// entities and occurrences.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/repository"
)

// Service handles run, entity and occurrence business logic.
type Service struct {
	runs     repository.RunRepository
	entities repository.EntityRepository
	found    repository.EntityFoundRepository
	logger   *slog.Logger
}

func NewService(runs repository.RunRepository, entities repository.EntityRepository, found repository.EntityFoundRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runs: runs, entities: entities, found: found, logger: logger}
}

// CreateRunRequest represents run creation parameters. Strategy defaults
// to nlp; the reference strategy needs a ReferenceID.
type CreateRunRequest struct {
	ProjectID   uuid.UUID
	UserID      string
	Name        string
	Description string
	Strategy    string
	ReferenceID *uuid.UUID
}

func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (*entity.ExtractionRun, error) {
	name := strings.TrimSpace(req.Name)
	strategy := constants.Strategy(strings.ToLower(strings.TrimSpace(req.Strategy)))
	if strategy == "" {
		strategy = constants.StrategyNLP
	}
	v := common.NewValidator().
		Field("name", name, common.Required, common.MaxLength(200)).
		Field("description", req.Description, common.MaxLength(2000)).
		Field("strategy", string(strategy), common.OneOf(string(constants.StrategyNLP), string(constants.StrategyReference)))
	if err := v.Err(); err != nil {
		return nil, err
	}
	switch {
	case strategy == constants.StrategyReference && req.ReferenceID == nil:
		return nil, fmt.Errorf("reference strategy needs reference_id: %w", common.ErrInvalidInput)
	case strategy == constants.StrategyNLP && req.ReferenceID != nil:
		return nil, fmt.Errorf("reference_id only applies to the reference strategy: %w", common.ErrInvalidInput)
	}

	run, err := s.runs.Create(ctx, &repository.CreateRunRequest{
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Strategy:    strategy,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("run created successfully", "run_id", run.ID, "strategy", run.Strategy)
	return run, nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*entity.ExtractionRun, error) {
	return s.runs.Get(ctx, id)
}

// ListRuns lists runs of a project (all projects when nil), or, when
// documentID is set, the runs that found something in that document.
func (s *Service) ListRuns(ctx context.Context, projectID, documentID *uuid.UUID) ([]*entity.ExtractionRun, error) {
	if documentID != nil {
		return s.runs.ListByDocument(ctx, *documentID)
	}
	return s.runs.List(ctx, projectID)
}

func (s *Service) DeleteRun(ctx context.Context, id uuid.UUID) error {
	return s.runs.Delete(ctx, id)
}

// ListEntities returns the run's entities ordered by normalized text.
func (s *Service) ListEntities(ctx context.Context, runID uuid.UUID) ([]*entity.Entity, error) {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.entities.ListByRun(ctx, runID)
}

func (s *Service) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	return s.entities.Delete(ctx, id)
}

// ListOccurrences lists occurrences by entity or by document; at least one
// of the two is required.
func (s *Service) ListOccurrences(ctx context.Context, f repository.FoundFilter) ([]*entity.EntityFoundDetail, error) {
	if f.EntityID == nil && f.DocumentID == nil {
		return nil, fmt.Errorf("entity_id or document_id is required: %w", common.ErrInvalidInput)
	}
	return s.found.List(ctx, f)
}
