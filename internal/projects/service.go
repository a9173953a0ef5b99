package projects

import (
	"context"
	"log/slog"
	"strings"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/repository"
)

// Service handles project business logic.
type Service struct {
	projectRepo repository.ProjectRepository
	logger      *slog.Logger
}

// NewService creates a new project service.
func NewService(projectRepo repository.ProjectRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projectRepo: projectRepo,
		logger:      logger,
	}
}

const maxNameLen = 200

// CreateProjectRequest represents project creation parameters.
type CreateProjectRequest struct {
	UserID string
	Name   string
}

// CreateProject creates a new project.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*entity.Project, error) {
	name := strings.TrimSpace(req.Name)
	userID := strings.TrimSpace(req.UserID)
	v := common.NewValidator().
		Field("name", name, common.Required, common.MaxLength(maxNameLen)).
		Field("user_id", userID, common.Required, common.MaxLength(maxNameLen))
	if err := v.Err(); err != nil {
		return nil, err
	}

	p, err := s.projectRepo.Create(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	s.logger.Info("project created successfully", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// ListProjects returns the user's projects; an empty user lists all.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]*entity.Project, error) {
	plist, err := s.projectRepo.List(ctx, strings.TrimSpace(userID))
	if err != nil {
		// DB error already logged in repository layer
		return nil, err
	}
	s.logger.Debug("projects listed", "user_id", userID, "count", len(plist))
	return plist, nil
}
