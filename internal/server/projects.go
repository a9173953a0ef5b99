package server

import (
	"context"

	"github.com/OpenUpSA/dexi/internal/projects"
)

func (s *Server) createProject(ctx context.Context, req request) (any, error) {
	p, err := s.d.Projects.CreateProject(ctx, projects.CreateProjectRequest{
		UserID: req.str("user_id"),
		Name:   req.str("name"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": p}, nil
}

func (s *Server) listProjects(ctx context.Context, req request) (any, error) {
	plist, err := s.d.Projects.ListProjects(ctx, req.str("user_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": nonNil(plist)}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
