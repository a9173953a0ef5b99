package server

import (
	"context"
	"fmt"

	"github.com/OpenUpSA/dexi/internal/pipeline"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/runs"
)

func (s *Server) createRun(ctx context.Context, req request) (any, error) {
	projectID, err := req.id("project_id")
	if err != nil {
		return nil, err
	}
	refID, err := req.optionalID("reference_id")
	if err != nil {
		return nil, err
	}
	run, err := s.d.Runs.CreateRun(ctx, runs.CreateRunRequest{
		ProjectID:   projectID,
		UserID:      req.str("user_id"),
		Name:        req.str("name"),
		Description: req.str("description"),
		Strategy:    req.str("strategy"),
		ReferenceID: refID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"run": run}, nil
}

func (s *Server) listRuns(ctx context.Context, req request) (any, error) {
	projectID, err := req.optionalID("project_id")
	if err != nil {
		return nil, err
	}
	documentID, err := req.optionalID("document_id")
	if err != nil {
		return nil, err
	}
	list, err := s.d.Runs.ListRuns(ctx, projectID, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": nonNil(list)}, nil
}

func (s *Server) deleteRun(ctx context.Context, req request) (any, error) {
	id, err := req.id("run_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Runs.DeleteRun(ctx, id); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Server) submitExtraction(ctx context.Context, req request) (any, error) {
	runID, err := req.id("run_id")
	if err != nil {
		return nil, err
	}
	ids, err := req.ids("document_ids")
	if err != nil {
		return nil, err
	}
	return s.d.Pipeline.SubmitBatchExtraction(ctx, runID, ids, pipeline.ExtractOptions{
		ReplacePrior: req.boolean("replace_prior"),
	})
}

func (s *Server) listEntities(ctx context.Context, req request) (any, error) {
	runID, err := req.id("run_id")
	if err != nil {
		return nil, err
	}
	ents, err := s.d.Runs.ListEntities(ctx, runID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entities": nonNil(ents)}, nil
}

func (s *Server) deleteEntity(ctx context.Context, req request) (any, error) {
	id, err := req.id("entity_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Runs.DeleteEntity(ctx, id); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Server) listOccurrences(ctx context.Context, req request) (any, error) {
	var f repository.FoundFilter
	var err error
	if f.EntityID, err = req.optionalID("entity_id"); err != nil {
		return nil, err
	}
	if f.DocumentID, err = req.optionalID("document_id"); err != nil {
		return nil, err
	}
	if f.RunID, err = req.optionalID("run_id"); err != nil {
		return nil, err
	}
	occs, err := s.d.Runs.ListOccurrences(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"occurrences": nonNil(occs)}, nil
}

func (s *Server) exportRun(ctx context.Context, req request) (any, error) {
	runID, err := req.id("run_id")
	if err != nil {
		return nil, err
	}
	xlsx, err := s.d.Export.ExportRunXLSX(ctx, runID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filename": fmt.Sprintf("run-%s.xlsx", runID),
		"xlsx":     xlsx,
	}, nil
}
