package server

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/ingest"
	"github.com/OpenUpSA/dexi/internal/pipeline"
	"github.com/OpenUpSA/dexi/internal/repository"
)

func (s *Server) uploadDocument(ctx context.Context, req request) (any, error) {
	projectID, err := req.id("project_id")
	if err != nil {
		return nil, err
	}
	content, err := req.bytes("content")
	if err != nil {
		return nil, err
	}
	doc, err := s.d.Ingest.Upload(ctx, ingest.UploadRequest{
		ProjectID:   projectID,
		UserID:      req.str("user_id"),
		Name:        req.str("name"),
		ContentType: req.str("content_type"),
		Body:        bytes.NewReader(content),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"document": doc}, nil
}

// liveDocument loads a document, treating soft-deleted rows as absent.
func (s *Server) liveDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	doc, err := s.d.Documents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted() {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return doc, nil
}

func (s *Server) getDocument(ctx context.Context, req request) (any, error) {
	id, err := req.id("document_id")
	if err != nil {
		return nil, err
	}
	doc, err := s.liveDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.boolean("include_text") {
		doc.Text = nil
	}
	return map[string]any{"document": doc}, nil
}

func (s *Server) listDocuments(ctx context.Context, req request) (any, error) {
	projectID, err := req.optionalID("project_id")
	if err != nil {
		return nil, err
	}
	f := repository.DocumentFilter{
		ProjectID: projectID,
		UserID:    req.str("user_id"),
		Limit:     req.int("limit"),
	}
	if v := req.str("status"); v != "" {
		st, ok := constants.ParseStatus(v)
		if !ok {
			return nil, fmt.Errorf("status %q: %w", v, common.ErrInvalidInput)
		}
		f.Status = st
	}
	docs, err := s.d.Documents.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		d.Text = nil
	}
	return map[string]any{"documents": nonNil(docs)}, nil
}

func (s *Server) moveDocument(ctx context.Context, req request) (any, error) {
	id, err := req.id("document_id")
	if err != nil {
		return nil, err
	}
	projectID, err := req.id("project_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Documents.Move(ctx, id, projectID); err != nil {
		return nil, err
	}
	doc, err := s.liveDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Text = nil
	return map[string]any{"document": doc}, nil
}

func (s *Server) deleteDocument(ctx context.Context, req request) (any, error) {
	id, err := req.id("document_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Documents.SoftDelete(ctx, id); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Server) listFailures(ctx context.Context, req request) (any, error) {
	id, err := req.id("document_id")
	if err != nil {
		return nil, err
	}
	if _, err := s.d.Documents.Get(ctx, id); err != nil {
		return nil, err
	}
	fs, err := s.d.Documents.ListFailures(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"failures": nonNil(fs)}, nil
}

func ocrOptions(req request) (pipeline.OCROptions, error) {
	chain, err := req.optionalID("chain_run_id")
	if err != nil {
		return pipeline.OCROptions{}, err
	}
	opts := pipeline.OCROptions{ReplacePrior: req.boolean("replace_prior")}
	if chain != nil {
		opts.ChainRun = *chain
	}
	return opts, nil
}

func (s *Server) submitOCR(ctx context.Context, req request) (any, error) {
	id, err := req.id("document_id")
	if err != nil {
		return nil, err
	}
	opts, err := ocrOptions(req)
	if err != nil {
		return nil, err
	}
	doc, err := s.d.Pipeline.SubmitForOCR(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	doc.Text = nil
	return map[string]any{"document": doc}, nil
}

func (s *Server) submitBatchOCR(ctx context.Context, req request) (any, error) {
	ids, err := req.ids("document_ids")
	if err != nil {
		return nil, err
	}
	opts, err := ocrOptions(req)
	if err != nil {
		return nil, err
	}
	return s.d.Pipeline.SubmitBatchOCR(ctx, ids, opts)
}
