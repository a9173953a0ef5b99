// Package ingest registers uploaded content as documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/storage"
)

// UploadRequest describes content to register under a project.
type UploadRequest struct {
	ProjectID   uuid.UUID
	UserID      string
	Name        string
	ContentType string // derived from Name's extension when empty
	Body        io.Reader
}

// Result is the per-file outcome of a path or directory ingest.
type Result struct {
	SourcePath  string
	DocumentID  uuid.UUID
	ContentType string
	Err         string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

type Service struct {
	documents repository.DocumentRepository
	store     storage.Store
	logger    *slog.Logger
}

func NewService(documents repository.DocumentRepository, store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{documents: documents, store: store, logger: logger}
}

// Upload stores the body and creates the document in status new. Any
// declared type is accepted; types no stage can read fail at OCR.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*entity.Document, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", common.ErrInvalidInput)
	}
	if req.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("project_id is required: %w", common.ErrInvalidInput)
	}
	if req.Body == nil {
		return nil, fmt.Errorf("content is required: %w", common.ErrInvalidInput)
	}
	ct := constants.NormalizeContentType(req.ContentType)
	if ct == "" {
		ct = constants.ContentTypeForExt(filepath.Ext(name))
	}
	if ct == "" {
		return nil, fmt.Errorf("content type of %q unknown: %w", name, common.ErrInvalidInput)
	}

	handle, err := s.store.Put(ctx, name, ct, req.Body)
	if err != nil {
		return nil, fmt.Errorf("store %q: %w", name, err)
	}
	doc, err := s.documents.Create(ctx, &repository.CreateDocumentRequest{
		ProjectID:     req.ProjectID,
		UserID:        req.UserID,
		Name:          name,
		ContentHandle: handle,
		ContentType:   ct,
	})
	if err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), handle); derr != nil && !errors.Is(derr, common.ErrNotFound) {
			s.logger.Warn("ingest.cleanup.failed", "handle", handle, "err", derr)
		}
		return nil, err
	}
	s.logger.Info("ingest.upload.ok", "document_id", doc.ID, "project_id", doc.ProjectID, "name", name, "content_type", ct)
	return doc, nil
}
