package reference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/storage"
)

// Service manages uploaded references. Uploads are parsed before they are
// stored, so a stored reference always yields a lexicon.
type Service struct {
	refs   repository.ReferenceRepository
	store  storage.Store
	loader *Loader
	logger *slog.Logger
}

func NewService(refs repository.ReferenceRepository, store storage.Store, loader *Loader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{refs: refs, store: store, loader: loader, logger: logger}
}

type UploadRequest struct {
	UserID      string
	Name        string
	ContentType string
	Body        io.Reader
}

func (s *Service) Upload(ctx context.Context, req UploadRequest) (*entity.Reference, *Lexicon, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, nil, fmt.Errorf("name is required: %w", common.ErrInvalidInput)
	}
	ct := constants.NormalizeContentType(req.ContentType)
	if ct == "" {
		ct = constants.ContentTypeForExt(path.Ext(name))
	}
	if !SupportedContentType(ct) {
		return nil, nil, fmt.Errorf("reference type %q: %w", req.ContentType, common.ErrUnsupportedContentType)
	}
	if req.Body == nil {
		return nil, nil, fmt.Errorf("content is required: %w", common.ErrInvalidInput)
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read reference: %w", err)
	}
	lex, err := Parse(data, ct)
	if err != nil {
		if !errors.Is(err, common.ErrUnsupportedContentType) {
			err = fmt.Errorf("%w: %w", common.ErrInvalidInput, err)
		}
		return nil, nil, err
	}

	handle, err := s.store.Put(ctx, name, ct, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("store reference: %w", err)
	}
	ref, err := s.refs.Create(ctx, req.UserID, name, handle, ct)
	if err != nil {
		_ = s.store.Delete(context.WithoutCancel(ctx), handle)
		return nil, nil, err
	}
	s.logger.Info("reference.uploaded", "reference_id", ref.ID, "entries", len(lex.Entries), "content_type", ct)
	return ref, lex, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]*entity.Reference, error) {
	return s.refs.List(ctx, strings.TrimSpace(userID))
}

// Delete removes a reference no run uses, then its content.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	ref, err := s.refs.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.loader.Forget(id)
	if err := s.store.Delete(ctx, ref.ContentHandle); err != nil && !errors.Is(err, common.ErrNotFound) {
		s.logger.Warn("reference.content.delete_failed", "reference_id", id, "handle", ref.ContentHandle, "err", err)
	}
	return nil
}
