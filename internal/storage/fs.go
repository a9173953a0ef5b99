package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
)

// FSStore keeps content as uuid-named files under one directory. The
// handle is the file name; its extension carries the content type.
type FSStore struct {
	dir            string
	maxUploadBytes int64
	log            *slog.Logger
}

func NewFSStore(dir string, maxUploadBytes int64, logger *slog.Logger) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{dir: dir, maxUploadBytes: maxUploadBytes, log: logger}, nil
}

func (s *FSStore) Put(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	data, err := readLimited(r, s.maxUploadBytes)
	if err != nil {
		return "", err
	}
	handle := uuid.NewString() + "." + extFor(name, contentType)
	path := filepath.Join(s.dir, handle)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", handle, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store %s: %w", handle, err)
	}
	s.log.Debug("content stored", "handle", handle, "bytes", len(data))
	return handle, nil
}

func (s *FSStore) Get(_ context.Context, handle string) ([]byte, error) {
	path, err := s.path(handle)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("content %s: %w", handle, common.ErrNotFound)
	}
	return b, err
}

func (s *FSStore) TypeOf(_ context.Context, handle string) (string, error) {
	path, err := s.path(handle)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("content %s: %w", handle, common.ErrNotFound)
	}
	if ct := constants.ContentTypeForExt(filepath.Ext(handle)); ct != "" {
		return ct, nil
	}
	return "application/octet-stream", nil
}

func (s *FSStore) Delete(_ context.Context, handle string) error {
	path, err := s.path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// path rejects handles that would escape the store directory.
func (s *FSStore) path(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) || strings.HasPrefix(handle, ".") {
		return "", fmt.Errorf("handle %q: %w", handle, common.ErrInvalidInput)
	}
	return filepath.Join(s.dir, handle), nil
}

// extFor keeps the uploaded name's extension when it agrees with the
// declared type.
func extFor(name, contentType string) string {
	ext := constants.NormalizeExt(filepath.Ext(name))
	if ext != "" && constants.ContentTypeForExt(ext) == constants.NormalizeContentType(contentType) {
		return ext
	}
	return constants.ExtForContentType(contentType)
}
