// Package storage keeps uploaded bytes behind opaque handles.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/OpenUpSA/dexi/internal/common"
)

// Store is the content store. Handles are opaque to callers.
type Store interface {
	Put(ctx context.Context, name, contentType string, r io.Reader) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	TypeOf(ctx context.Context, handle string) (string, error)
	Delete(ctx context.Context, handle string) error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(cfg.Dir, cfg.MaxUploadBytes, logger)
	case "minio":
		return NewMinioStore(ctx, cfg.Minio, cfg.MaxUploadBytes, logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// readLimited reads r fully, failing once more than max bytes arrive.
// max <= 0 disables the limit.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("upload exceeds %d bytes: %w", max, common.ErrInvalidInput)
	}
	return buf.Bytes(), nil
}
