package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/OpenUpSA/dexi/internal/common"
)

const defaultBucket = "dexi-content"

// MinioStore keeps content in an S3-compatible bucket. The content type is
// stored as object metadata.
type MinioStore struct {
	client         *minio.Client
	bucket         string
	maxUploadBytes int64
	log            *slog.Logger
}

// NewMinioStore connects and creates the bucket if it does not exist.
func NewMinioStore(ctx context.Context, cfg common.MinioConfig, maxUploadBytes int64, logger *slog.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		logger.Info("bucket created", "bucket", bucket)
	}
	logger.Info("content store ready", "backend", "minio", "endpoint", cfg.Endpoint, "bucket", bucket)
	return &MinioStore{client: client, bucket: bucket, maxUploadBytes: maxUploadBytes, log: logger}, nil
}

func (s *MinioStore) Put(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	data, err := readLimited(r, s.maxUploadBytes)
	if err != nil {
		return "", err
	}
	handle := uuid.NewString() + "." + extFor(name, contentType)
	_, err = s.client.PutObject(ctx, s.bucket, handle, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"original-name": filepath.Base(name)},
	})
	if err != nil {
		s.log.Error("object put failed", "handle", handle, "err", err)
		return "", fmt.Errorf("put %s: %w", handle, err)
	}
	return handle, nil
}

func (s *MinioStore) Get(ctx context.Context, handle string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, handle, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(handle, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(handle, err)
	}
	return b, nil
}

func (s *MinioStore) TypeOf(ctx context.Context, handle string) (string, error) {
	info, err := s.client.StatObject(ctx, s.bucket, handle, minio.StatObjectOptions{})
	if err != nil {
		return "", s.mapErr(handle, err)
	}
	if info.ContentType == "" {
		return "application/octet-stream", nil
	}
	return info.ContentType, nil
}

func (s *MinioStore) Delete(ctx context.Context, handle string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, handle, minio.RemoveObjectOptions{}); err != nil {
		return s.mapErr(handle, err)
	}
	return nil
}

func (s *MinioStore) mapErr(handle string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("content %s: %w", handle, common.ErrNotFound)
	}
	return fmt.Errorf("content %s: %w", handle, err)
}
