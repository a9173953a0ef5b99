package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
)

// Ingestible reports whether the file's extension maps to a type a stage
// can turn into text.
func Ingestible(path string) bool {
	ct := constants.ContentTypeForExt(filepath.Ext(path))
	if ct == "" {
		return false
	}
	_, ok := constants.KindOf(ct)
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// IngestPath uploads one local file.
func (s *Service) IngestPath(ctx context.Context, projectID uuid.UUID, userID, path string) (Result, error) {
	out := Result{SourcePath: path}
	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	out.SourcePath = abs
	if !Ingestible(abs) {
		return out, fmt.Errorf("unsupported or missing extension %q: %w", filepath.Ext(abs), common.ErrUnsupportedContentType)
	}

	f, err := os.Open(abs)
	if err != nil {
		return out, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	doc, err := s.Upload(ctx, UploadRequest{
		ProjectID: projectID,
		UserID:    userID,
		Name:      filepath.Base(abs),
		Body:      f,
	})
	if err != nil {
		return out, err
	}
	out.DocumentID = doc.ID
	out.ContentType = doc.ContentType
	return out, nil
}

// IngestDirectory walks root, skips hidden entries if requested, and
// uploads every ingestible file. A failing file is recorded and the walk
// continues.
func (s *Service) IngestDirectory(ctx context.Context, projectID uuid.UUID, userID, root string, skipHidden bool) ([]Result, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, fmt.Errorf("root path is required: %w", common.ErrInvalidInput)
	}

	var results []Result
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, Result{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !Ingestible(path) {
			return nil
		}
		stats.Matched++

		r, err := s.IngestPath(ctx, projectID, userID, path)
		if err != nil {
			s.logger.Warn("ingest.file.failed", "path", path, "err", err)
			results = append(results, Result{SourcePath: r.SourcePath, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	s.logger.Info("ingest.directory.ok",
		"root", root,
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
	)
	return results, stats, nil
}
