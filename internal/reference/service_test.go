package reference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/storage"
)

func TestServiceUploadAndDelete(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := repository.OpenSQLiteMemory(ctx, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	dir := t.TempDir()
	store, err := storage.NewFSStore(dir, 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	refs := repository.NewReferenceRepository(c, logger)
	loader := NewLoader(refs, store, logger)
	svc := NewService(refs, store, loader, logger)

	ref, lex, err := svc.Upload(ctx, UploadRequest{
		UserID: "user-1",
		Name:   "orgs.yaml",
		Body:   strings.NewReader("- term: Acme Corp\n  category: ORG\n"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref.ContentType != "application/yaml" || len(lex.Entries) != 1 {
		t.Fatalf("ref = %+v, lexicon = %+v", ref, lex)
	}
	if got, err := loader.Load(ctx, ref.ID); err != nil || len(got.Entries) != 1 {
		t.Fatalf("load: %v", err)
	}

	if _, _, err := svc.Upload(ctx, UploadRequest{Name: "bad.json", Body: strings.NewReader("{not json")}); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("bad json: %v", err)
	}
	if _, _, err := svc.Upload(ctx, UploadRequest{Name: "terms.pdf", Body: strings.NewReader("%PDF")}); !errors.Is(err, common.ErrUnsupportedContentType) {
		t.Fatalf("pdf: %v", err)
	}

	// a run using the reference blocks deletion
	p, err := repository.NewProjectRepository(c, logger).Create(ctx, "user-1", "p")
	if err != nil {
		t.Fatal(err)
	}
	runs := repository.NewRunRepository(c, logger)
	run, err := runs.Create(ctx, &repository.CreateRunRequest{
		ProjectID: p.ID, UserID: "user-1", Name: "lexicon", Strategy: constants.StrategyReference, ReferenceID: &ref.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, ref.ID); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("delete in use: %v", err)
	}
	if err := runs.Delete(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, ref.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(ctx, ref.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("load after delete: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("content left behind: %d files", len(entries))
	}
}
