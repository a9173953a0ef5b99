package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/storage"
)

type fixture struct {
	svc       *Service
	documents repository.DocumentRepository
	projectID uuid.UUID
	storeDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := repository.OpenSQLiteMemory(ctx, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	dir := t.TempDir()
	store, err := storage.NewFSStore(dir, 1<<20, logger)
	if err != nil {
		t.Fatal(err)
	}
	p, err := repository.NewProjectRepository(c, logger).Create(ctx, "user-1", "inbox")
	if err != nil {
		t.Fatal(err)
	}
	docs := repository.NewDocumentRepository(c, logger)
	return &fixture{svc: NewService(docs, store, logger), documents: docs, projectID: p.ID, storeDir: dir}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Upload(ctx, UploadRequest{
		ProjectID: f.projectID, UserID: "user-1", Name: "invoice.txt",
		Body: strings.NewReader("Invoice from Acme Corp"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.ContentType != "text/plain" || doc.Status != constants.StatusNew {
		t.Fatalf("doc = %+v", doc)
	}

	doc, err = f.svc.Upload(ctx, UploadRequest{
		ProjectID: f.projectID, Name: "blob", ContentType: "Application/Zip; x=1",
		Body: strings.NewReader("PK"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.ContentType != "application/zip" {
		t.Fatalf("declared type not kept: %s", doc.ContentType)
	}

	tests := []struct {
		name string
		req  UploadRequest
		want error
	}{
		{"no name", UploadRequest{ProjectID: f.projectID, Body: strings.NewReader("x")}, common.ErrInvalidInput},
		{"no type", UploadRequest{ProjectID: f.projectID, Name: "notes", Body: strings.NewReader("x")}, common.ErrInvalidInput},
		{"no body", UploadRequest{ProjectID: f.projectID, Name: "a.txt"}, common.ErrInvalidInput},
		{"unknown project", UploadRequest{ProjectID: uuid.New(), Name: "a.txt", Body: strings.NewReader("x")}, common.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Upload(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	entries, err := os.ReadDir(f.storeDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("store holds %d files, want 2 (failed upload not cleaned up)", len(entries))
	}
}

func TestIngestDirectory(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "sub", "b.html"), "<p>beta</p>")
	writeFile(t, filepath.Join(root, "c.zip"), "PK")
	writeFile(t, filepath.Join(root, ".cache", "d.txt"), "hidden")

	results, stats, err := f.svc.IngestDirectory(context.Background(), f.projectID, "user-1", root, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Matched != 2 || stats.Succeeded != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, r := range results {
		if r.DocumentID == uuid.Nil || r.Err != "" {
			t.Fatalf("result = %+v", r)
		}
	}
	docs, err := f.documents.List(context.Background(), repository.DocumentFilter{ProjectID: &f.projectID})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("documents = %d", len(docs))
	}

	if _, err := f.svc.IngestPath(context.Background(), f.projectID, "user-1", filepath.Join(root, "c.zip")); !errors.Is(err, common.ErrUnsupportedContentType) {
		t.Fatalf("zip: %v", err)
	}
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing.txt"), "old")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _, err := Watch(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, SkipHidden: true, Debounce: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	next := func() string {
		t.Helper()
		select {
		case p := <-events:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("no watch event")
		}
		return ""
	}
	if p := next(); filepath.Base(p) != "existing.txt" {
		t.Fatalf("initial scan emitted %s", p)
	}

	writeFile(t, filepath.Join(root, "ignored.zip"), "PK")
	writeFile(t, filepath.Join(root, "new.md"), "# fresh")
	if p := next(); filepath.Base(p) != "new.md" {
		t.Fatalf("got %s", p)
	}

	cancel()
	for range events {
	}
}
