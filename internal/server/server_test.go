package server_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/app"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/pipeline"
	"github.com/OpenUpSA/dexi/internal/server"
)

const invoice = "Payment received from Acme Corp for services rendered."

type harness struct {
	c *server.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := common.DefaultConfig()
	cfg.Database.DSN = ":memory:"
	cfg.Storage.Dir = t.TempDir()
	cfg.OCR.ArtifactCacheDir = t.TempDir()
	cfg.Queue.Workers = 2
	cfg.Pipeline.BackoffBase = time.Millisecond
	cfg.Pipeline.BackoffMax = 5 * time.Millisecond
	cfg.Pipeline.ReconcileEvery = 0
	cfg.Quick.AllowPrivate = true

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close(5 * time.Second) })

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	a.Server.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &harness{c: server.NewClient(conn)}
}

func (h *harness) call(t *testing.T, method string, req, out any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.c.Call(ctx, method, req, out); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

func (h *harness) code(t *testing.T, method string, req any) codes.Code {
	t.Helper()
	err := h.c.Call(context.Background(), method, req, nil)
	if err == nil {
		t.Fatalf("%s: expected an error", method)
	}
	return status.Code(err)
}

func (h *harness) project(t *testing.T) uuid.UUID {
	t.Helper()
	var out struct{ Project entity.Project }
	h.call(t, "CreateProject", map[string]any{"user_id": "user-1", "name": "invoices"}, &out)
	return out.Project.ID
}

func (h *harness) upload(t *testing.T, projectID uuid.UUID, name, body string) uuid.UUID {
	t.Helper()
	var out struct{ Document entity.Document }
	h.call(t, "UploadDocument", map[string]any{
		"project_id": projectID, "user_id": "user-1", "name": name, "content": []byte(body),
	}, &out)
	if out.Document.Status != constants.StatusNew {
		t.Fatalf("uploaded status = %s", out.Document.Status)
	}
	return out.Document.ID
}

func (h *harness) run(t *testing.T, projectID uuid.UUID, extra map[string]any) uuid.UUID {
	t.Helper()
	req := map[string]any{"project_id": projectID, "user_id": "user-1", "name": "orgs"}
	for k, v := range extra {
		req[k] = v
	}
	var out struct{ Run entity.ExtractionRun }
	h.call(t, "CreateRun", req, &out)
	return out.Run.ID
}

func (h *harness) waitFor(t *testing.T, docID uuid.UUID, want constants.Status) entity.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var out struct{ Document entity.Document }
		h.call(t, "GetDocument", map[string]any{"document_id": docID, "include_text": true}, &out)
		if out.Document.Status == want {
			return out.Document
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %s stuck in %s, want %s", docID, out.Document.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	h := newHarness(t)
	projectID := h.project(t)
	docID := h.upload(t, projectID, "invoice.txt", invoice)
	runID := h.run(t, projectID, nil)

	h.call(t, "SubmitOCR", map[string]any{"document_id": docID, "chain_run_id": runID}, nil)
	doc := h.waitFor(t, docID, constants.StatusExtractDone)
	if doc.Text == nil || *doc.Text != invoice {
		t.Fatalf("text = %v", doc.Text)
	}

	var ents struct{ Entities []entity.Entity }
	h.call(t, "ListEntities", map[string]any{"run_id": runID}, &ents)
	var acme *entity.Entity
	for i := range ents.Entities {
		if ents.Entities[i].Text == "acme corp" {
			acme = &ents.Entities[i]
		}
	}
	if acme == nil || acme.Label != "ORG" {
		t.Fatalf("entities = %+v", ents.Entities)
	}

	var occs struct{ Occurrences []entity.EntityFoundDetail }
	h.call(t, "ListOccurrences", map[string]any{"entity_id": acme.ID}, &occs)
	if len(occs.Occurrences) != 1 {
		t.Fatalf("occurrences = %+v", occs.Occurrences)
	}
	o := occs.Occurrences[0]
	if got := string([]rune(invoice)[o.Start:o.End]); got != "Acme Corp" || o.SpanText != "Acme Corp" {
		t.Fatalf("span %d..%d = %q", o.Start, o.End, got)
	}

	var runsOut struct{ Runs []entity.ExtractionRun }
	h.call(t, "ListRuns", map[string]any{"document_id": docID}, &runsOut)
	if len(runsOut.Runs) != 1 || runsOut.Runs[0].ID != runID {
		t.Fatalf("runs by document = %+v", runsOut.Runs)
	}

	var exported struct {
		Filename string
		XLSX     []byte `json:"xlsx"`
	}
	h.call(t, "ExportRun", map[string]any{"run_id": runID}, &exported)
	if len(exported.XLSX) == 0 || !strings.HasSuffix(exported.Filename, ".xlsx") {
		t.Fatalf("export = %q, %d bytes", exported.Filename, len(exported.XLSX))
	}

	var report pipeline.BatchReport
	h.call(t, "SubmitExtraction", map[string]any{"run_id": runID, "document_ids": []uuid.UUID{docID}, "replace_prior": true}, &report)
	if len(report.Accepted) != 1 {
		t.Fatalf("report = %+v", report)
	}
	h.waitFor(t, docID, constants.StatusExtractDone)
	h.call(t, "ListOccurrences", map[string]any{"document_id": docID, "run_id": runID}, &occs)
	if n := countText(occs.Occurrences, "acme corp"); n != 1 {
		t.Fatalf("after replace: %d acme occurrences", n)
	}

	h.call(t, "DeleteDocument", map[string]any{"document_id": docID}, nil)
	if c := h.code(t, "GetDocument", map[string]any{"document_id": docID}); c != codes.NotFound {
		t.Fatalf("get deleted = %s", c)
	}
	h.call(t, "ListOccurrences", map[string]any{"document_id": docID}, &occs)
	if len(occs.Occurrences) != 0 {
		t.Fatalf("occurrences survive delete: %+v", occs.Occurrences)
	}
	h.call(t, "ListEntities", map[string]any{"run_id": runID}, &ents)
	if len(ents.Entities) == 0 {
		t.Fatal("entities should outlive the document")
	}
}

func countText(occs []entity.EntityFoundDetail, text string) int {
	n := 0
	for _, o := range occs {
		if o.EntityText == text {
			n++
		}
	}
	return n
}

func TestReferenceRun(t *testing.T) {
	h := newHarness(t)
	projectID := h.project(t)

	var ref struct {
		Reference entity.Reference
		Entries   int
	}
	h.call(t, "UploadReference", map[string]any{
		"user_id": "user-1", "name": "suppliers.csv",
		"content": []byte("Acme Corp,SUPPLIER,ACME\n"),
	}, &ref)
	if ref.Entries != 1 {
		t.Fatalf("entries = %d", ref.Entries)
	}
	runID := h.run(t, projectID, map[string]any{"strategy": "reference", "reference_id": ref.Reference.ID})

	docID := h.upload(t, projectID, "memo.txt", "ACME shipped the order. acme corp invoiced.")
	var report pipeline.BatchReport
	h.call(t, "SubmitBatchOCR", map[string]any{"document_ids": []uuid.UUID{docID}, "chain_run_id": runID}, &report)
	if len(report.Accepted) != 1 {
		t.Fatalf("report = %+v", report)
	}
	h.waitFor(t, docID, constants.StatusExtractDone)

	var occs struct{ Occurrences []entity.EntityFoundDetail }
	h.call(t, "ListOccurrences", map[string]any{"document_id": docID}, &occs)
	if len(occs.Occurrences) != 2 {
		t.Fatalf("occurrences = %+v", occs.Occurrences)
	}

	if c := h.code(t, "DeleteReference", map[string]any{"reference_id": ref.Reference.ID}); c != codes.FailedPrecondition {
		t.Fatalf("delete referenced = %s", c)
	}
	h.call(t, "DeleteRun", map[string]any{"run_id": runID}, nil)
	h.call(t, "DeleteReference", map[string]any{"reference_id": ref.Reference.ID}, nil)
}

func TestRejectedRequests(t *testing.T) {
	h := newHarness(t)
	projectID := h.project(t)
	docID := h.upload(t, projectID, "a.txt", invoice)
	runID := h.run(t, projectID, nil)

	tests := []struct {
		method string
		req    map[string]any
		want   codes.Code
	}{
		{"GetDocument", map[string]any{"document_id": "nope"}, codes.InvalidArgument},
		{"GetDocument", map[string]any{"document_id": uuid.New()}, codes.NotFound},
		{"UploadDocument", map[string]any{"project_id": projectID, "name": "a.txt", "content": "%%%"}, codes.InvalidArgument},
		{"UploadDocument", map[string]any{"project_id": uuid.New(), "name": "a.txt", "content": []byte("x")}, codes.NotFound},
		{"CreateRun", map[string]any{"project_id": projectID, "name": "x", "strategy": "magic"}, codes.InvalidArgument},
		{"CreateRun", map[string]any{"project_id": projectID, "name": "x", "strategy": "reference"}, codes.InvalidArgument},
		{"SubmitExtraction", map[string]any{"run_id": uuid.New(), "document_ids": []uuid.UUID{docID}}, codes.NotFound},
		{"SubmitExtraction", map[string]any{"run_id": runID}, codes.InvalidArgument},
		{"ListOccurrences", map[string]any{}, codes.InvalidArgument},
		{"ExportRun", map[string]any{"run_id": uuid.New()}, codes.NotFound},
		{"QuickExtract", map[string]any{"url": "ftp://example.com/file"}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		if got := h.code(t, tt.method, tt.req); got != tt.want {
			t.Errorf("%s %v: code = %s, want %s", tt.method, tt.req, got, tt.want)
		}
	}

	var report pipeline.BatchReport
	h.call(t, "SubmitExtraction", map[string]any{"run_id": runID, "document_ids": []uuid.UUID{docID, uuid.New()}}, &report)
	if len(report.Accepted) != 0 || len(report.Rejected) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Rejected[0].Reason != "not OCR-complete" || report.Rejected[1].Reason != "not found" {
		t.Fatalf("reasons = %+v", report.Rejected)
	}
}

func TestQuickExtractCreatesNoRows(t *testing.T) {
	h := newHarness(t)
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body><p>Talks between Acme Corp and Globex Ltd stalled.</p></body></html>")
	}))
	defer page.Close()

	var res struct {
		URL         string
		Text        string
		Occurrences []extract.Occurrence
	}
	h.call(t, "QuickExtract", map[string]any{"url": page.URL}, &res)
	if len(res.Occurrences) < 2 || res.Text != "" {
		t.Fatalf("res = %+v", res)
	}

	var docs struct{ Documents []entity.Document }
	h.call(t, "ListDocuments", map[string]any{}, &docs)
	var projects struct{ Projects []entity.Project }
	h.call(t, "ListProjects", map[string]any{}, &projects)
	var runs struct{ Runs []entity.ExtractionRun }
	h.call(t, "ListRuns", map[string]any{}, &runs)
	if len(docs.Documents)+len(projects.Projects)+len(runs.Runs) != 0 {
		t.Fatalf("quick extract persisted rows: %d docs, %d projects, %d runs",
			len(docs.Documents), len(projects.Projects), len(runs.Runs))
	}
}
