package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/repository"
)

type env struct {
	client    *repository.Client
	resolver  *Resolver
	entities  repository.EntityRepository
	found     repository.EntityFoundRepository
	documents repository.DocumentRepository
	projectID uuid.UUID
	runID     uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := repository.OpenSQLiteMemory(ctx, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	p, err := repository.NewProjectRepository(c, nil).Create(ctx, "user-1", "invoices")
	if err != nil {
		t.Fatal(err)
	}
	run, err := repository.NewRunRepository(c, nil).Create(ctx, &repository.CreateRunRequest{
		ProjectID: p.ID, UserID: "user-1", Name: "orgs", Strategy: constants.StrategyNLP,
	})
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		client:    c,
		entities:  repository.NewEntityRepository(c, nil),
		found:     repository.NewEntityFoundRepository(c, nil),
		documents: repository.NewDocumentRepository(c, nil),
		projectID: p.ID,
		runID:     run.ID,
	}
	e.resolver = New(c, e.entities, e.found, logger)
	return e
}

func (e *env) document(t *testing.T, name string) uuid.UUID {
	t.Helper()
	d, err := e.documents.Create(context.Background(), &repository.CreateDocumentRequest{
		ProjectID: e.projectID, UserID: "user-1", Name: name, ContentHandle: name, ContentType: "text/plain",
	})
	if err != nil {
		t.Fatal(err)
	}
	return d.ID
}

func (e *env) occurrenceCount(t *testing.T, docID uuid.UUID) int {
	t.Helper()
	n, err := e.found.Count(context.Background(), repository.FoundFilter{DocumentID: &docID, RunID: &e.runID})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  Acme   Corp ":  "acme corp",
		"ACME\tCORP\n":    "acme corp",
		"Zoë  Müller":     "zoë müller",
		"   ":             "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeFoldsCase(t *testing.T) {
	pairs := [][2]string{
		{"STRASSE", "straße"},
		{"ΟΔΟΣ", "οδος"},
		{"Kelvin", "\u212Aelvin"},
	}
	for _, p := range pairs {
		if a, b := Normalize(p[0]), Normalize(p[1]); a != b {
			t.Errorf("Normalize(%q) = %q, Normalize(%q) = %q, want equal", p[0], a, p[1], b)
		}
	}
}

func TestResolveCreatesThenReuses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	d1 := e.document(t, "d1")

	res, err := e.resolver.Resolve(ctx, e.runID, d1, []extract.Occurrence{
		{Text: "Acme Corp", Start: 19, End: 28, Label: "ORG"},
		{Text: "ACME  corp", Start: 40, End: 50, Label: "ORG"},
		{Text: "   ", Start: 60, End: 63},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res != (Result{Occurrences: 3, Created: 1, Reused: 1, Skipped: 1}) {
		t.Fatalf("res = %+v", res)
	}

	ents, err := e.entities.ListByRun(ctx, e.runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 || ents[0].Text != "acme corp" || ents[0].Label != "ORG" {
		t.Fatalf("entities = %+v", ents)
	}
	found, err := e.found.List(ctx, repository.FoundFilter{DocumentID: &d1})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].Start != 19 || found[0].End != 28 || found[0].SpanText != "Acme Corp" {
		t.Fatalf("found = %+v", found)
	}
	if found[1].SpanText != "ACME  corp" {
		t.Fatalf("span text not kept as found: %+v", found[1])
	}

	// a second document attaches to the same entity
	d2 := e.document(t, "d2")
	res, err = e.resolver.Resolve(ctx, e.runID, d2, []extract.Occurrence{{Text: "acme corp", Start: 0, End: 9, Label: "MISC"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Reused != 1 {
		t.Fatalf("res = %+v", res)
	}
	if n, _ := e.entities.CountByRun(ctx, e.runID); n != 1 {
		t.Fatalf("entities = %d", n)
	}
}

func TestResolveAppendsUnlessReplacePrior(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.document(t, "d1")
	occs := []extract.Occurrence{{Text: "Acme Corp", Start: 19, End: 28, Label: "ORG"}}

	for range 2 {
		if _, err := e.resolver.Resolve(ctx, e.runID, doc, occs, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if n := e.occurrenceCount(t, doc); n != 2 {
		t.Fatalf("append: occurrences = %d", n)
	}

	res, err := e.resolver.Resolve(ctx, e.runID, doc, occs, Options{ReplacePrior: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Cleared != 2 {
		t.Fatalf("cleared = %d", res.Cleared)
	}
	if n := e.occurrenceCount(t, doc); n != 1 {
		t.Fatalf("replace: occurrences = %d", n)
	}
}

func TestResolveConcurrentDocuments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	const docs = 8
	ids := make([]uuid.UUID, docs)
	for i := range ids {
		ids[i] = e.document(t, "doc")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			res, err := e.resolver.Resolve(ctx, e.runID, id, []extract.Occurrence{{Text: "Acme Corp", Start: 0, End: 9}}, Options{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			created += res.Created
		}(id)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatal(errors.Join(errs...))
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
	if n, _ := e.entities.CountByRun(ctx, e.runID); n != 1 {
		t.Fatalf("entities = %d", n)
	}
	total := 0
	for _, id := range ids {
		total += e.occurrenceCount(t, id)
	}
	if total != docs {
		t.Fatalf("occurrences = %d", total)
	}
}

func TestResolveRollsBackOnFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	missing := uuid.New()
	_, err := e.resolver.Resolve(ctx, e.runID, missing, []extract.Occurrence{{Text: "Acme Corp", Start: 0, End: 9}}, Options{})
	if err == nil {
		t.Fatal("expected foreign key failure for unknown document")
	}
	if n, _ := e.entities.CountByRun(ctx, e.runID); n != 0 {
		t.Fatalf("entity survived rollback: %d", n)
	}
}
