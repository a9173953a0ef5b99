package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/app"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/export"
	"github.com/OpenUpSA/dexi/internal/ingest"
	"github.com/OpenUpSA/dexi/internal/pipeline"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/runs"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		inmem    = flag.Bool("inmem", false, "use an in-memory SQLite database")
		dir      = flag.String("dir", "", "directory to ingest (required)")
		out      = flag.String("out", "", "output XLSX path (defaults to <parent of dir>/entities.xlsx)")
		user     = flag.String("user", "local", "owning user id")
		project  = flag.String("project", "", "existing project id; a new project is created when empty")
		runName  = flag.String("run", "batch", "extraction run name")
		strategy = flag.String("strategy", string(constants.StrategyNLP), "extraction strategy (nlp | reference)")
		refID    = flag.String("reference", "", "reference id for the reference strategy")
		watch    = flag.Bool("watch", false, "keep watching the directory for new files until interrupted")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(filepath.Clean(*dir)), "entities.xlsx")
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if *inmem {
		cfg.Database.Driver, cfg.Database.DSN = "sqlite", ":memory:"
		cfg.Queue.Backend = "memory"
	}
	logger := common.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, options{
		dir: *dir, out: *out, user: *user, project: *project,
		runName: *runName, strategy: *strategy, reference: *refID, watch: *watch,
	}); err != nil {
		logger.Error("batch failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	dir, out, user, project string
	runName, strategy       string
	reference               string
	watch                   bool
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger, o options) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(30 * time.Second); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	// workers outlive an interrupt so submitted documents can finish
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	projectsRepo := repository.NewProjectRepository(a.Client, logger)
	runsRepo := repository.NewRunRepository(a.Client, logger)
	entitiesRepo := repository.NewEntityRepository(a.Client, logger)
	foundRepo := repository.NewEntityFoundRepository(a.Client, logger)

	projectID, err := resolveProject(ctx, projectsRepo, o)
	if err != nil {
		return err
	}
	req := runs.CreateRunRequest{ProjectID: projectID, UserID: o.user, Name: o.runName, Strategy: o.strategy}
	if o.reference != "" {
		id, err := uuid.Parse(o.reference)
		if err != nil {
			return fmt.Errorf("reference id: %w", err)
		}
		req.ReferenceID = &id
	}
	extraction, err := runs.NewService(runsRepo, entitiesRepo, foundRepo, logger).CreateRun(ctx, req)
	if err != nil {
		return err
	}

	logger.Info("starting ingestion", "dir", o.dir, "project_id", projectID, "run_id", extraction.ID)
	results, stats, err := a.Ingest.IngestDirectory(ctx, projectID, o.user, o.dir, true)
	if err != nil {
		return err
	}
	var ingested []uuid.UUID
	for _, r := range results {
		if r.Err == "" {
			ingested = append(ingested, r.DocumentID)
		}
	}
	logger.Info("ingestion complete",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed)

	opts := pipeline.OCROptions{ChainRun: extraction.ID}
	if len(ingested) > 0 {
		report, err := a.Pipeline.SubmitBatchOCR(ctx, ingested, opts)
		if err != nil {
			return err
		}
		for _, r := range report.Rejected {
			logger.Warn("document rejected", "document_id", r.DocumentID, "reason", r.Reason)
		}
		ingested = report.Accepted
	}

	if o.watch {
		more, err := watchAndSubmit(ctx, a, projectID, o, opts, logger)
		ingested = append(ingested, more...)
		if err != nil {
			return err
		}
		ctx = context.WithoutCancel(ctx)
	}

	done, failed := wait(ctx, a.Documents, ingested)

	xlsx, err := export.NewService(runsRepo, entitiesRepo, foundRepo, logger).ExportRunXLSX(ctx, extraction.ID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.out, xlsx, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", o.out, err)
	}
	entities, err := entitiesRepo.CountByRun(ctx, extraction.ID)
	if err != nil {
		return err
	}

	logger.Info("batch processing complete",
		"documents", len(ingested), "extracted", done, "failures", failed,
		"entities", entities, "output_file", o.out)
	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Documents submitted: %d\n", len(ingested))
	fmt.Printf("- Extracted: %d\n", done)
	fmt.Printf("- Failures: %d\n", failed)
	fmt.Printf("- Entities: %d\n", entities)
	fmt.Printf("- Output: %s\n", o.out)
	return nil
}

func resolveProject(ctx context.Context, projects repository.ProjectRepository, o options) (uuid.UUID, error) {
	if o.project != "" {
		id, err := uuid.Parse(o.project)
		if err != nil {
			return uuid.Nil, fmt.Errorf("project id: %w", err)
		}
		p, err := projects.Get(ctx, id)
		if err != nil {
			return uuid.Nil, err
		}
		return p.ID, nil
	}
	p, err := projects.Create(ctx, o.user, filepath.Base(filepath.Clean(o.dir)))
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

// watchAndSubmit ingests files as they appear and submits each one until
// ctx is cancelled.
func watchAndSubmit(ctx context.Context, a *app.App, projectID uuid.UUID, o options, opts pipeline.OCROptions, logger *slog.Logger) ([]uuid.UUID, error) {
	paths, errs, err := ingest.Watch(ctx, ingest.WatchConfig{
		Roots:      []string{o.dir},
		SkipHidden: true,
		Debounce:   500 * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("watching for new files", "dir", o.dir)

	var submitted []uuid.UUID
	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return submitted, nil
			}
			res, err := a.Ingest.IngestPath(ctx, projectID, o.user, p)
			if err != nil {
				logger.Warn("ingest failed", "path", p, "error", err)
				continue
			}
			if _, err := a.Pipeline.SubmitForOCR(ctx, res.DocumentID, opts); err != nil {
				logger.Warn("submit failed", "document_id", res.DocumentID, "error", err)
				continue
			}
			submitted = append(submitted, res.DocumentID)
		case err, ok := <-errs:
			if ok {
				logger.Warn("watch error", "error", err)
			}
		case <-ctx.Done():
			return submitted, nil
		}
	}
}

// wait polls until every document leaves the queued and running statuses.
func wait(ctx context.Context, docs repository.DocumentRepository, ids []uuid.UUID) (done, failed int) {
	pending := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for len(pending) > 0 {
		for id := range pending {
			d, err := docs.Get(ctx, id)
			if err != nil {
				delete(pending, id)
				failed++
				continue
			}
			switch d.Status {
			case constants.StatusExtractDone:
				delete(pending, id)
				done++
			case constants.StatusError:
				delete(pending, id)
				failed++
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return done, failed + len(pending)
		case <-tick.C:
		}
	}
	return done, failed
}
