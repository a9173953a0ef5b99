// Package app wires the repositories, stores, queue, pipeline and gRPC
// service from a Config.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/OpenUpSA/dexi/internal/async"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/export"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/fetch"
	"github.com/OpenUpSA/dexi/internal/ingest"
	"github.com/OpenUpSA/dexi/internal/ocr"
	"github.com/OpenUpSA/dexi/internal/pipeline"
	"github.com/OpenUpSA/dexi/internal/projects"
	"github.com/OpenUpSA/dexi/internal/quick"
	"github.com/OpenUpSA/dexi/internal/reference"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/resolver"
	"github.com/OpenUpSA/dexi/internal/runs"
	"github.com/OpenUpSA/dexi/internal/server"
	"github.com/OpenUpSA/dexi/internal/storage"
)

type App struct {
	Config    *common.Config
	Client    *repository.Client
	Store     storage.Store
	Queue     async.Queue
	Documents repository.DocumentRepository
	Pipeline  *pipeline.Orchestrator
	Ingest    *ingest.Service
	Quick     *quick.Extractor
	Server    *server.Server

	logger *slog.Logger
}

// New opens the database, runs migrations and builds every component. It
// starts nothing; call Start for the workers.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *common.Config, client *repository.Client, logger *slog.Logger) (*App, error) {
	if err := client.Migrate(ctx); err != nil {
		return nil, err
	}
	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	queue, err := async.New(ctx, cfg.Queue, client, logger)
	if err != nil {
		return nil, err
	}

	documentsRepo := repository.NewDocumentRepository(client, logger)
	projectsRepo := repository.NewProjectRepository(client, logger)
	runsRepo := repository.NewRunRepository(client, logger)
	refsRepo := repository.NewReferenceRepository(client, logger)
	entitiesRepo := repository.NewEntityRepository(client, logger)
	foundRepo := repository.NewEntityFoundRepository(client, logger)

	nlp, err := extract.NewNLP(cfg, logger)
	if err != nil {
		return nil, err
	}
	loader := reference.NewLoader(refsRepo, store, logger)
	registry := extract.NewRegistry(nlp, loader)
	textExtractor := ocr.NewExtractor(ocr.ConfigFrom(cfg.OCR), logger)

	opts := pipeline.OptionsFrom(cfg.Pipeline)
	opts.RecoverQueued = !async.Durable(queue)
	orch := pipeline.New(pipeline.Deps{
		Client:    client,
		Documents: documentsRepo,
		Runs:      runsRepo,
		Queue:     queue,
		OCR:       pipeline.NewOCRStage(store, textExtractor, logger),
		Extract:   pipeline.NewExtractStage(runsRepo, registry, resolver.New(client, entitiesRepo, foundRepo, logger), logger),
	}, opts, logger)

	ingestSvc := ingest.NewService(documentsRepo, store, logger)
	quickExtractor := quick.New(fetch.New(fetch.ConfigFrom(cfg.Quick), logger), textExtractor, nlp, logger)

	srv := server.New(server.Deps{
		Projects:   projects.NewService(projectsRepo, logger),
		Ingest:     ingestSvc,
		Documents:  documentsRepo,
		Pipeline:   orch,
		Runs:       runs.NewService(runsRepo, entitiesRepo, foundRepo, logger),
		References: reference.NewService(refsRepo, store, loader, logger),
		Export:     export.NewService(runsRepo, entitiesRepo, foundRepo, logger),
		Quick:      quickExtractor,
	}, logger)

	return &App{
		Config:    cfg,
		Client:    client,
		Store:     store,
		Queue:     queue,
		Documents: documentsRepo,
		Pipeline:  orch,
		Ingest:    ingestSvc,
		Quick:     quickExtractor,
		Server:    srv,
		logger:    logger,
	}, nil
}

// Start runs reconciliation and launches the queue consumers.
func (a *App) Start(ctx context.Context) error {
	return a.Pipeline.Start(ctx)
}

// Close drains the workers within timeout, then closes the database.
func (a *App) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.Pipeline.Shutdown(ctx)
	if err != nil {
		a.logger.Error("pipeline shutdown failed", "err", err)
	}
	return errors.Join(err, a.Client.Close())
}
