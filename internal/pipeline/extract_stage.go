package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/resolver"
)

// StrategySource picks the strategy for a run. *extract.Registry
// implements it.
type StrategySource interface {
	For(ctx context.Context, run *entity.ExtractionRun) (extract.Strategy, error)
}

// ExtractStage runs a run's strategy over document text and hands the
// occurrences to the resolver.
type ExtractStage struct {
	Runs       repository.RunRepository
	Strategies StrategySource
	Resolver   *resolver.Resolver
	Logger     *slog.Logger
}

func NewExtractStage(runs repository.RunRepository, strategies StrategySource, res *resolver.Resolver, logger *slog.Logger) *ExtractStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractStage{Runs: runs, Strategies: strategies, Resolver: res, Logger: logger}
}

// Extract collects the occurrences the run's strategy finds in doc's text.
func (s *ExtractStage) Extract(ctx context.Context, doc *entity.Document, runID uuid.UUID) ([]extract.Occurrence, error) {
	if !doc.HasText() {
		return nil, fmt.Errorf("document %s: %w: %w", doc.ID, ErrNotOCRComplete, common.ErrInvalidInput)
	}
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	strategy, err := s.Strategies.For(ctx, run)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	occs, err := extract.Collect(strategy.Extract(ctx, *doc.Text))
	if err != nil {
		if !errors.Is(err, common.ErrStrategyFailure) {
			err = fmt.Errorf("%s: %w: %w", strategy.Name(), common.ErrStrategyFailure, err)
		}
		return nil, err
	}
	s.Logger.Info("pipeline.extract.ok",
		"document_id", doc.ID,
		"run_id", runID,
		"strategy", strategy.Name(),
		"occurrences", len(occs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return occs, nil
}

// Persist records occs; it joins the transaction carried by ctx.
func (s *ExtractStage) Persist(ctx context.Context, doc *entity.Document, runID uuid.UUID, occs []extract.Occurrence, replace bool) (resolver.Result, error) {
	return s.Resolver.Resolve(ctx, runID, doc.ID, occs, resolver.Options{ReplacePrior: replace})
}
