package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/OpenUpSA/dexi/internal/repository"
)

const (
	sheetEntities    = "Entities"
	sheetOccurrences = "Occurrences"
)

// Service produces XLSX workbooks of a run's entities and occurrences.
type Service struct {
	runs     repository.RunRepository
	entities repository.EntityRepository
	found    repository.EntityFoundRepository
	logger   *slog.Logger
}

func NewService(runs repository.RunRepository, entities repository.EntityRepository, found repository.EntityFoundRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runs: runs, entities: entities, found: found, logger: logger}
}

// ExportRunXLSX returns a workbook with one row per entity and one row per
// occurrence. Unknown runs return common.ErrNotFound.
func (s *Service) ExportRunXLSX(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	start := time.Now()

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	ents, err := s.entities.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	occs, err := s.found.List(ctx, repository.FoundFilter{RunID: &runID})
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}

	counts := make(map[uuid.UUID]int, len(ents))
	docs := make(map[uuid.UUID]map[uuid.UUID]struct{}, len(ents))
	for _, o := range occs {
		counts[o.EntityID]++
		if docs[o.EntityID] == nil {
			docs[o.EntityID] = make(map[uuid.UUID]struct{})
		}
		docs[o.EntityID][o.DocumentID] = struct{}{}
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", sheetEntities); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(sheetOccurrences); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	rows := [][]any{{"Entity", "Label", "Occurrences", "Documents"}}
	for _, e := range ents {
		rows = append(rows, []any{e.Text, e.Label, counts[e.ID], len(docs[e.ID])})
	}
	if err := writeRows(f, sheetEntities, rows); err != nil {
		return nil, err
	}
	rows = [][]any{{"Document", "Entity", "Label", "Start", "End", "Text"}}
	for _, o := range occs {
		rows = append(rows, []any{o.DocumentName, o.EntityText, o.Label, o.Start, o.End, truncate(o.SpanText, 200)})
	}
	if err := writeRows(f, sheetOccurrences, rows); err != nil {
		return nil, err
	}

	_ = f.SetColWidth(sheetEntities, "A", "A", 36)
	_ = f.SetColWidth(sheetEntities, "B", "D", 14)
	_ = f.SetColWidth(sheetOccurrences, "A", "A", 32)
	_ = f.SetColWidth(sheetOccurrences, "B", "B", 36)
	_ = f.SetColWidth(sheetOccurrences, "C", "E", 10)
	_ = f.SetColWidth(sheetOccurrences, "F", "F", 48)
	_ = f.SetDocProps(&excelize.DocProperties{Title: run.Name, Description: run.Description, Creator: run.UserID})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"run_id", runID.String(),
		"entities", len(ents),
		"occurrences", len(occs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("xlsx %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
