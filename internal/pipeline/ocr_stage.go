package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/ocr"
	"github.com/OpenUpSA/dexi/internal/storage"
)

// TextExtractor converts raw content of a declared type to text.
// *ocr.Extractor implements it.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (ocr.Result, error)
}

// OCRStage reads a document's content from the store and converts it.
type OCRStage struct {
	Store  storage.Store
	Text   TextExtractor
	Logger *slog.Logger
}

func NewOCRStage(store storage.Store, text TextExtractor, logger *slog.Logger) *OCRStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRStage{Store: store, Text: text, Logger: logger}
}

// Run returns the text of doc. Nothing is persisted here.
func (s *OCRStage) Run(ctx context.Context, doc *entity.Document) (ocr.Result, error) {
	data, err := s.Store.Get(ctx, doc.ContentHandle)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("read content: %w", err)
	}
	contentType := doc.ContentType
	if contentType == "" {
		if contentType, err = s.Store.TypeOf(ctx, doc.ContentHandle); err != nil {
			return ocr.Result{}, fmt.Errorf("content type: %w", err)
		}
	}
	res, err := s.Text.Extract(ctx, data, contentType)
	if err != nil {
		return res, err
	}
	if len(res.Warnings) > 0 {
		s.Logger.Warn("pipeline.ocr.warnings", "document_id", doc.ID, "warnings", res.Warnings)
	}
	s.Logger.Info("pipeline.ocr.ok",
		"document_id", doc.ID,
		"method", res.Method,
		"pages", res.Pages,
		"chars", len(res.Text),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}
