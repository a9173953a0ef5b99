package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/app"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/ocr"
	"github.com/OpenUpSA/dexi/internal/pipeline"
)

// runocr extracts a stored document's text and prints it without changing
// the document's status.
func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	if len(os.Args) != 2 {
		logger.Error("usage", "cmd", "runocr <document-id>")
		os.Exit(2)
	}
	docID, err := uuid.Parse(os.Args[1])
	if err != nil {
		logger.Error("invalid document id (must be UUID)", "arg", os.Args[1], "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OCR.Timeout+time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("open", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close(5 * time.Second) }()

	doc, err := a.Documents.Get(ctx, docID)
	if err != nil {
		logger.Error("load document", "document_id", docID, "error", err)
		return
	}

	stage := pipeline.NewOCRStage(a.Store, ocr.NewExtractor(ocr.ConfigFrom(cfg.OCR), logger), logger)
	start := time.Now()
	res, err := stage.Run(ctx, doc)
	dur := time.Since(start)
	if err != nil {
		logger.Error("text extraction failed", "document_id", docID, "error", err, "duration_ms", dur.Milliseconds())
		return
	}

	logger.Info("text extraction OK",
		"document_id", docID,
		"method", res.Method,
		"pages", res.Pages,
		"chars", len([]rune(res.Text)),
		"warnings", len(res.Warnings),
		"duration_ms", dur.Milliseconds(),
	)
	fmt.Println(res.Text)
}
