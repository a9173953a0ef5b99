package ocr

import (
	"context"
	"fmt"

	"github.com/OpenUpSA/dexi/constants"
)

func (e *Extractor) extractImage(ctx context.Context, data []byte, contentType string) (Result, error) {
	path, cleanup, err := e.spill(data, constants.ExtForContentType(contentType))
	if err != nil {
		return Result{Method: "image-ocr"}, err
	}
	defer cleanup()

	var warns []string
	if constants.IsHEIC(contentType) {
		out, w, err := convertHEICtoPNG(ctx, e.runner, e.cfg.HeicConverter, path)
		warns = append(warns, w...)
		if err != nil {
			e.logger.Error("heic conversion failed", "converter", e.cfg.HeicConverter, "err", err)
			return Result{Method: "image-ocr", Warnings: warns}, err
		}
		path = out
	}

	txt, w, err := e.tesseractOCR(ctx, path)
	warns = append(warns, w...)
	if err != nil {
		return Result{Method: "image-ocr", Warnings: warns}, err
	}
	return Result{Text: txt, Pages: 1, Method: "image-ocr", Warnings: warns}, nil
}

func (e *Extractor) tesseractOCR(ctx context.Context, path string) (string, []string, error) {
	args := []string{path, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}

	// tesseract <file> stdout -l <lang>
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return "", []string{string(errb)}, fmt.Errorf("tesseract: %w", err)
	}
	return string(out), nil, nil
}
