// Package ocr turns stored document bytes into plain text. PDFs are read
// in-process first and fall back to poppler and tesseract; images go
// through tesseract.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	DPI           int    // rasterization DPI for scanned PDFs, default 300
	MaxPages      int    // 0 = no limit

	TessdataDir   string
	HeicConverter string // heif-convert | magick | sips

	// ArtifactCacheDir holds temporary copies handed to external tools.
	ArtifactCacheDir string
	Timeout          time.Duration
}

// ConfigFrom maps the application OCR section onto the extractor config.
func ConfigFrom(c common.OCRConfig) Config {
	return Config{
		Pdftotext:        c.Pdftotext,
		Pdftoppm:         c.Pdftoppm,
		Tesseract:        c.Tesseract,
		TesseractLang:    c.Language,
		DPI:              c.DPI,
		MaxPages:         c.MaxPages,
		TessdataDir:      c.TessdataDir,
		HeicConverter:    c.HeicConverter,
		ArtifactCacheDir: c.ArtifactCacheDir,
		Timeout:          c.Timeout,
	}
}

type Result struct {
	Text     string
	Pages    int
	Kind     constants.ContentKind
	Method   string // pdf-text | pdftotext | pdf-ocr | image-ocr | text | html
	Duration time.Duration
	Warnings []string
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.ArtifactCacheDir == "" {
		cfg.ArtifactCacheDir = os.TempDir()
	}
	return &Extractor{cfg: cfg, runner: execRunner{log: logger}, logger: logger}
}

// WithRunner swaps the command runner, used by tests.
func (e *Extractor) WithRunner(r Runner) *Extractor {
	e.runner = r
	return e
}

// Extract converts data of the declared content type to text. Types no path
// can handle fail with ErrUnsupportedContentType; every other failure,
// including an empty result for non-empty input, is ErrOCRFailed.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType string) (Result, error) {
	start := time.Now()
	kind, ok := constants.KindOf(contentType)
	if !ok {
		e.logger.Warn("ocr.unsupported", "content_type", contentType)
		return Result{}, fmt.Errorf("%q: %w", contentType, common.ErrUnsupportedContentType)
	}
	ctx, cancel := common.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	e.logger.Debug("ocr.start", "content_type", contentType, "kind", kind, "bytes", len(data))
	var (
		res Result
		err error
	)
	switch kind {
	case constants.KindText:
		res, err = decodeText(data, contentType)
	case constants.KindHTML:
		res, err = htmlToText(data, contentType)
	case constants.KindPDF:
		res, err = e.extractPDF(ctx, data)
	case constants.KindImage:
		res, err = e.extractImage(ctx, data, contentType)
	}
	res.Kind = kind
	res.Duration = time.Since(start)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, common.ErrUnsupportedContentType) {
			return res, err
		}
		return res, fmt.Errorf("%s %s: %w: %v", kind, res.Method, common.ErrOCRFailed, err)
	}
	res.Text = Normalize(res.Text)
	if res.Text == "" && len(strings.TrimSpace(string(data))) > 0 {
		return res, fmt.Errorf("%s produced no text: %w", kind, common.ErrOCRFailed)
	}
	e.logger.Debug("ocr.done", "kind", kind, "method", res.Method, "pages", res.Pages, "chars", len(res.Text), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// spill writes data to a temporary file for external tools. The returned
// cleanup removes it.
func (e *Extractor) spill(data []byte, ext string) (string, func(), error) {
	if err := os.MkdirAll(e.cfg.ArtifactCacheDir, 0o755); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(e.cfg.ArtifactCacheDir, "dexi-ocr-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove temp dir", "dir", dir, "err", err)
		}
	}
	path := filepath.Join(dir, "input."+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
