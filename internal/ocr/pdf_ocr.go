package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// extractPDF tries the embedded text layer, then pdftotext, then renders
// pages and runs tesseract on each.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (Result, error) {
	var warns []string

	text, pages, err := pdfTextLayer(data)
	switch {
	case err != nil:
		warns = append(warns, "pdfcpu: "+err.Error())
	case textLayerUsable(text, pages):
		return Result{Text: text, Pages: pages, Method: "pdf-text"}, nil
	default:
		warns = append(warns, "text layer unusable")
	}

	path, cleanup, err := e.spill(data, "pdf")
	if err != nil {
		return Result{Method: "pdf-text", Warnings: warns}, err
	}
	defer cleanup()

	text, n, w, err := e.pdfToText(ctx, path)
	warns = append(warns, w...)
	if err == nil && textLayerUsable(text, n) {
		return Result{Text: text, Pages: n, Method: "pdftotext", Warnings: warns}, nil
	}
	if err != nil {
		warns = append(warns, "pdftotext: "+err.Error())
	}
	e.logger.Debug("pdf has no usable text layer, rasterizing", "warnings", len(warns))

	text, n, w, err = e.pdfToOCR(ctx, path)
	warns = append(warns, w...)
	if err != nil {
		return Result{Method: "pdf-ocr", Warnings: warns}, err
	}
	return Result{Text: text, Pages: n, Method: "pdf-ocr", Warnings: warns}, nil
}

// pdfTextLayer reads text operators from every page's content stream.
func pdfTextLayer(data []byte) (text string, pages int, err error) {
	defer func() {
		// malformed files can panic inside the parser
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return "", 0, err
	}
	var b strings.Builder
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil || len(content) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(textFromContentStream(content))
	}
	return b.String(), pctx.PageCount, nil
}

var pdfString = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// textFromContentStream handles the Tj, TJ, ' and T* operators. Each text
// line in the stream becomes one line of output.
func textFromContentStream(data []byte) string {
	var b strings.Builder
	newline := func() {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case len(line) == 0:
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				b.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			newline()
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				b.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")), bytes.Equal(line, []byte("T*")):
			newline()
		case bytes.Equal(line, []byte("ET")):
			newline()
		}
	}
	return b.String()
}

// decodePDFString handles the escape sequences of PDF literal strings.
func decodePDFString(raw []byte) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			b.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\\', '(', ')':
			b.WriteByte(c)
		default:
			if c < '0' || c > '7' {
				b.WriteByte(c)
				continue
			}
			val := int(c - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			b.WriteByte(byte(val))
		}
	}
	return b.String()
}

func (e *Extractor) pdfToText(ctx context.Context, path string) (text string, pages int, warnings []string, err error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", 0, []string{string(errb)}, err
	}
	text = string(out)
	// pdftotext separates pages with form feeds
	pages = 1 + strings.Count(strings.TrimRight(text, "\f"), "\f")
	return text, pages, nil, nil
}

func (e *Extractor) pdfToOCR(ctx context.Context, path string) (text string, pages int, warnings []string, err error) {
	prefix := filepath.Join(filepath.Dir(path), "page")
	args := []string{"-r", fmt.Sprintf("%d", e.cfg.DPI), "-png"}
	if e.cfg.MaxPages > 0 {
		args = append(args, "-l", fmt.Sprintf("%d", e.cfg.MaxPages))
	}
	args = append(args, path, prefix)
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, args...)
	if err != nil {
		return "", 0, []string{string(errb)}, err
	}

	// pdftoppm zero-pads page numbers to the width of the page count
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if e.cfg.MaxPages > 0 && len(matches) > e.cfg.MaxPages {
		matches = matches[:e.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return "", 0, []string{"pdftoppm produced no images"}, fmt.Errorf("no pages rendered")
	}

	var b strings.Builder
	var warns []string
	ok := 0
	for _, img := range matches {
		txt, w, err := e.tesseractOCR(ctx, img)
		warns = append(warns, w...)
		if err != nil {
			warns = append(warns, err.Error())
			continue
		}
		ok++
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(txt)
		_ = os.Remove(img)
	}
	if ok == 0 {
		return "", len(matches), warns, fmt.Errorf("tesseract failed on all %d pages", len(matches))
	}
	return b.String(), len(matches), warns, nil
}
