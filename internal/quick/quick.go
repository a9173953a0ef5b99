// Package quick runs NLP over a fetched URL without persisting anything.
package quick

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/fetch"
	"github.com/OpenUpSA/dexi/internal/ocr"
)

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Result, error)
}

// TextExtractor converts plain-text and PDF bodies. *ocr.Extractor
// implements it.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (ocr.Result, error)
}

// Result is what a quick extraction returns. Offsets index Text.
type Result struct {
	URL         string               `json:"url"`
	ContentType string               `json:"content_type"`
	Title       string               `json:"title,omitempty"`
	Text        string               `json:"text"`
	Markdown    string               `json:"markdown,omitempty"`
	Occurrences []extract.Occurrence `json:"occurrences"`
}

type Extractor struct {
	fetcher Fetcher
	text    TextExtractor
	nlp     extract.Strategy
	policy  *bluemonday.Policy
	md      *converter.Converter
	logger  *slog.Logger
}

func New(fetcher Fetcher, text TextExtractor, nlp extract.Strategy, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		fetcher: fetcher,
		text:    text,
		nlp:     nlp,
		policy:  bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Extract fetches rawURL, converts it to text and tags it.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	res, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	out := &Result{URL: res.URL, ContentType: res.ContentType}

	kind, ok := constants.KindOf(res.ContentType)
	switch {
	case !ok, kind == constants.KindImage:
		return nil, fmt.Errorf("%q: %w", res.ContentType, common.ErrUnsupportedContentType)
	case kind == constants.KindHTML:
		if err := e.fromHTML(res, out); err != nil {
			return nil, err
		}
	default:
		ct := res.ContentType
		if res.Charset != "" {
			ct += "; charset=" + res.Charset
		}
		r, err := e.text.Extract(ctx, res.Body, ct)
		if err != nil {
			return nil, err
		}
		out.Text = r.Text
	}

	occs, err := extract.Collect(e.nlp.Extract(ctx, out.Text))
	if err != nil {
		if !errors.Is(err, common.ErrStrategyFailure) {
			err = fmt.Errorf("%s: %w: %w", e.nlp.Name(), common.ErrStrategyFailure, err)
		}
		return nil, err
	}
	if occs == nil {
		occs = []extract.Occurrence{}
	}
	out.Occurrences = occs
	e.logger.Info("quick.extract.ok",
		"url", out.URL,
		"content_type", out.ContentType,
		"chars", len(out.Text),
		"occurrences", len(occs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// fromHTML fills Text with the page's visible text and Markdown with a
// sanitized markdown rendering.
func (e *Extractor) fromHTML(res *fetch.Result, out *Result) error {
	ct := "text/html"
	if res.Charset != "" {
		ct += "; charset=" + res.Charset
	}
	r, err := charset.NewReader(bytes.NewReader(res.Body), ct)
	if err != nil {
		return fmt.Errorf("decode html: %w: %w", common.ErrUnsupportedContentType, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return fmt.Errorf("decode html: %w: %w", common.ErrFetchFailed, err)
	}
	doc, err := html.Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("parse html: %w: %w", common.ErrUnsupportedContentType, err)
	}
	out.Title = title(doc)
	out.Text = ocr.Normalize(ocr.VisibleText(doc))

	clean := e.policy.Sanitize(buf.String())
	md, err := e.md.ConvertString(clean, converter.WithDomain(res.URL))
	if err != nil {
		e.logger.Warn("quick.markdown.failed", "url", res.URL, "err", err)
	} else {
		out.Markdown = strings.TrimSpace(md)
	}
	if out.Text == "" {
		out.Text = out.Markdown
	}
	return nil
}

func title(doc *html.Node) string {
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if t := walk(c); t != "" {
				return t
			}
		}
		return ""
	}
	return walk(doc)
}
