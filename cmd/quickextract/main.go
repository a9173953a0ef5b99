package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/fetch"
	"github.com/OpenUpSA/dexi/internal/ocr"
	"github.com/OpenUpSA/dexi/internal/quick"
)

func main() {
	var (
		withText = flag.Bool("text", false, "include the extracted text and markdown")
		private  = flag.Bool("allow-private", false, "allow loopback and private network targets")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: quickextract [-text] [-allow-private] <url>")
		os.Exit(2)
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(os.Stderr, cfg.Log)
	if *private {
		cfg.Quick.AllowPrivate = true
	}

	nlp, err := extract.NewNLP(cfg, logger)
	if err != nil {
		logger.Error("build tagger", "error", err)
		os.Exit(1)
	}
	x := quick.New(
		fetch.New(fetch.ConfigFrom(cfg.Quick), logger),
		ocr.NewExtractor(ocr.ConfigFrom(cfg.OCR), logger),
		nlp,
		logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Quick.Timeout+cfg.OCR.Timeout)
	defer cancel()
	res, err := x.Extract(ctx, flag.Arg(0))
	if err != nil {
		logger.Error("quick extract failed", "url", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	if !*withText {
		res.Text, res.Markdown = "", ""
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("encode result", "error", err)
		os.Exit(1)
	}
}
