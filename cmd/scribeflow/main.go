package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scribeflow/scribeflow/internal/config"
	"github.com/scribeflow/scribeflow/internal/pipeline"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

// Runs one transcription pipeline on an audio file and writes the result
// JSON to stdout (or -o). The web layer embeds the same Runner; this binary
// exists for local use and smoke testing.
func main() {
	var (
		inPath   string
		outPath  string
		backend  string
		language string
	)
	flag.StringVar(&inPath, "input", "", "input audio file path (-i)")
	flag.StringVar(&inPath, "i", "", "input audio file path")
	flag.StringVar(&outPath, "output", "", "output JSON path (default stdout) (-o)")
	flag.StringVar(&outPath, "o", "", "output JSON path (default stdout)")
	flag.StringVar(&backend, "backend", "", "backend override: auto|accelerated|remote|reference")
	flag.StringVar(&language, "language", "", "language hint (e.g. en)")
	flag.Parse()

	if inPath == "" {
		fmt.Fprintln(os.Stderr, "missing --input/-i audio path")
		os.Exit(2)
	}

	// fetch cfg
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// load global logger
	logger := Logger.BuildFileLogger(cfg.Debug, cfg.LogFile)
	logger.Info("Logger initialized")

	opts := pipeline.OptionsFromConfig(cfg)
	if backend != "" {
		opts.Backend = backend
	}
	if language != "" {
		opts.LanguageHint = language
	}

	// cancel on SIGINT/SIGTERM so resources release cleanly
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(cfg, logger)
	result, err := runner.Run(ctx, inPath, opts)
	if err != nil {
		logger.Errorf("pipeline failed: %v", err)
		os.Exit(1)
	}

	enc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Fatalf("encode result: %v", err)
	}
	if outPath == "" {
		fmt.Println(string(enc))
		return
	}
	if err := os.WriteFile(outPath, enc, 0o644); err != nil {
		logger.Fatalf("write result: %v", err)
	}
	logger.Infof("result written to %s", outPath)
}
