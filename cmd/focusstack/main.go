package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"focusstack/internal/cli"
	"focusstack/internal/config"
	"focusstack/internal/imaging"
	"focusstack/internal/logging"
	"focusstack/internal/magick"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	// The job history is optional: stacking works without it.
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job database unavailable, history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	var codec imaging.Codec = imaging.StdCodec{JPEGQuality: cfg.Stacking.JPEGQuality}
	if cfg.Stacking.Codec == "magick" {
		terminate := magick.Start()
		defer terminate()
		codec = magick.New(cfg.Stacking.JPEGQuality)
	}

	opts, err := cfg.Stacking.Options(cfg.Processing.FrameWorkers)
	if err != nil {
		return err
	}
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, pipeline.Settings{
		Codec:   codec,
		Options: opts,
	})
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
