package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"plexalign/internal/cli"
	"plexalign/internal/config"
	"plexalign/internal/logging"
	"plexalign/internal/pipeline"
	"plexalign/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 1
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open job store", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cfg)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
