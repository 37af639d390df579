package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/doclift/doclift/constants"
	"github.com/doclift/doclift/internal/blob"
	"github.com/doclift/doclift/internal/common"
	"github.com/doclift/doclift/internal/extract"
	"github.com/doclift/doclift/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs, err := blob.NewFSStore(filepath.Join(cfg.Storage.Root, "inputs"), constants.PDFExt, logger)
	if err != nil {
		logger.Error("creating input store failed", "error", err)
		os.Exit(1)
	}

	handler := worker.NewHandler(inputs, extract.NewPDFExtractor(logger), logger)
	srv := worker.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		handler,
		worker.Config{Queue: cfg.Worker.Queue, Concurrency: cfg.Worker.Concurrency},
		logger,
	)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	if err := srv.Run(); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
