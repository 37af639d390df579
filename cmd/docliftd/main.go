package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/doclift/doclift/constants"
	"github.com/doclift/doclift/internal/blob"
	"github.com/doclift/doclift/internal/common"
	"github.com/doclift/doclift/internal/engine"
	"github.com/doclift/doclift/internal/repository"
	"github.com/doclift/doclift/internal/server"
	"github.com/doclift/doclift/internal/taskqueue"
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

	// Job record store
	db, dialect, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("opening record store failed", "error", err)
		os.Exit(1)
	}
	defer repository.Close(db, logger)
	if err := repository.Migrate(ctx, db); err != nil {
		logger.Error("migrating record store failed", "error", err)
		os.Exit(1)
	}
	jobs := repository.NewJobRepository(db, dialect, logger)

	// Broker health on startup
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	cancel()
	_ = rdb.Close()
	logger.Info("redis health OK", "addr", cfg.Redis.Addr)

	// Artifact stores
	inputs, err := blob.NewFSStore(filepath.Join(cfg.Storage.Root, "inputs"), constants.PDFExt, logger)
	if err != nil {
		logger.Error("creating input store failed", "error", err)
		os.Exit(1)
	}
	outputs, err := blob.NewFSStore(filepath.Join(cfg.Storage.Root, "outputs"), constants.TxtExt, logger)
	if err != nil {
		logger.Error("creating output store failed", "error", err)
		os.Exit(1)
	}

	// Task queue client
	queue := taskqueue.NewAsynqQueue(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		taskqueue.Options{
			Queue:     cfg.Worker.Queue,
			MaxRetry:  cfg.Worker.MaxRetry,
			Retention: cfg.Worker.ResultRetention,
			Timeout:   cfg.Worker.ExtractTimeout,
		},
		logger,
	)
	defer queue.Close()

	eng := engine.New(jobs, inputs, outputs, queue, cfg.Server.PublicURL, logger)

	srv := server.New(eng, server.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		WatchInterval:  cfg.Server.WatchInterval,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("stopped")
}
