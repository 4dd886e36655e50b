package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcoeg/etrap/internal/app"
	"github.com/marcoeg/etrap/internal/config"
	"github.com/marcoeg/etrap/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to agent config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.WithEnvironment(logging.NewJSONLogger(), logging.Environment{
		Service:        cfg.Logging.Service,
		Version:        cfg.Logging.Version,
		OrganizationID: cfg.OrganizationID,
		ConsumerName:   cfg.Streams.ConsumerName,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer application.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	go func() {
		logger.Info("ops endpoint listening", slog.String("addr", application.Server.Addr))
		if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops endpoint failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("cdc agent started",
		slog.String("stream_pattern", cfg.Streams.Pattern),
		slog.String("bucket", cfg.ObjectStore.Bucket),
		slog.Int("max_batch_size", cfg.Batching.MaxBatchSize),
	)
	if err := application.Pipeline.Run(ctx); err != nil {
		logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = application.Server.Shutdown(shutdownCtx)
	logger.Info("cdc agent stopped")
}
