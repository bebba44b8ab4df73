// Package main is the entrypoint for the churnwatch prediction worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/churnwatch/internal/bootstrap"
	"github.com/kiranshivaraju/churnwatch/internal/config"
	"github.com/kiranshivaraju/churnwatch/internal/metrics"
	"github.com/kiranshivaraju/churnwatch/internal/model"
	"github.com/kiranshivaraju/churnwatch/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"blob_driver", cfg.BlobStore.Driver,
		"queue_driver", cfg.Queue.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A bad bundle must fail startup before any message is leased.
	rt, err := model.Shared(cfg.Model.BundlePath)
	if err != nil {
		return fmt.Errorf("load model bundle: %w", err)
	}
	slog.Info("model loaded", "path", cfg.Model.BundlePath, "features", len(rt.Schema().Features))

	var closers bootstrap.Closers
	defer func() {
		if err := closers.Close(); err != nil {
			slog.Error("releasing resources", "error", err)
		}
	}()

	pgStore, _, err := bootstrap.OpenStore(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	redisCache, err := bootstrap.OpenCache(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	blobs, err := bootstrap.OpenBlobStore(ctx, cfg, &closers)
	if err != nil {
		return err
	}
	q, err := bootstrap.OpenQueue(ctx, cfg, redisCache, &closers)
	if err != nil {
		return err
	}

	rec := metrics.New()
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           rec.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	w := worker.New(q, pgStore, blobs, rt, redisCache, worker.Config{
		ReceiveWait:     cfg.Queue.ReceiveWait,
		Visibility:      cfg.Queue.Visibility,
		SoftDeadline:    cfg.Worker.SoftDeadline,
		MessageMaxAge:   cfg.Worker.MessageMaxAge,
		MaxReceiveCount: cfg.Queue.MaxReceiveCount,
		TopN:            cfg.Model.ExplanationTop,
	}, slog.Default(), rec)

	return runUntilGrace(ctx, w.Run, cfg.Worker.ShutdownGrace)
}

// runUntilGrace runs fn until it returns. Once ctx is cancelled fn gets at most
// grace to finish its in-flight work; an unfinished message is left to the
// queue's visibility timeout.
func runUntilGrace(ctx context.Context, fn func(context.Context) error, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, finishing in-flight message", "grace_s", grace.Seconds())
	select {
	case err := <-done:
		slog.Info("worker stopped gracefully")
		return err
	case <-time.After(grace):
		slog.Warn("shutdown grace elapsed, abandoning in-flight message to redelivery")
		return nil
	}
}
