// Package main is the entrypoint for the churnwatch ingress API server.
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

	"github.com/kiranshivaraju/churnwatch/internal/api"
	"github.com/kiranshivaraju/churnwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/churnwatch/internal/api/middleware"
	"github.com/kiranshivaraju/churnwatch/internal/bootstrap"
	"github.com/kiranshivaraju/churnwatch/internal/config"
	"github.com/kiranshivaraju/churnwatch/internal/dispatch"
	"github.com/kiranshivaraju/churnwatch/internal/ingress"
	"github.com/kiranshivaraju/churnwatch/internal/metrics"
	"github.com/kiranshivaraju/churnwatch/internal/queue"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
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

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

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
	publisher := dispatch.NewPublisher(q, pgStore, slog.Default(), rec)
	sweeper := dispatch.NewSweeper(pgStore, publisher, cfg.Sweeper.Interval, cfg.Sweeper.MinAge, slog.Default(), rec,
		dispatch.WithStallAge(cfg.Sweeper.StallAge),
		dispatch.WithMessageRetention(cfg.Worker.MessageMaxAge),
		dispatch.WithStatusCache(redisCache))

	svc := ingress.NewService(pgStore, blobs, publisher, redisCache, ingress.Config{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		StallTimeout:   cfg.Upload.StallTimeout,
		PresignTTL:     cfg.Server.PresignedURLTTL,
	}, slog.Default(), rec)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:  handler.NewHealthHandler(healthChecks(pgStore, redisCache, q)...),
		MetricsHandler: rec.Handler(),

		SubmitHandler:   handler.NewSubmitHandler(svc),
		ListHandler:     handler.NewListHandler(svc),
		DetailHandler:   handler.NewDetailHandler(svc),
		StatusHandler:   handler.NewStatusHandler(svc),
		DownloadHandler: handler.NewDownloadHandler(svc),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := newHTTPServer(addr, api.NewRouter(deps), cfg.Upload.StallTimeout)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthChecks probes the job store, the cache and the queue.
func healthChecks(db, ca pinger, q queue.Queue) []handler.HealthCheck {
	return []handler.HealthCheck{
		{Name: "database", Check: db.Ping},
		{Name: "cache", Check: ca.Ping},
		{Name: "queue", Check: func(ctx context.Context) error { return queue.Ping(ctx, q) }},
	}
}

// newHTTPServer builds the listener config. Uploads stream for a long time,
// so only header reads and idle stalls are bounded tightly.
func newHTTPServer(addr string, h http.Handler, stall time.Duration) *http.Server {
	if stall <= 0 {
		stall = 30 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10*time.Minute + stall,
		IdleTimeout:       60 * time.Second,
	}
}
