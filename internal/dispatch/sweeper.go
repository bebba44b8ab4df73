package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
	"github.com/kiranshivaraju/churnwatch/internal/metrics"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
	"github.com/sony/gobreaker"
)

const (
	defaultSweepBatch    = 100
	defaultSweepInterval = time.Minute
	statusCacheTTL       = 30 * time.Minute
)

// SweepStore is the slice of the job store the sweeper reads and expires.
type SweepStore interface {
	ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]*models.Prediction, error)
	GetUpload(ctx context.Context, id int64) (*models.Upload, error)
	ExpireStalled(ctx context.Context, cutoff store.StallCutoff, errorDescription string, limit int) ([]*models.Prediction, error)
}

// Sweeper re-publishes QUEUED predictions that never got a message id and
// fails published predictions whose messages can no longer be delivered.
type Sweeper struct {
	store     SweepStore
	publisher *Publisher
	interval  time.Duration
	minAge    time.Duration
	stallAge  time.Duration
	retention time.Duration
	batch     int
	cache     cache.Cache
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

// SweeperOption tunes a Sweeper.
type SweeperOption func(*Sweeper)

// WithStallAge enables expiry of RUNNING predictions not re-claimed for d.
func WithStallAge(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.stallAge = d }
}

// WithMessageRetention enables expiry of QUEUED predictions published more than d ago.
func WithMessageRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retention = d }
}

// WithStatusCache writes FAILED into the status cache for every expired prediction.
func WithStatusCache(c cache.Cache) SweeperOption {
	return func(s *Sweeper) { s.cache = c }
}

func NewSweeper(st SweepStore, pub *Publisher, interval, minAge time.Duration, logger *slog.Logger, rec *metrics.Recorder, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	s := &Sweeper{
		store:     st,
		publisher: pub,
		interval:  interval,
		minAge:    minAge,
		batch:     defaultSweepBatch,
		logger:    logger,
		metrics:   rec,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval.String(), "min_age", s.minAge.String(),
		"stall_age", s.stallAge.String(), "message_retention", s.retention.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep incomplete", "republished", n, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("sweep complete", "republished", n)
			}

			expired, err := s.ExpireOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("stall expiry failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.Warn("expired stalled predictions", "count", expired)
			}
		}
	}
}

// SweepOnce re-publishes one batch and returns how many publishes succeeded.
// Per-prediction failures are collected; an open breaker ends the batch early.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.minAge)
	preds, err := s.store.ListUnpublished(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("listing unpublished predictions: %w", err)
	}

	var (
		result    *multierror.Error
		published int
	)
	for _, pred := range preds {
		if ctx.Err() != nil {
			break
		}

		upload, err := s.store.GetUpload(ctx, pred.UploadID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("prediction %s: loading upload: %w", pred.ID, err))
			continue
		}

		if _, err := s.publisher.Publish(ctx, NewMessage(pred, upload, s.now())); err != nil {
			result = multierror.Append(result, fmt.Errorf("prediction %s: %w", pred.ID, err))
			if errors.Is(err, gobreaker.ErrOpenState) {
				break
			}
			continue
		}
		published++
	}

	s.metrics.SweepRepublished(published)
	return published, result.ErrorOrNil()
}

// ExpireOnce fails one batch of stalled predictions and returns how many it moved to FAILED.
// It is a no-op unless a stall age or message retention is configured.
func (s *Sweeper) ExpireOnce(ctx context.Context) (int, error) {
	if s.stallAge <= 0 && s.retention <= 0 {
		return 0, nil
	}
	now := s.now()
	var cutoff store.StallCutoff
	if s.stallAge > 0 {
		cutoff.Running = now.Add(-s.stallAge)
	}
	if s.retention > 0 {
		cutoff.Queued = now.Add(-s.retention)
	}

	preds, err := s.store.ExpireStalled(ctx, cutoff, models.ErrCodeRetryExhausted, s.batch)
	if err != nil {
		return 0, fmt.Errorf("expiring stalled predictions: %w", err)
	}
	for _, p := range preds {
		s.logger.Warn("prediction expired", "prediction_id", p.ID, "tenant_id", p.TenantID, "attempts", p.Attempts)
		if s.cache != nil {
			_ = s.cache.SetPredictionStatus(ctx, p.ID, cache.StatusEntry{TenantID: p.TenantID, Status: models.PredictionStatusFailed}, statusCacheTTL)
		}
	}
	s.metrics.SweepExpired(len(preds))
	return len(preds), nil
}
