// Package worker consumes job messages and turns each upload into a scored
// result artifact. One message is handled at a time; scale is by process count.
//
// A message is acknowledged only after its prediction reached a terminal state
// (or was already terminal). Infrastructure failures leave the message leased
// so the queue redelivers it, and the claim token makes sure at most one
// delivery commits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/internal/blobstore"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
	"github.com/kiranshivaraju/churnwatch/internal/dispatch"
	"github.com/kiranshivaraju/churnwatch/internal/explain"
	"github.com/kiranshivaraju/churnwatch/internal/metrics"
	"github.com/kiranshivaraju/churnwatch/internal/model"
	"github.com/kiranshivaraju/churnwatch/internal/queue"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

const (
	defaultReceiveWait   = 20 * time.Second
	defaultVisibility    = 5 * time.Minute
	defaultSoftDeadline  = 10 * time.Minute
	defaultMessageMaxAge = 14 * 24 * time.Hour
	defaultMaxReceive    = 3
	receiveErrorBackoff  = time.Second
	statusCacheTTL       = 30 * time.Minute
)

// Store is the slice of the job store the worker needs.
type Store interface {
	GetPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error)
	GetUpload(ctx context.Context, id int64) (*models.Upload, error)
	ClaimPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error)
	CompletePrediction(ctx context.Context, id, claimToken uuid.UUID, result store.CompletedResult) error
	FailPrediction(ctx context.Context, id, claimToken uuid.UUID, errorDescription string, metrics map[string]any) error
}

type Config struct {
	ReceiveWait   time.Duration
	Visibility    time.Duration
	SoftDeadline  time.Duration
	MessageMaxAge time.Duration
	// MaxReceiveCount matches the queue's redrive limit. A retryable error on the
	// last delivery fails the prediction instead of leaving it for redelivery.
	MaxReceiveCount int
	// Heartbeat is how often the lease is extended. Defaults to Visibility/2.
	Heartbeat time.Duration
	TopN      int
}

type Worker struct {
	queue     queue.Queue
	store     Store
	blobs     blobstore.Store
	runtime   model.Runtime
	explainer *explain.Explainer
	cache     cache.Cache
	logger    *slog.Logger
	metrics   *metrics.Recorder
	cfg       Config
	now       func() time.Time

	started   time.Time
	processed atomic.Int64
	failed    atomic.Int64
}

// New builds a Worker. ca may be nil.
func New(q queue.Queue, st Store, blobs blobstore.Store, rt model.Runtime, ca cache.Cache, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Worker {
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = defaultReceiveWait
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = defaultSoftDeadline
	}
	if cfg.MessageMaxAge <= 0 {
		cfg.MessageMaxAge = defaultMessageMaxAge
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = defaultMaxReceive
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.Visibility / 2
	}
	if cfg.TopN == 0 {
		cfg.TopN = explain.DefaultTopN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:     q,
		store:     st,
		blobs:     blobs,
		runtime:   rt,
		explainer: explain.New(rt, cfg.TopN),
		cache:     ca,
		logger:    logger,
		metrics:   rec,
		cfg:       cfg,
		now:       time.Now,
		started:   time.Now(),
	}
}

// Run polls until ctx is cancelled. The in-flight message, if any, is
// finished on a context detached from ctx before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"receive_wait_s", w.cfg.ReceiveWait.Seconds(),
		"visibility_s", w.cfg.Visibility.Seconds(),
		"soft_deadline_s", w.cfg.SoftDeadline.Seconds(),
	)
	defer w.logSummary()

	for ctx.Err() == nil {
		if err := w.Poll(ctx); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorBackoff):
			}
		}
	}
	return nil
}

// Poll receives at most one message and handles it. It returns only receive errors.
func (w *Worker) Poll(ctx context.Context) error {
	start := time.Now()
	d, err := w.queue.Receive(ctx, w.cfg.ReceiveWait)
	if err != nil {
		w.metrics.Op("queue.receive", "error", time.Since(start))
		return err
	}
	if d == nil {
		return nil
	}
	w.metrics.Op("queue.receive", "ok", time.Since(start))

	w.Handle(context.WithoutCancel(ctx), d)
	return nil
}

// Handle processes one delivery and settles it with the queue.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	res, err := w.process(ctx, d)
	if err != nil {
		// Leave the lease to expire so the queue redelivers.
		w.metrics.Message("retry")
		w.logger.Error("processing interrupted, message left for redelivery",
			"message_id", d.ID,
			"receive_count", d.ReceiveCount,
			"error", err,
		)
		return
	}

	w.metrics.Message(res.outcome)
	switch res.settle {
	case settleAck:
		w.ack(ctx, d)
	case settleRelease:
		w.release(ctx, d)
	}
}

type settlement int

const (
	settleAck settlement = iota
	settleRelease
)

type result struct {
	outcome string
	settle  settlement
}

var (
	resultCompleted = result{outcome: "completed", settle: settleAck}
	resultFailed    = result{outcome: "failed", settle: settleAck}
	resultSkipped   = result{outcome: "skipped", settle: settleAck}
	resultDropped   = result{outcome: "dropped", settle: settleRelease}
)

func (w *Worker) process(ctx context.Context, d *queue.Delivery) (result, error) {
	job, err := dispatch.Decode(d.Body, w.now(), w.cfg.MessageMaxAge)
	if err != nil {
		w.logger.Warn("message_dropped", "message_id", d.ID, "receive_count", d.ReceiveCount, "reason", err.Error())
		return resultDropped, nil
	}
	log := w.logger.With("prediction_id", job.PredictionID, "tenant_id", job.TenantID, "message_id", d.ID)

	start := time.Now()
	pred, err := w.store.GetPrediction(ctx, job.PredictionID)
	w.observe("db.get_prediction", start, ignore(err, store.ErrNotFound))
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("message_dropped", "reason", "prediction not found")
		return resultSkipped, nil
	case err != nil:
		return result{}, fmt.Errorf("loading prediction: %w", err)
	}
	if pred.TenantID != job.TenantID || pred.UploadID != job.UploadID {
		log.Warn("message_dropped", "reason", "message does not match prediction")
		return resultDropped, nil
	}
	if pred.IsTerminal() {
		log.Info("duplicate delivery for terminal prediction", "status", pred.Status)
		return resultSkipped, nil
	}

	start = time.Now()
	claimed, err := w.store.ClaimPrediction(ctx, job.PredictionID)
	w.observe("db.claim", start, ignore(err, store.ErrTerminal, store.ErrNotFound))
	switch {
	case errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrNotFound):
		log.Info("prediction finished by another delivery")
		return resultSkipped, nil
	case err != nil:
		return result{}, fmt.Errorf("claiming prediction: %w", err)
	}
	token := *claimed.ClaimToken
	log.Info("prediction_claimed", "attempts", claimed.Attempts, "receive_count", d.ReceiveCount)
	w.cacheStatus(ctx, claimed, models.PredictionStatusRunning)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, d.ReceiptHandle, log)

	began := time.Now()
	out, runErr := w.run(ctx, job, claimed, log)
	elapsed := time.Since(began)

	var (
		res     result
		failure *jobFailure
	)
	switch {
	case errors.As(runErr, &failure):
		res, err = w.commitFailure(ctx, claimed, token, failure, elapsed, log)
	case runErr != nil:
		err = runErr
	default:
		res, err = w.commitSuccess(ctx, claimed, token, out, elapsed, log)
	}
	if err != nil && d.ReceiveCount >= w.cfg.MaxReceiveCount {
		log.Warn("retry budget exhausted", "receive_count", d.ReceiveCount, "error", err)
		exhausted := &jobFailure{description: models.ErrCodeRetryExhausted, cause: err}
		return w.commitFailure(ctx, claimed, token, exhausted, elapsed, log)
	}
	return res, err
}

func (w *Worker) commitSuccess(ctx context.Context, pred *models.Prediction, token uuid.UUID, out *artifact, elapsed time.Duration, log *slog.Logger) (result, error) {
	out.metrics["duration_ms"] = elapsed.Milliseconds()

	start := time.Now()
	err := w.store.CompletePrediction(ctx, pred.ID, token, store.CompletedResult{
		ResultKey:     out.key,
		RowsProcessed: out.rows,
		Metrics:       out.metrics,
	})
	w.observe("db.complete", start, ignore(err, store.ErrClaimLost))
	if err != nil {
		w.discard(ctx, out.key, log)
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("claim lost before commit, artifact discarded", "result_key", out.key)
			return resultSkipped, nil
		}
		return result{}, fmt.Errorf("completing prediction: %w", err)
	}

	w.processed.Add(1)
	w.metrics.Prediction(models.PredictionStatusCompleted, elapsed, out.rows)
	w.cacheStatus(ctx, pred, models.PredictionStatusCompleted)
	log.Info("prediction_completed",
		"rows_processed", out.rows,
		"result_key", out.key,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resultCompleted, nil
}

func (w *Worker) commitFailure(ctx context.Context, pred *models.Prediction, token uuid.UUID, f *jobFailure, elapsed time.Duration, log *slog.Logger) (result, error) {
	m := f.metrics
	if m == nil {
		m = map[string]any{}
	}
	m["duration_ms"] = elapsed.Milliseconds()

	start := time.Now()
	err := w.store.FailPrediction(ctx, pred.ID, token, f.description, m)
	w.observe("db.fail", start, ignore(err, store.ErrClaimLost))
	if errors.Is(err, store.ErrClaimLost) {
		log.Warn("claim lost before failure commit", "error_description", f.description)
		return resultSkipped, nil
	}
	if err != nil {
		return result{}, fmt.Errorf("failing prediction: %w", err)
	}

	w.processed.Add(1)
	w.failed.Add(1)
	w.metrics.Prediction(models.PredictionStatusFailed, elapsed, 0)
	w.cacheStatus(ctx, pred, models.PredictionStatusFailed)
	log.Warn("prediction_failed",
		"error_description", f.description,
		"cause", f.cause,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resultFailed, nil
}

// heartbeat extends the lease until ctx is done or the lease is lost.
func (w *Worker) heartbeat(ctx context.Context, receipt string, log *slog.Logger) {
	t := time.NewTicker(w.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.queue.ChangeVisibility(ctx, receipt, w.cfg.Visibility)
			if errors.Is(err, queue.ErrStaleReceipt) {
				log.Warn("lease lost, another delivery may take over")
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("lease extension failed", "error", err)
			}
		}
	}
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery) {
	start := time.Now()
	err := w.queue.Delete(ctx, d.ReceiptHandle)
	w.observe("queue.delete", start, err)
	if errors.Is(err, queue.ErrStaleReceipt) {
		w.logger.Info("ack skipped, message was redelivered", "message_id", d.ID)
		return
	}
	if err != nil {
		w.logger.Error("ack failed", "message_id", d.ID, "error", err)
	}
}

// release makes the message visible again so the queue's redrive policy
// moves it to the dead-letter queue after the receive cap.
func (w *Worker) release(ctx context.Context, d *queue.Delivery) {
	err := w.queue.ChangeVisibility(ctx, d.ReceiptHandle, 0)
	if err != nil && !errors.Is(err, queue.ErrStaleReceipt) {
		w.logger.Error("release failed", "message_id", d.ID, "error", err)
		return
	}
	w.logger.Info("message_released", "message_id", d.ID, "receive_count", d.ReceiveCount)
}

func (w *Worker) discard(ctx context.Context, key string, log *slog.Logger) {
	if err := w.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		log.Warn("artifact cleanup failed", "result_key", key, "error", err)
	}
}

func (w *Worker) cacheStatus(ctx context.Context, p *models.Prediction, status string) {
	if w.cache == nil {
		return
	}
	_ = w.cache.SetPredictionStatus(ctx, p.ID, cache.StatusEntry{TenantID: p.TenantID, Status: status}, statusCacheTTL)
}

func (w *Worker) observe(op string, start time.Time, err error) {
	d := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	w.metrics.Op(op, outcome, d)
	w.logger.Debug("op", "op", op, "duration_ms", d.Milliseconds(), "outcome", outcome)
}

// Stats reports predictions this process committed and how many of them failed.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

func (w *Worker) logSummary() {
	processed, failed := w.Stats()
	rate := 0.0
	if processed > 0 {
		rate = float64(processed-failed) / float64(processed)
	}
	w.logger.Info("worker_shutdown",
		"processed", processed,
		"failed", failed,
		"success_rate", rate,
		"uptime_s", int64(time.Since(w.started).Seconds()),
	)
}

func ignore(err error, benign ...error) error {
	for _, b := range benign {
		if errors.Is(err, b) {
			return nil
		}
	}
	return err
}
