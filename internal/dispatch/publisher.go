package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/internal/metrics"
	"github.com/kiranshivaraju/churnwatch/internal/queue"
	"github.com/sony/gobreaker"
)

const (
	defaultRetryBase        = 100 * time.Millisecond
	defaultMaxAttempts      = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// ErrPublishFailed is returned once every attempt has failed or the breaker is open.
var ErrPublishFailed = errors.New("publish failed")

// EnqueueRecorder stamps a prediction with the message id of a confirmed publish.
type EnqueueRecorder interface {
	MarkEnqueued(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
}

// Publisher sends job messages with bounded exponential backoff behind a
// circuit breaker. A failed publish leaves the prediction QUEUED and unstamped
// so the sweeper picks it up later.
type Publisher struct {
	queue       queue.Queue
	store       EnqueueRecorder
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
	metrics     *metrics.Recorder
	retryBase   time.Duration
	maxAttempts int
	now         func() time.Time
}

type publisherSettings struct {
	retryBase        time.Duration
	maxAttempts      int
	breakerThreshold uint32
	breakerCooldown  time.Duration
	now              func() time.Time
}

// PublisherOption tunes a Publisher.
type PublisherOption func(*publisherSettings)

// WithRetryBase sets the first backoff interval. Each retry doubles it.
func WithRetryBase(d time.Duration) PublisherOption {
	return func(s *publisherSettings) { s.retryBase = d }
}

func WithMaxAttempts(n int) PublisherOption {
	return func(s *publisherSettings) { s.maxAttempts = n }
}

// WithBreaker sets how many consecutive send failures open the breaker and how
// long it stays open.
func WithBreaker(threshold uint32, cooldown time.Duration) PublisherOption {
	return func(s *publisherSettings) {
		s.breakerThreshold = threshold
		s.breakerCooldown = cooldown
	}
}

func WithClock(now func() time.Time) PublisherOption {
	return func(s *publisherSettings) { s.now = now }
}

func NewPublisher(q queue.Queue, st EnqueueRecorder, logger *slog.Logger, rec *metrics.Recorder, opts ...PublisherOption) *Publisher {
	s := publisherSettings{
		retryBase:        defaultRetryBase,
		maxAttempts:      defaultMaxAttempts,
		breakerThreshold: defaultBreakerThreshold,
		breakerCooldown:  defaultBreakerCooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}

	threshold := s.breakerThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "job-queue-publish",
		MaxRequests: 1,
		Timeout:     s.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Publisher{
		queue:       q,
		store:       st,
		breaker:     breaker,
		logger:      logger,
		metrics:     rec,
		retryBase:   s.retryBase,
		maxAttempts: s.maxAttempts,
		now:         s.now,
	}
}

// Publish sends msg and records the broker's message id on the prediction.
// A failure to record the id after a confirmed send is logged, not returned:
// the message is already on the queue.
func (p *Publisher) Publish(ctx context.Context, msg Message) (string, error) {
	predictionID, err := uuid.Parse(msg.PredictionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := Encode(msg)
	if err != nil {
		return "", fmt.Errorf("encoding job message: %w", err)
	}

	var (
		messageID string
		attempts  int
	)
	op := func() error {
		attempts++
		start := time.Now()
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.queue.Send(ctx, body)
		})
		p.metrics.Op("queue.send", outcome(err), time.Since(start))
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			p.logger.Debug("publish attempt failed", "prediction_id", msg.PredictionID, "attempt", attempts, "error", err)
			return err
		}
		messageID = out.(string)
		return nil
	}

	if err := backoff.Retry(op, p.backoff(ctx)); err != nil {
		p.metrics.Publish("failed")
		p.logger.Error("publish_failed",
			"prediction_id", msg.PredictionID,
			"tenant_id", msg.TenantID,
			"attempts", attempts,
			"error", err,
		)
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	p.metrics.Publish("ok")
	p.logger.Info("job published", "prediction_id", msg.PredictionID, "message_id", messageID, "attempts", attempts)

	if err := p.store.MarkEnqueued(ctx, predictionID, messageID, p.now().UTC()); err != nil {
		p.logger.Warn("mark enqueued failed", "prediction_id", msg.PredictionID, "message_id", messageID, "error", err)
	}
	return messageID, nil
}

func (p *Publisher) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.retryBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.maxAttempts-1)), ctx)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
