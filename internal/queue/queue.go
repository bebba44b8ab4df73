// Package queue is the job queue between ingress and the prediction worker:
// at-least-once delivery with per-message visibility leases and a dead-letter
// sibling that receives messages after MaxReceiveCount deliveries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DriverSQS    = "sqs"
	DriverRedis  = "redis"
	DriverMemory = "memory"

	defaultVisibility      = 5 * time.Minute
	defaultMaxReceiveCount = 3
)

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrClosed        = errors.New("queue: closed")
	// ErrStaleReceipt means the lease behind a receipt handle expired and the
	// message was handed to another consumer.
	ErrStaleReceipt = errors.New("queue: stale receipt handle")
)

// Delivery is one leased message. It stays hidden from other consumers until
// the lease expires or ReceiptHandle is deleted.
type Delivery struct {
	ID            string
	Body          []byte
	ReceiveCount  int
	EnqueuedAt    time.Time
	ReceiptHandle string
}

// Queue is implemented by every driver.
type Queue interface {
	// Send enqueues body and returns the broker-assigned message id.
	Send(ctx context.Context, body []byte) (string, error)
	// Receive long-polls for up to wait and returns nil when nothing arrived.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Delete acknowledges a delivery.
	Delete(ctx context.Context, receiptHandle string) error
	// ChangeVisibility resets the lease to timeout from now. Zero releases it immediately.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
	Close() error
}

// Pinger is implemented by drivers that can check broker reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks q if its driver supports it.
func Ping(ctx context.Context, q Queue) error {
	if p, ok := q.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

type Config struct {
	Driver          string
	Visibility      time.Duration
	MaxReceiveCount int

	// SQS fields. Redrive is configured on the SQS queue itself.
	QueueURL  string
	SQSClient SQSClient

	// Redis fields.
	Name        string
	RedisClient redis.UniversalClient
}

func New(cfg Config) (Queue, error) {
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = defaultMaxReceiveCount
	}

	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemoryQueue(cfg.Visibility, cfg.MaxReceiveCount), nil
	case DriverSQS:
		return newSQSQueue(cfg)
	case DriverRedis:
		return newRedisQueue(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverSQS
	}
	return v
}

// sleepCtx waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
