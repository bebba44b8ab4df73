// Package bootstrap opens the infrastructure shared by the churnwatch
// binaries from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/churnwatch/internal/awsconf"
	"github.com/kiranshivaraju/churnwatch/internal/blobstore"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
	"github.com/kiranshivaraju/churnwatch/internal/config"
	"github.com/kiranshivaraju/churnwatch/internal/queue"
	"github.com/kiranshivaraju/churnwatch/internal/store"
)

// Closers releases resources in reverse order of registration.
type Closers struct {
	mu  sync.Mutex
	fns []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

func (c *Closers) Add(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, namedCloser{name: name, fn: fn})
}

// Close runs every closer and returns all failures.
func (c *Closers) Close() error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	var result *multierror.Error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i].fn(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", fns[i].name, err))
		}
	}
	return result.ErrorOrNil()
}

// OpenStore connects the pgx pool and wraps it in the Postgres job store.
func OpenStore(ctx context.Context, cfg *config.Config, closers *Closers) (*store.PostgresStore, *pgxpool.Pool, error) {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	closers.Add("database", func() error { pool.Close(); return nil })
	slog.Info("database connected")
	return store.NewPostgresStore(pool), pool, nil
}

// OpenCache connects Redis and verifies it with a ping.
func OpenCache(ctx context.Context, cfg *config.Config, closers *Closers) (*cache.RedisCache, error) {
	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	closers.Add("redis", rc.Close)
	if err := rc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return rc, nil
}

// OpenBlobStore builds the configured object store driver.
func OpenBlobStore(ctx context.Context, cfg *config.Config, closers *Closers) (blobstore.Store, error) {
	bc := blobstore.Config{
		Driver:     cfg.BlobStore.Driver,
		Prefix:     cfg.BlobStore.Prefix,
		Bucket:     cfg.BlobStore.Bucket,
		MaxGetSize: cfg.Upload.MaxBytes,
	}

	switch cfg.BlobStore.Driver {
	case blobstore.DriverS3:
		awsCfg, err := awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		bc.S3Client, bc.S3Presigner = blobstore.NewS3Clients(awsCfg, cfg.BlobStore.Endpoint)
	case blobstore.DriverGCS:
		client, err := blobstore.NewGCSClient(ctx, cfg.BlobStore.GCSCredentialsFile)
		if err != nil {
			return nil, err
		}
		closers.Add("gcs", client.Close)
		bc.GCSBucket = client.Bucket(cfg.BlobStore.Bucket)
	}

	blobs, err := blobstore.New(bc)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("blob store ready", "driver", cfg.BlobStore.Driver, "bucket", cfg.BlobStore.Bucket)
	return blobs, nil
}

// OpenQueue builds the configured job queue driver. rc is required for the
// redis driver only.
func OpenQueue(ctx context.Context, cfg *config.Config, rc *cache.RedisCache, closers *Closers) (queue.Queue, error) {
	qc := queue.Config{
		Driver:          cfg.Queue.Driver,
		Visibility:      cfg.Queue.Visibility,
		MaxReceiveCount: cfg.Queue.MaxReceiveCount,
		QueueURL:        cfg.Queue.URL,
		Name:            cfg.Queue.Name,
	}

	switch cfg.Queue.Driver {
	case queue.DriverSQS:
		awsCfg, err := awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		qc.SQSClient = queue.NewSQSClient(awsCfg, cfg.Queue.Endpoint)
	case queue.DriverRedis:
		if rc == nil {
			return nil, fmt.Errorf("redis queue driver needs a redis connection")
		}
		qc.RedisClient = rc.Client()
	}

	q, err := queue.New(qc)
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	closers.Add("queue", q.Close)
	slog.Info("queue ready", "driver", cfg.Queue.Driver)
	return q, nil
}
