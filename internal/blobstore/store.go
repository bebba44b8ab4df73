// Package blobstore persists raw uploads and result artifacts and hands out
// time-bounded download URLs for them.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverGCS    = "gcs"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 64 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrExists        = errors.New("blobstore: object already exists")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store is the object store used by ingress and the worker.
// Keys are logical; a configured prefix is applied by the driver.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string, opts PresignOptions) (string, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// IfAbsent makes the write fail with ErrExists when the key is taken.
	IfAbsent bool
}

// PresignOptions controls a download URL. Filename becomes the
// Content-Disposition attachment name.
type PresignOptions struct {
	TTL      time.Duration
	Filename string
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 64 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket      string
	S3Client    S3Client
	S3Presigner S3Presigner

	// GCS fields. Bucket is shared with S3.
	GCSBucket GCSBucket
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	case DriverGCS:
		return newGCSStore(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeLogicalKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: key contains a parent segment", ErrInvalidKey)
		}
	}
	return key, nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func contentDisposition(filename string) string {
	if filename == "" {
		return ""
	}
	return fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(filename, `"`, ""))
}

func cloneMetadata(v map[string]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
