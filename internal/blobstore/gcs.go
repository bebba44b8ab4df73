package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSBucket is the bucket handle the gcs driver writes through.
type GCSBucket = *storage.BucketHandle

// NewGCSClient opens a storage client. An empty credentialsFile uses
// application default credentials.
func NewGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return client, nil
}

type gcsStore struct {
	bucket     *storage.BucketHandle
	prefix     string
	maxGetSize int64
}

func newGCSStore(cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", ErrInvalidConfig)
	}
	if cfg.GCSBucket == nil {
		return nil, fmt.Errorf("%w: gcs bucket handle is required", ErrInvalidConfig)
	}

	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &gcsStore{
		bucket:     cfg.GCSBucket,
		prefix:     normalizePrefix(cfg.Prefix),
		maxGetSize: maxGet,
	}, nil
}

func (g *gcsStore) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}

	obj := g.bucket.Object(joinPrefix(g.prefix, logicalKey))
	if opts.IfAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = strings.TrimSpace(opts.ContentType)
	w.Metadata = cloneMetadata(opts.Metadata)
	if _, err := io.Copy(w, bytes.NewReader(payload)); err != nil {
		_ = w.Close()
		return fmt.Errorf("blobstore/gcs: write %q: %w", logicalKey, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("%w: %s", ErrExists, logicalKey)
		}
		return fmt.Errorf("blobstore/gcs: put %q: %w", logicalKey, err)
	}
	return nil
}

func (g *gcsStore) Get(ctx context.Context, key string) (Object, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return Object{}, err
	}

	r, err := g.bucket.Object(joinPrefix(g.prefix, logicalKey)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
		}
		return Object{}, fmt.Errorf("blobstore/gcs: get %q: %w", logicalKey, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(io.LimitReader(r, g.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/gcs: read %q: %w", logicalKey, err)
	}
	if int64(len(data)) > g.maxGetSize {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, logicalKey, g.maxGetSize)
	}

	return Object{
		Key:          logicalKey,
		Data:         data,
		ContentType:  r.Attrs.ContentType,
		LastModified: r.Attrs.LastModified,
	}, nil
}

func (g *gcsStore) Delete(ctx context.Context, key string) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}

	err = g.bucket.Object(joinPrefix(g.prefix, logicalKey)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blobstore/gcs: delete %q: %w", logicalKey, err)
	}
	return nil
}

func (g *gcsStore) Exists(ctx context.Context, key string) (bool, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return false, err
	}

	_, err = g.bucket.Object(joinPrefix(g.prefix, logicalKey)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/gcs: attrs %q: %w", logicalKey, err)
	}
	return true, nil
}

func (g *gcsStore) PresignGet(_ context.Context, key string, opts PresignOptions) (string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return "", err
	}

	signOpts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(opts.TTL),
	}
	if cd := contentDisposition(opts.Filename); cd != "" {
		signOpts.QueryParameters = url.Values{"response-content-disposition": {cd}}
	}

	signed, err := g.bucket.SignedURL(joinPrefix(g.prefix, logicalKey), signOpts)
	if err != nil {
		return "", fmt.Errorf("blobstore/gcs: sign %q: %w", logicalKey, err)
	}
	return signed, nil
}
