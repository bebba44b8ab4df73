// Package ingress accepts customer CSV uploads and serves prediction state
// back to the tenant that owns it.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/internal/blobstore"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
	"github.com/kiranshivaraju/churnwatch/internal/dispatch"
	"github.com/kiranshivaraju/churnwatch/internal/metrics"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"github.com/kiranshivaraju/churnwatch/internal/table"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

const (
	defaultMaxUploadBytes int64 = 10 * 1024 * 1024
	defaultStallTimeout         = 30 * time.Second
	maxPresignTTL               = 10 * time.Minute

	// StatusCacheTTL bounds how long a cached status may lag a missed update.
	StatusCacheTTL = 30 * time.Minute
	tenantCacheTTL = 5 * time.Minute

	keyCollisionRetries = 3
)

// Store is the slice of the job store ingress needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	CreateUploadWithPrediction(ctx context.Context, upload *models.Upload, pred *models.Prediction) error
	GetPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error)
	ListPredictions(ctx context.Context, filter store.PredictionFilter) ([]*models.Prediction, int, error)
}

// Publisher announces a committed prediction to the worker fleet.
type Publisher interface {
	Publish(ctx context.Context, msg dispatch.Message) (string, error)
}

type Config struct {
	MaxUploadBytes int64
	StallTimeout   time.Duration
	PresignTTL     time.Duration
}

// Service implements Submit, List, Get, Status and Download.
type Service struct {
	store     Store
	blobs     blobstore.Store
	publisher Publisher
	cache     cache.Cache
	logger    *slog.Logger
	metrics   *metrics.Recorder

	maxBytes   int64
	stall      time.Duration
	presignTTL time.Duration
	now        func() time.Time
}

// NewService wires the ingress pipeline. ca may be nil.
func NewService(st Store, blobs blobstore.Store, pub Publisher, ca cache.Cache, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.PresignTTL <= 0 || cfg.PresignTTL > maxPresignTTL {
		cfg.PresignTTL = maxPresignTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		blobs:      blobs,
		publisher:  pub,
		cache:      ca,
		logger:     logger,
		metrics:    rec,
		maxBytes:   cfg.MaxUploadBytes,
		stall:      cfg.StallTimeout,
		presignTTL: cfg.PresignTTL,
		now:        time.Now,
	}
}

func (s *Service) MaxUploadBytes() int64 { return s.maxBytes }

// SubmitInput is one upload. Body is read at most once.
type SubmitInput struct {
	TenantID uuid.UUID
	Filename string
	Body     io.Reader
}

type SubmitResult struct {
	UploadID     int64     `json:"upload_id"`
	PredictionID uuid.UUID `json:"prediction_id"`
	Status       string    `json:"status"`
}

// Submit stores the file, records the upload and its prediction in one
// transaction and then publishes the job. The object write happens before
// the transaction and the publish after commit; a failed publish leaves the
// prediction QUEUED for the sweeper and is not reported to the caller.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if err := checkExtension(in.Filename); err != nil {
		s.metrics.Upload("invalid", 0)
		return nil, err
	}

	if err := s.requireTenant(ctx, in.TenantID); err != nil {
		return nil, err
	}

	data, err := readBody(ctx, in.Body, s.maxBytes, s.stall)
	if err != nil {
		s.metrics.Upload("invalid", 0)
		if errors.Is(err, errStalled) {
			return nil, fmt.Errorf("%w: upload stalled for more than %s", ErrInvalidInput, s.stall)
		}
		return nil, fmt.Errorf("%w: reading upload: %v", ErrInvalidInput, err)
	}
	if int64(len(data)) > s.maxBytes {
		s.metrics.Upload("too_large", 0)
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrPayloadTooLarge, s.maxBytes)
	}
	if len(data) == 0 {
		s.metrics.Upload("invalid", 0)
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	if err := table.Sniff(data); err != nil {
		s.metrics.Upload("invalid", 0)
		return nil, fmt.Errorf("%w: file does not look like CSV text", ErrInvalidInput)
	}

	now := s.now().UTC()
	key, err := s.putUpload(ctx, in.TenantID, now, in.Filename, data)
	if err != nil {
		s.metrics.Upload("failed", 0)
		return nil, err
	}

	upload := &models.Upload{
		TenantID:  in.TenantID,
		Filename:  blobstore.SafeBasename(in.Filename),
		ObjectKey: key,
		SizeBytes: int64(len(data)),
		Status:    models.UploadStatusUploaded,
	}
	pred := &models.Prediction{
		ID:       uuid.New(),
		TenantID: in.TenantID,
		Status:   models.PredictionStatusQueued,
	}

	start := time.Now()
	err = s.store.CreateUploadWithPrediction(ctx, upload, pred)
	s.observe("db.create_upload", start, err)
	if err != nil {
		// Nothing references the object yet.
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("orphan upload cleanup failed", "object_key", key, "error", delErr)
		}
		s.metrics.Upload("failed", 0)
		return nil, fmt.Errorf("%w: recording upload: %v", ErrTransientUpstream, err)
	}

	s.cacheStatus(ctx, pred.ID, pred.TenantID, pred.Status)

	msg := dispatch.NewMessage(pred, upload, now)
	if _, err := s.publisher.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn("prediction left for sweeper", "prediction_id", pred.ID, "error", err)
	}

	s.metrics.Upload("accepted", upload.SizeBytes)
	s.logger.Info("upload accepted",
		"tenant_id", in.TenantID,
		"upload_id", upload.ID,
		"prediction_id", pred.ID,
		"size_bytes", upload.SizeBytes,
	)

	return &SubmitResult{UploadID: upload.ID, PredictionID: pred.ID, Status: pred.Status}, nil
}

func checkExtension(filename string) error {
	name := strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/")
	if name == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if !strings.EqualFold(path.Ext(name), ".csv") {
		return fmt.Errorf("%w: only .csv files are accepted", ErrInvalidInput)
	}
	return nil
}

// requireTenant confirms the tenant exists, consulting the cache first.
func (s *Service) requireTenant(ctx context.Context, tenantID uuid.UUID) error {
	if s.cache != nil {
		if _, ok, err := s.cache.Get(ctx, cache.TenantKey(tenantID)); err == nil && ok {
			return nil
		}
	}

	start := time.Now()
	t, err := s.store.GetTenant(ctx, tenantID)
	s.observe("db.get_tenant", start, ignoreNotFound(err))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return fmt.Errorf("%w: loading tenant: %v", ErrTransientUpstream, err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cache.TenantKey(tenantID), []byte(t.Name), tenantCacheTTL)
	}
	return nil
}

// putUpload writes data under a fresh key, adding a random suffix when a
// same-second upload already holds the plain key.
func (s *Service) putUpload(ctx context.Context, tenantID uuid.UUID, at time.Time, filename string, data []byte) (string, error) {
	base := blobstore.SafeBasename(filename)
	opts := blobstore.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"tenant-id": tenantID.String()},
		IfAbsent:    true,
	}

	suffix := ""
	for attempt := 0; attempt <= keyCollisionRetries; attempt++ {
		key := blobstore.UploadKey(tenantID, at, base, suffix)

		start := time.Now()
		err := s.blobs.Put(ctx, key, data, opts)
		s.observe("blob.put", start, err)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, blobstore.ErrExists) {
			return "", fmt.Errorf("%w: storing upload: %v", ErrTransientUpstream, err)
		}
		suffix = blobstore.RandomSuffix()
	}
	return "", fmt.Errorf("%w: could not allocate an upload key", ErrTransientUpstream)
}

// ListInput selects a page of a tenant's predictions.
type ListInput struct {
	TenantID uuid.UUID
	Status   string
	Limit    int
	Offset   int
}

type ListResult struct {
	Items  []*models.Prediction
	Total  int
	Limit  int
	Offset int
}

// List returns predictions newest first. A zero limit returns only the total.
func (s *Service) List(ctx context.Context, in ListInput) (*ListResult, error) {
	if in.Limit < 0 || in.Limit > store.MaxListLimit {
		return nil, fmt.Errorf("%w: limit must be between 0 and %d", ErrInvalidInput, store.MaxListLimit)
	}
	if in.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrInvalidInput)
	}
	status := strings.ToUpper(strings.TrimSpace(in.Status))
	if status != "" && !models.ValidPredictionStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}

	if err := s.requireTenant(ctx, in.TenantID); err != nil {
		return nil, err
	}

	start := time.Now()
	items, total, err := s.store.ListPredictions(ctx, store.PredictionFilter{
		TenantID: in.TenantID,
		Status:   status,
		Limit:    in.Limit,
		Offset:   in.Offset,
	})
	s.observe("db.list_predictions", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: listing predictions: %v", ErrTransientUpstream, err)
	}
	if items == nil {
		items = []*models.Prediction{}
	}
	return &ListResult{Items: items, Total: total, Limit: in.Limit, Offset: in.Offset}, nil
}

// Get returns the prediction if tenantID owns it. Predictions owned by other
// tenants are reported as not found and the attempt is audited.
func (s *Service) Get(ctx context.Context, tenantID, predictionID uuid.UUID) (*models.Prediction, error) {
	start := time.Now()
	p, err := s.store.GetPrediction(ctx, predictionID)
	s.observe("db.get_prediction", start, ignoreNotFound(err))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: prediction %s", ErrNotFound, predictionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading prediction: %v", ErrTransientUpstream, err)
	}
	if p.TenantID != tenantID {
		s.auditMismatch(predictionID, tenantID, p.TenantID)
		return nil, fmt.Errorf("%w: prediction %s", ErrNotFound, predictionID)
	}
	return p, nil
}

// Status answers a poll from the status cache, falling back to the store.
func (s *Service) Status(ctx context.Context, tenantID, predictionID uuid.UUID) (string, error) {
	if s.cache != nil {
		entry, ok, err := s.cache.GetPredictionStatus(ctx, predictionID)
		if err == nil && ok {
			if entry.TenantID != tenantID {
				s.auditMismatch(predictionID, tenantID, entry.TenantID)
				return "", fmt.Errorf("%w: prediction %s", ErrNotFound, predictionID)
			}
			return entry.Status, nil
		}
	}

	p, err := s.Get(ctx, tenantID, predictionID)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, p.ID, p.TenantID, p.Status)
	return p.Status, nil
}

type DownloadResult struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in_s"`
}

// Download presigns the result artifact of a COMPLETED prediction.
func (s *Service) Download(ctx context.Context, tenantID, predictionID uuid.UUID) (*DownloadResult, error) {
	p, err := s.Get(ctx, tenantID, predictionID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PredictionStatusCompleted || p.ResultKey == nil || *p.ResultKey == "" {
		return nil, fmt.Errorf("%w: prediction is %s", ErrConflict, p.Status)
	}

	start := time.Now()
	url, err := s.blobs.PresignGet(ctx, *p.ResultKey, blobstore.PresignOptions{
		TTL:      s.presignTTL,
		Filename: blobstore.ResultFilename(p.ID),
	})
	s.observe("blob.presign", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: presigning result: %v", ErrTransientUpstream, err)
	}
	return &DownloadResult{URL: url, ExpiresIn: int(s.presignTTL / time.Second)}, nil
}

func (s *Service) auditMismatch(predictionID, requester, owner uuid.UUID) {
	s.logger.Warn("ownership_mismatch",
		"prediction_id", predictionID,
		"requesting_tenant_id", requester,
		"owning_tenant_id", owner,
	)
}

func (s *Service) cacheStatus(ctx context.Context, id, tenantID uuid.UUID, status string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.SetPredictionStatus(ctx, id, cache.StatusEntry{TenantID: tenantID, Status: status}, StatusCacheTTL)
}

func (s *Service) observe(op string, start time.Time, err error) {
	d := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Op(op, outcome, d)
	s.logger.Debug("op", "op", op, "duration_ms", d.Milliseconds(), "outcome", outcome)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
