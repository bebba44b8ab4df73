package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrTerminal is returned when a claim targets a prediction that already finished.
	ErrTerminal = errors.New("prediction is in a terminal state")
	// ErrClaimLost is returned when a terminal commit no longer holds the current claim.
	ErrClaimLost = errors.New("prediction claim lost")
)

// MaxListLimit bounds a single ListPredictions page.
const MaxListLimit = 1000

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// CreateUploadWithPrediction inserts both rows in one transaction and
	// fills in the generated upload id and timestamps.
	CreateUploadWithPrediction(ctx context.Context, upload *models.Upload, pred *models.Prediction) error
	GetUpload(ctx context.Context, id int64) (*models.Upload, error)

	GetPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error)
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]*models.Prediction, int, error)
	MarkEnqueued(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
	ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]*models.Prediction, error)

	ClaimPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error)
	CompletePrediction(ctx context.Context, id, claimToken uuid.UUID, result CompletedResult) error
	FailPrediction(ctx context.Context, id, claimToken uuid.UUID, errorDescription string, metrics map[string]any) error
	ExpireStalled(ctx context.Context, cutoff StallCutoff, errorDescription string, limit int) ([]*models.Prediction, error)
}

// StallCutoff selects published predictions that no worker will settle any more:
// RUNNING rows not re-claimed since Running, and QUEUED rows enqueued before Queued.
type StallCutoff struct {
	Running time.Time
	Queued  time.Time
}

type PredictionFilter struct {
	TenantID uuid.UUID
	Status   string
	Limit    int
	Offset   int
}

// CompletedResult is written together with the COMPLETED status.
type CompletedResult struct {
	ResultKey     string
	RowsProcessed int
	Metrics       map[string]any
}
