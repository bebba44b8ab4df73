package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tenants (id, name) VALUES ($1, $2) RETURNING created_at, updated_at`,
		tenant.ID, tenant.Name,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Uploads ---

func (s *PostgresStore) CreateUploadWithPrediction(ctx context.Context, upload *models.Upload, pred *models.Prediction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upload tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if upload.Status == "" {
		upload.Status = models.UploadStatusUploaded
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO uploads (tenant_id, filename, object_key, size_bytes, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, uploaded_at`,
		upload.TenantID, upload.Filename, upload.ObjectKey, upload.SizeBytes, upload.Status,
	).Scan(&upload.ID, &upload.UploadedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert upload: %w", err)
	}

	if pred.ID == uuid.Nil {
		pred.ID = uuid.New()
	}
	pred.UploadID = upload.ID
	pred.TenantID = upload.TenantID
	pred.Status = models.PredictionStatusQueued
	pred.ResultKey = nil
	pred.RowsProcessed = 0
	err = tx.QueryRow(ctx,
		`INSERT INTO predictions (id, upload_id, tenant_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		pred.ID, pred.UploadID, pred.TenantID, pred.Status,
	).Scan(&pred.CreatedAt, &pred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upload tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUpload(ctx context.Context, id int64) (*models.Upload, error) {
	var u models.Upload
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, filename, object_key, size_bytes, status, uploaded_at
		 FROM uploads WHERE id = $1`, id,
	).Scan(&u.ID, &u.TenantID, &u.Filename, &u.ObjectKey, &u.SizeBytes, &u.Status, &u.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return &u, nil
}

// --- Predictions ---

const predictionColumns = `id, upload_id, tenant_id, status, result_key, rows_processed, metrics,
	error_description, attempts, claim_token, queue_message_id, enqueued_at, created_at, updated_at`

func scanPrediction(row pgx.Row) (*models.Prediction, error) {
	var p models.Prediction
	err := row.Scan(&p.ID, &p.UploadID, &p.TenantID, &p.Status, &p.ResultKey, &p.RowsProcessed,
		&p.Metrics, &p.ErrorDescription, &p.Attempts, &p.ClaimToken, &p.QueueMessageID,
		&p.EnqueuedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	return p, nil
}

// ListPredictions returns one page for a tenant, newest first, and the total
// number of rows matching the same predicates. A zero limit returns only the total.
func (s *PostgresStore) ListPredictions(ctx context.Context, filter PredictionFilter) ([]*models.Prediction, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM predictions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count predictions: %w", err)
	}

	limit := filter.Limit
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if limit <= 0 {
		return []*models.Prediction{}, total, nil
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM predictions WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		predictionColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()

	preds := []*models.Prediction{}
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan prediction: %w", err)
		}
		preds = append(preds, p)
	}
	return preds, total, rows.Err()
}

// MarkEnqueued records a confirmed publish. Predictions that already finished are left untouched.
func (s *PostgresStore) MarkEnqueued(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE predictions SET queue_message_id = $2, enqueued_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')`, id, messageID, at)
	if err != nil {
		return fmt.Errorf("mark prediction enqueued: %w", err)
	}
	return nil
}

// ListUnpublished returns QUEUED predictions created before olderThan that never had a confirmed publish.
func (s *PostgresStore) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]*models.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionColumns+` FROM predictions
		 WHERE status = 'QUEUED' AND queue_message_id IS NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished predictions: %w", err)
	}
	defer rows.Close()

	var preds []*models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

// ClaimPrediction atomically moves a QUEUED or RUNNING prediction to RUNNING under a
// fresh claim token. Only the holder of the latest token can commit a terminal state.
func (s *PostgresStore) ClaimPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	sources := models.TransitionSources(models.PredictionStatusRunning)
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`UPDATE predictions
		 SET status = $2, claim_token = $3, attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING `+predictionColumns,
		id, models.PredictionStatusRunning, uuid.New(), sources))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim prediction: %w", err)
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM predictions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction status: %w", err)
	}
	return nil, ErrTerminal
}

func (s *PostgresStore) CompletePrediction(ctx context.Context, id, claimToken uuid.UUID, result CompletedResult) error {
	metrics := result.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions
		 SET status = $3, result_key = $4, rows_processed = $5, metrics = $6, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = $7`,
		id, claimToken, models.PredictionStatusCompleted, result.ResultKey, result.RowsProcessed,
		metrics, models.PredictionStatusRunning)
	if err != nil {
		return fmt.Errorf("complete prediction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) FailPrediction(ctx context.Context, id, claimToken uuid.UUID, errorDescription string, metrics map[string]any) error {
	if metrics == nil {
		metrics = map[string]any{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions
		 SET status = $3, error_description = $4, result_key = NULL, metrics = $5, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = $6`,
		id, claimToken, models.PredictionStatusFailed, errorDescription, metrics,
		models.PredictionStatusRunning)
	if err != nil {
		return fmt.Errorf("fail prediction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ExpireStalled fails published predictions selected by cutoff and clears their claim,
// so a late worker commit loses with ErrClaimLost. Returns the rows it moved to FAILED.
func (s *PostgresStore) ExpireStalled(ctx context.Context, cutoff StallCutoff, errorDescription string, limit int) ([]*models.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE predictions
		 SET status = $1, error_description = $2, result_key = NULL, claim_token = NULL, updated_at = NOW()
		 WHERE id IN (
		     SELECT id FROM predictions
		     WHERE queue_message_id IS NOT NULL
		       AND ((status = $3 AND updated_at < $5) OR (status = $4 AND enqueued_at < $6))
		     ORDER BY updated_at
		     LIMIT $7
		     FOR UPDATE SKIP LOCKED)
		   AND status IN ($3, $4)
		 RETURNING `+predictionColumns,
		models.PredictionStatusFailed, errorDescription,
		models.PredictionStatusRunning, models.PredictionStatusQueued,
		cutoff.Running, cutoff.Queued, limit)
	if err != nil {
		return nil, fmt.Errorf("expire stalled predictions: %w", err)
	}
	defer rows.Close()

	var preds []*models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
