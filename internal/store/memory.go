package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

// MemoryStore is an in-process Store with the same state-machine guarantees as
// PostgresStore: claims rotate the claim token, terminal commits require the
// current token, and terminal rows never change. Used by tests and local runs.
type MemoryStore struct {
	mu          sync.Mutex
	tenants     map[uuid.UUID]models.Tenant
	keys        map[uuid.UUID]models.APIKey
	uploads     map[int64]models.Upload
	predictions map[uuid.UUID]models.Prediction
	nextUpload  int64
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[uuid.UUID]models.Tenant),
		keys:        make(map[uuid.UUID]models.APIKey),
		uploads:     make(map[int64]models.Upload),
		predictions: make(map[uuid.UUID]models.Prediction),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	if _, ok := m.tenants[tenant.ID]; ok {
		return ErrDuplicateKey
	}
	tenant.CreatedAt = m.now()
	tenant.UpdatedAt = tenant.CreatedAt
	m.tenants[tenant.ID] = *tenant
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			k := k
			out = append(out, &k)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	k.LastUsedAt = &now
	m.keys[id] = k
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[key.TenantID]; !ok {
		return ErrNotFound
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if _, ok := m.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	key.CreatedAt = m.now()
	m.keys[key.ID] = *key
	return nil
}

func (m *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok || k.TenantID != tenantID || k.RevokedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	k.RevokedAt = &now
	m.keys[id] = k
	return nil
}

func (m *MemoryStore) CreateUploadWithPrediction(_ context.Context, upload *models.Upload, pred *models.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[upload.TenantID]; !ok {
		return ErrNotFound
	}
	if pred.ID == uuid.Nil {
		pred.ID = uuid.New()
	}
	if _, ok := m.predictions[pred.ID]; ok {
		return ErrDuplicateKey
	}

	m.nextUpload++
	now := m.now()
	upload.ID = m.nextUpload
	upload.UploadedAt = now
	if upload.Status == "" {
		upload.Status = models.UploadStatusUploaded
	}

	pred.UploadID = upload.ID
	pred.TenantID = upload.TenantID
	pred.Status = models.PredictionStatusQueued
	pred.ResultKey = nil
	pred.RowsProcessed = 0
	pred.CreatedAt = now
	pred.UpdatedAt = now

	m.uploads[upload.ID] = *upload
	m.predictions[pred.ID] = *pred
	return nil
}

func (m *MemoryStore) GetUpload(_ context.Context, id int64) (*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) GetPrediction(_ context.Context, id uuid.UUID) (*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.predictions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPredictions(_ context.Context, filter PredictionFilter) ([]*models.Prediction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Prediction
	for _, p := range m.predictions {
		if p.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	limit := min(filter.Limit, MaxListLimit)
	offset := max(filter.Offset, 0)
	out := []*models.Prediction{}
	for i := offset; i < total && len(out) < limit; i++ {
		p := matched[i]
		out = append(out, &p)
	}
	return out, total, nil
}

func (m *MemoryStore) MarkEnqueued(_ context.Context, id uuid.UUID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.predictions[id]
	if !ok || p.IsTerminal() {
		return nil
	}
	p.QueueMessageID = &messageID
	p.EnqueuedAt = &at
	p.UpdatedAt = m.now()
	m.predictions[id] = p
	return nil
}

func (m *MemoryStore) ListUnpublished(_ context.Context, olderThan time.Time, limit int) ([]*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var matched []models.Prediction
	for _, p := range m.predictions {
		if p.Status == models.PredictionStatusQueued && p.QueueMessageID == nil && p.CreatedAt.Before(olderThan) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	var out []*models.Prediction
	for i := 0; i < len(matched) && i < limit; i++ {
		p := matched[i]
		out = append(out, &p)
	}
	return out, nil
}

func (m *MemoryStore) ClaimPrediction(_ context.Context, id uuid.UUID) (*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.predictions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(p.Status, models.PredictionStatusRunning) {
		return nil, ErrTerminal
	}
	token := uuid.New()
	p.Status = models.PredictionStatusRunning
	p.ClaimToken = &token
	p.Attempts++
	p.UpdatedAt = m.now()
	m.predictions[id] = p

	out := p
	return &out, nil
}

func (m *MemoryStore) CompletePrediction(_ context.Context, id, claimToken uuid.UUID, result CompletedResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.holds(id, claimToken)
	if !ok {
		return ErrClaimLost
	}
	key := result.ResultKey
	p.Status = models.PredictionStatusCompleted
	p.ResultKey = &key
	p.RowsProcessed = result.RowsProcessed
	p.Metrics = result.Metrics
	p.UpdatedAt = m.now()
	m.predictions[id] = p
	return nil
}

func (m *MemoryStore) FailPrediction(_ context.Context, id, claimToken uuid.UUID, errorDescription string, metrics map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.holds(id, claimToken)
	if !ok {
		return ErrClaimLost
	}
	desc := errorDescription
	p.Status = models.PredictionStatusFailed
	p.ErrorDescription = &desc
	p.ResultKey = nil
	p.Metrics = metrics
	p.UpdatedAt = m.now()
	m.predictions[id] = p
	return nil
}

func (m *MemoryStore) ExpireStalled(_ context.Context, cutoff StallCutoff, errorDescription string, limit int) ([]*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var matched []models.Prediction
	for _, p := range m.predictions {
		if stalled(p, cutoff) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.Before(matched[j].UpdatedAt) })

	var out []*models.Prediction
	for i := 0; i < len(matched) && i < limit; i++ {
		p := matched[i]
		desc := errorDescription
		p.Status = models.PredictionStatusFailed
		p.ErrorDescription = &desc
		p.ResultKey = nil
		p.ClaimToken = nil
		p.UpdatedAt = m.now()
		m.predictions[p.ID] = p

		expired := p
		out = append(out, &expired)
	}
	return out, nil
}

func stalled(p models.Prediction, cutoff StallCutoff) bool {
	if p.QueueMessageID == nil {
		return false
	}
	switch p.Status {
	case models.PredictionStatusRunning:
		return p.UpdatedAt.Before(cutoff.Running)
	case models.PredictionStatusQueued:
		return p.EnqueuedAt != nil && p.EnqueuedAt.Before(cutoff.Queued)
	}
	return false
}

// holds reports whether claimToken is the live claim on a RUNNING prediction.
func (m *MemoryStore) holds(id, claimToken uuid.UUID) (models.Prediction, bool) {
	p, ok := m.predictions[id]
	if !ok || p.Status != models.PredictionStatusRunning || p.ClaimToken == nil || *p.ClaimToken != claimToken {
		return models.Prediction{}, false
	}
	return p, true
}
