package ingress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/internal/blobstore"
	"github.com/kiranshivaraju/churnwatch/internal/cache"
	"github.com/kiranshivaraju/churnwatch/internal/dispatch"
	"github.com/kiranshivaraju/churnwatch/internal/store"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallCSV = "customerID,tenure,MonthlyCharges\nC1,5,72.5\nC2,3,65.0\nC3,12,88.1\n"

// --- fakes ---

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []dispatch.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg dispatch.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.msgs = append(p.msgs, msg)
	return "msg-" + msg.PredictionID, nil
}

type failingCreateStore struct {
	*store.MemoryStore
}

func (failingCreateStore) CreateUploadWithPrediction(context.Context, *models.Upload, *models.Prediction) error {
	return errors.New("connection reset")
}

// committingStore lets a worker commit land between the status read and the
// cache write-back of a fallback.
type committingStore struct {
	*store.MemoryStore
	cache *cache.MemoryCache
}

func (c committingStore) GetPrediction(ctx context.Context, id uuid.UUID) (*models.Prediction, error) {
	p, err := c.MemoryStore.GetPrediction(ctx, id)
	if err != nil || p.Status != models.PredictionStatusRunning {
		return p, err
	}
	if err := c.MemoryStore.CompletePrediction(ctx, id, *p.ClaimToken, store.CompletedResult{ResultKey: "predictions/" + id.String() + "/r.csv"}); err != nil {
		return nil, err
	}
	entry := cache.StatusEntry{TenantID: p.TenantID, Status: models.PredictionStatusCompleted}
	if err := c.cache.SetPredictionStatus(ctx, id, entry, StatusCacheTTL); err != nil {
		return nil, err
	}
	return p, nil
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	blobs  *blobstore.MemoryStore
	pub    *recordingPublisher
	cache  *cache.MemoryCache
	tenant uuid.UUID
	logs   *bytes.Buffer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		blobs: blobstore.NewMemoryStore(""),
		pub:   &recordingPublisher{},
		cache: cache.NewMemoryCache(),
		logs:  &bytes.Buffer{},
	}
	tenant := &models.Tenant{Name: "acme"}
	require.NoError(t, h.store.CreateTenant(context.Background(), tenant))
	h.tenant = tenant.ID

	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.svc = NewService(h.store, h.blobs, h.pub, h.cache, cfg, logger, nil)
	return h
}

func (h *harness) submit(t *testing.T, filename, body string) (*SubmitResult, error) {
	t.Helper()
	return h.svc.Submit(context.Background(), SubmitInput{
		TenantID: h.tenant,
		Filename: filename,
		Body:     strings.NewReader(body),
	})
}

// --- Submit ---

func TestSubmit_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.submit(t, "customers.csv", smallCSV)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusQueued, res.Status)
	assert.NotEqual(t, uuid.Nil, res.PredictionID)

	keys := h.blobs.Keys(blobstore.UploadKeyPrefix(h.tenant.String()))
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0], "-customers.csv"))

	upload, err := h.store.GetUpload(context.Background(), res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, keys[0], upload.ObjectKey)
	assert.Equal(t, int64(len(smallCSV)), upload.SizeBytes)

	require.Len(t, h.pub.msgs, 1)
	msg := h.pub.msgs[0]
	assert.Equal(t, res.PredictionID.String(), msg.PredictionID)
	assert.Equal(t, res.UploadID, msg.UploadID)
	assert.Equal(t, keys[0], msg.ObjectKey)
	assert.Equal(t, dispatch.PriorityNormal, msg.Priority)

	entry, ok, _ := h.cache.GetPredictionStatus(context.Background(), res.PredictionID)
	require.True(t, ok)
	assert.Equal(t, models.PredictionStatusQueued, entry.Status)
	assert.Equal(t, h.tenant, entry.TenantID)
}

func TestSubmit_Extension(t *testing.T) {
	tests := []struct {
		filename string
		ok       bool
	}{
		{"data.csv", true},
		{"DATA.CSV", true},
		{`C:\exports\q1.Csv`, true},
		{"data.txt", false},
		{"data.csv.exe", false},
		{"csv", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			h := newHarness(t, Config{})
			_, err := h.submit(t, tt.filename, smallCSV)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Empty(t, h.blobs.Keys(""))
		})
	}
}

func TestSubmit_ExactlyMaxBytesAccepted(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: int64(len(smallCSV))})

	_, err := h.submit(t, "a.csv", smallCSV)
	assert.NoError(t, err)
}

func TestSubmit_OneByteOverMaxRejectedWithoutSideEffects(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: int64(len(smallCSV)) - 1})

	_, err := h.submit(t, "a.csv", smallCSV)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	assert.Empty(t, h.blobs.Keys(""))
	_, total, err := h.store.ListPredictions(context.Background(), store.PredictionFilter{TenantID: h.tenant})
	require.NoError(t, err)
	assert.Zero(t, total)
	_, err = h.store.GetUpload(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.pub.msgs)
}

func TestSubmit_DefaultLimitIsTenMiB(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, int64(10*1024*1024), h.svc.MaxUploadBytes())

	big := strings.Repeat("a", 10*1024*1024+1)
	_, err := h.submit(t, "big.csv", big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSubmit_RejectsBinaryAndEmpty(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.submit(t, "a.csv", "PK\x03\x04\x00\x00binary")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.submit(t, "a.csv", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, h.blobs.Keys(""))
}

func TestSubmit_UnknownTenant(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.svc.Submit(context.Background(), SubmitInput{
		TenantID: uuid.New(),
		Filename: "a.csv",
		Body:     strings.NewReader(smallCSV),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmit_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.pub.err = dispatch.ErrPublishFailed

	res, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)

	p, err := h.store.GetPrediction(context.Background(), res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusQueued, p.Status)
	assert.Nil(t, p.QueueMessageID)
}

func TestSubmit_StoreFailureRemovesObject(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.store = failingCreateStore{h.store}

	_, err := h.submit(t, "a.csv", smallCSV)
	assert.ErrorIs(t, err, ErrTransientUpstream)
	assert.Empty(t, h.blobs.Keys(""))
	assert.Empty(t, h.pub.msgs)
}

func TestSubmit_SameSecondUploadsGetDistinctKeys(t *testing.T) {
	h := newHarness(t, Config{})
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return fixed }

	first, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)
	second, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)

	assert.NotEqual(t, first.PredictionID, second.PredictionID, "identical submissions are never deduplicated")

	u1, _ := h.store.GetUpload(context.Background(), first.UploadID)
	u2, _ := h.store.GetUpload(context.Background(), second.UploadID)
	assert.Equal(t, "uploads/"+h.tenant.String()+"/20260301T093000Z-a.csv", u1.ObjectKey)
	assert.NotEqual(t, u1.ObjectKey, u2.ObjectKey)
	assert.True(t, strings.HasPrefix(u2.ObjectKey, "uploads/"+h.tenant.String()+"/20260301T093000Z-a-"))
}

func TestSubmit_StalledUpload(t *testing.T) {
	h := newHarness(t, Config{StallTimeout: 20 * time.Millisecond})

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	go func() {
		_, _ = pw.Write([]byte("a,b\n"))
	}()

	_, err := h.svc.Submit(context.Background(), SubmitInput{TenantID: h.tenant, Filename: "a.csv", Body: pr})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "stalled")
	assert.Empty(t, h.blobs.Keys(""))
}

// --- List ---

func TestList_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		name string
		in   ListInput
	}{
		{"negative limit", ListInput{Limit: -1}},
		{"limit over max", ListInput{Limit: 1001}},
		{"negative offset", ListInput{Limit: 10, Offset: -1}},
		{"unknown status", ListInput{Limit: 10, Status: "DONE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.TenantID = h.tenant
			_, err := h.svc.List(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestList_PagesAndFilters(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 3; i++ {
		_, err := h.submit(t, "a.csv", smallCSV)
		require.NoError(t, err)
	}

	res, err := h.svc.List(context.Background(), ListInput{TenantID: h.tenant, Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 3, res.Total)

	res, err = h.svc.List(context.Background(), ListInput{TenantID: h.tenant, Limit: 2, Offset: 2, Status: "queued"})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.Equal(t, 3, res.Total)

	res, err = h.svc.List(context.Background(), ListInput{TenantID: h.tenant, Limit: 10, Status: "COMPLETED"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Total)

	_, err = h.svc.List(context.Background(), ListInput{TenantID: uuid.New(), Limit: 10})
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Get / Status / Download ---

func TestGet_OwnershipMismatchIsNotFoundAndAudited(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)

	p, err := h.svc.Get(context.Background(), h.tenant, res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, res.PredictionID, p.ID)

	other := uuid.New()
	_, err = h.svc.Get(context.Background(), other, res.PredictionID)
	assert.ErrorIs(t, err, ErrNotFound)

	logs := h.logs.String()
	assert.Contains(t, logs, `"msg":"ownership_mismatch"`)
	assert.Contains(t, logs, other.String())
	assert.Contains(t, logs, h.tenant.String())

	_, err = h.svc.Get(context.Background(), h.tenant, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatus_CacheAndFallback(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)

	status, err := h.svc.Status(context.Background(), h.tenant, res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusQueued, status)

	_, err = h.svc.Status(context.Background(), uuid.New(), res.PredictionID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.cache.Delete(context.Background(), cache.PredictionStatusKey(res.PredictionID)))
	status, err = h.svc.Status(context.Background(), h.tenant, res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusQueued, status)

	_, ok, _ := h.cache.GetPredictionStatus(context.Background(), res.PredictionID)
	assert.True(t, ok, "fallback repopulates the cache")
}

func TestStatus_FallbackDoesNotOverwriteNewerStatus(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)
	_, err = h.store.ClaimPrediction(ctx, res.PredictionID)
	require.NoError(t, err)
	require.NoError(t, h.cache.Delete(ctx, cache.PredictionStatusKey(res.PredictionID)))
	h.svc.store = committingStore{MemoryStore: h.store, cache: h.cache}

	status, err := h.svc.Status(ctx, h.tenant, res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusRunning, status, "the snapshot read before the commit")

	status, err = h.svc.Status(ctx, h.tenant, res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, models.PredictionStatusCompleted, status)

	entry, ok, err := h.cache.GetPredictionStatus(ctx, res.PredictionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PredictionStatusCompleted, entry.Status)
}

func TestDownload(t *testing.T) {
	h := newHarness(t, Config{PresignTTL: time.Hour})
	ctx := context.Background()
	res, err := h.submit(t, "a.csv", smallCSV)
	require.NoError(t, err)

	_, err = h.svc.Download(ctx, h.tenant, res.PredictionID)
	assert.ErrorIs(t, err, ErrConflict)

	claimed, err := h.store.ClaimPrediction(ctx, res.PredictionID)
	require.NoError(t, err)
	resultKey := blobstore.ResultKey(res.PredictionID, time.Now())
	require.NoError(t, h.blobs.Put(ctx, resultKey, []byte("x\n"), blobstore.PutOptions{}))
	require.NoError(t, h.store.CompletePrediction(ctx, res.PredictionID, *claimed.ClaimToken, store.CompletedResult{ResultKey: resultKey}))

	dl, err := h.svc.Download(ctx, h.tenant, res.PredictionID)
	require.NoError(t, err)
	assert.Equal(t, 600, dl.ExpiresIn, "TTL is capped at ten minutes")
	assert.Contains(t, dl.URL, "prediction_results_"+res.PredictionID.String()+".csv")

	_, err = h.svc.Download(ctx, uuid.New(), res.PredictionID)
	assert.ErrorIs(t, err, ErrNotFound)
}
