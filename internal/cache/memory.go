package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/churnwatch/pkg/models"
)

// MemoryCache is an in-process Cache for tests and single-node development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Ping(context.Context) error { return nil }

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

func (m *MemoryCache) set(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryCache) get(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) SetPredictionStatus(_ context.Context, predictionID uuid.UUID, entry StatusEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := PredictionStatusKey(predictionID)
	if e, ok := m.get(key); ok {
		if cur, ok := decodeStatusEntry(string(e.value)); ok && models.StatusRank(cur.Status) > models.StatusRank(entry.Status) {
			return nil
		}
	}
	m.set(key, []byte(entry.encode()), ttl)
	return nil
}

func (m *MemoryCache) GetPredictionStatus(ctx context.Context, predictionID uuid.UUID) (StatusEntry, bool, error) {
	raw, ok, _ := m.Get(ctx, PredictionStatusKey(predictionID))
	if !ok {
		return StatusEntry{}, false, nil
	}
	entry, ok := decodeStatusEntry(string(raw))
	return entry, ok, nil
}

func (m *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if e, ok := m.get(key); ok {
		n, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	n++
	m.set(key, []byte(strconv.FormatInt(n, 10)), expiry)
	return n, nil
}
