package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	updatedAt   time.Time
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:  normalizePrefix(prefix),
		objects: make(map[string]memoryObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}
	fullKey := joinPrefix(m.prefix, logicalKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.objects[fullKey]; taken && opts.IfAbsent {
		return fmt.Errorf("%w: %s", ErrExists, logicalKey)
	}
	m.objects[fullKey] = memoryObject{
		data:        bytes.Clone(payload),
		contentType: strings.TrimSpace(opts.ContentType),
		metadata:    cloneMetadata(opts.Metadata),
		updatedAt:   m.now(),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Object, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return Object{}, err
	}
	fullKey := joinPrefix(m.prefix, logicalKey)

	m.mu.RLock()
	obj, ok := m.objects[fullKey]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}
	return Object{
		Key:          logicalKey,
		Data:         bytes.Clone(obj.data),
		ContentType:  obj.contentType,
		Metadata:     cloneMetadata(obj.metadata),
		LastModified: obj.updatedAt,
	}, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, joinPrefix(m.prefix, logicalKey))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	return ok, nil
}

// PresignGet returns a memory:// URL carrying the expiry and disposition as query parameters.
func (m *MemoryStore) PresignGet(_ context.Context, key string, opts PresignOptions) (string, error) {
	logicalKey, err := normalizeLogicalKey(key)
	if err != nil {
		return "", err
	}
	if ok, _ := m.Exists(context.Background(), logicalKey); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}

	q := url.Values{}
	q.Set("expires", m.now().Add(opts.TTL).Format(time.RFC3339))
	if cd := contentDisposition(opts.Filename); cd != "" {
		q.Set("response-content-disposition", cd)
	}
	u := url.URL{Scheme: "memory", Host: "blobstore", Path: "/" + joinPrefix(m.prefix, logicalKey), RawQuery: q.Encode()}
	return u.String(), nil
}

// Keys lists stored logical keys with the given prefix, sorted.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for full := range m.objects {
		logical := strings.TrimPrefix(full, m.prefix+"/")
		if m.prefix == "" {
			logical = full
		}
		if strings.HasPrefix(logical, prefix) {
			keys = append(keys, logical)
		}
	}
	sort.Strings(keys)
	return keys
}
