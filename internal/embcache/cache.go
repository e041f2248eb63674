// Package embcache caches face embeddings keyed by the hash of the image bytes.
package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrMiss is returned by stores when a key is absent.
var ErrMiss = errors.New("embcache: key not found")

// Store keeps detected faces by cache key.
type Store interface {
	Get(ctx context.Context, key string) ([]face.Face, error)
	Set(ctx context.Context, key string, faces []face.Face) error
}

// BlobStore is a key-value backend for encoded entries.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Maintainer is implemented by stores that can report on and purge their entries.
type Maintainer interface {
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// ErrNoMaintenance is returned by Count and Clear when the backend supports neither.
var ErrNoMaintenance = errors.New("embcache: store does not support maintenance")

// Blob adapts a BlobStore to Store using the binary face codec.
func Blob(b BlobStore) *BlobAdapter {
	return &BlobAdapter{blob: b}
}

// BlobAdapter encodes faces for a BlobStore.
type BlobAdapter struct {
	blob BlobStore
}

// Get decodes the entry for key.
func (a *BlobAdapter) Get(ctx context.Context, key string) ([]face.Face, error) {
	data, err := a.blob.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeFaces(data)
}

// Set encodes faces and stores them under key.
func (a *BlobAdapter) Set(ctx context.Context, key string, faces []face.Face) error {
	data, err := encodeFaces(faces)
	if err != nil {
		return err
	}
	return a.blob.Set(ctx, key, data)
}

// Count delegates to the blob store.
func (a *BlobAdapter) Count(ctx context.Context) (int, error) {
	if m, ok := a.blob.(Maintainer); ok {
		return m.Count(ctx)
	}
	return 0, ErrNoMaintenance
}

// Clear delegates to the blob store.
func (a *BlobAdapter) Clear(ctx context.Context) (int, error) {
	if m, ok := a.blob.(Maintainer); ok {
		return m.Clear(ctx)
	}
	return 0, ErrNoMaintenance
}

// CachedEncoder caches encoder results in a Store.
// Decode failures are never cached; images without faces are.
type CachedEncoder struct {
	inner      face.Encoder
	store      Store
	namespace  string
	cacheTotal *prometheus.CounterVec
	logger     *zap.Logger
}

// New creates a caching decorator. namespace separates entries of different encoders or models.
// cacheTotal is a counter vec with label "result" ("hit"/"miss") and may be nil.
func New(inner face.Encoder, s Store, namespace string, cacheTotal *prometheus.CounterVec, logger *zap.Logger) *CachedEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEncoder{
		inner:      inner,
		store:      s,
		namespace:  namespace,
		cacheTotal: cacheTotal,
		logger:     logger,
	}
}

// Encode returns cached faces or calls the inner encoder.
func (c *CachedEncoder) Encode(ctx context.Context, data []byte) ([]face.Face, error) {
	key := c.Key(data)

	if faces, ok := c.getFromCache(ctx, key); ok {
		c.incCache("hit")
		return faces, nil
	}
	c.incCache("miss")

	faces, err := c.inner.Encode(ctx, data)
	if err != nil {
		return nil, err
	}

	c.putToCache(ctx, key, faces)
	return faces, nil
}

// Key returns the cache key for data.
func (c *CachedEncoder) Key(data []byte) string {
	h := sha256.Sum256(data)
	return c.namespace + ":" + hex.EncodeToString(h[:])
}

func (c *CachedEncoder) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *CachedEncoder) getFromCache(ctx context.Context, key string) ([]face.Face, bool) {
	faces, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("Failed to get cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return faces, true
}

func (c *CachedEncoder) putToCache(ctx context.Context, key string, faces []face.Face) {
	if err := c.store.Set(ctx, key, faces); err != nil {
		c.logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
}

// MemoryStore is an in-process BlobStore, mostly useful in tests and for short-lived servers.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

// Count returns the number of entries.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// Clear removes all entries.
func (m *MemoryStore) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = make(map[string][]byte)
	return n, nil
}
