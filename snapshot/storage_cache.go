package snapshot

import (
	"context"
	"errors"

	"github.com/coocood/freecache"
	"github.com/rotisserie/eris"
)

// DefaultCacheSize is the cache budget of a CachedStorage in bytes.
const DefaultCacheSize = 32 * 1024 * 1024

var cacheKey = []byte("snapshot")

// CachedStorage wraps another Storage with a bounded in-memory read-through cache, so
// repeated loads skip the backend entirely. Writes go through to the backend first; the
// cache only holds what the backend accepted. Entries never expire; a snapshot larger
// than the cache budget simply stays uncached.
type CachedStorage struct {
	inner Storage
	cache *freecache.Cache
}

var _ Storage = (*CachedStorage)(nil)

// NewCachedStorage wraps inner with a cache of the given size in bytes (0 uses
// DefaultCacheSize).
func NewCachedStorage(inner Storage, cacheSize int) *CachedStorage {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &CachedStorage{
		inner: inner,
		cache: freecache.NewCache(cacheSize),
	}
}

func (c *CachedStorage) Store(ctx context.Context, snapshot *Snapshot) error {
	if err := c.inner.Store(ctx, snapshot); err != nil {
		return err
	}

	data, err := encodeSnapshot(snapshot)
	if err != nil {
		// The backend accepted the snapshot; a cache miss later just re-reads it.
		c.cache.Del(cacheKey)
		return nil
	}
	if err := c.cache.Set(cacheKey, data, 0); err != nil {
		// Oversized entries are rejected; drop any stale cached copy instead.
		c.cache.Del(cacheKey)
	}
	return nil
}

func (c *CachedStorage) Load(ctx context.Context) (*Snapshot, error) {
	if data, err := c.cache.Get(cacheKey); err == nil {
		return decodeSnapshot(data)
	} else if !errors.Is(err, freecache.ErrNotFound) {
		return nil, eris.Wrap(err, "failed to read snapshot cache")
	}

	snapshot, err := c.inner.Load(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := encodeSnapshot(snapshot); err == nil {
		_ = c.cache.Set(cacheKey, data, 0)
	}
	return snapshot, nil
}

func (c *CachedStorage) Exists(ctx context.Context) (bool, error) {
	if _, err := c.cache.Get(cacheKey); err == nil {
		return true, nil
	}
	return c.inner.Exists(ctx)
}
