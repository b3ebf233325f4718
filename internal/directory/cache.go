package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const cacheBucketName = "directory"

// cacheEntry is a stored lookup. A nil Product records a known miss.
type cacheEntry struct {
	Product  *Product  `json:"product"`
	StoredAt time.Time `json:"stored_at"`
}

// Cached wraps a Lookup with a bbolt-backed cache of barcode and search results
type Cached struct {
	inner Lookup
	db    *bbolt.DB
	ttl   time.Duration
	now   func() time.Time
}

// NewCached creates the cache bucket if needed and wraps inner
func NewCached(inner Lookup, db *bbolt.DB, ttl time.Duration) (*Cached, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Cached{inner: inner, db: db, ttl: ttl, now: time.Now}, nil
}

// LookupByBarcode serves from cache when fresh, otherwise asks the inner directory
func (c *Cached) LookupByBarcode(ctx context.Context, code string) (*Product, error) {
	return c.cached("barcode:"+code, func() (*Product, error) {
		return c.inner.LookupByBarcode(ctx, code)
	})
}

// SearchByText serves from cache when fresh, otherwise asks the inner directory
func (c *Cached) SearchByText(ctx context.Context, query string) (*Product, error) {
	return c.cached("search:"+query, func() (*Product, error) {
		return c.inner.SearchByText(ctx, query)
	})
}

func (c *Cached) cached(key string, fetch func() (*Product, error)) (*Product, error) {
	if entry, ok := c.get(key); ok {
		return entry.Product, nil
	}

	product, err := fetch()
	if err != nil {
		// Failures are never cached
		return nil, err
	}

	if err := c.put(key, &cacheEntry{Product: product, StoredAt: c.now()}); err != nil {
		slog.Warn("Failed to cache directory result", "key", key, "error", err)
	}
	return product, nil
}

func (c *Cached) get(key string) (*cacheEntry, bool) {
	var entry *cacheEntry
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(cacheBucketName)).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		slog.Warn("Failed to read directory cache", "key", key, "error", err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.StoredAt) > c.ttl {
		return nil, false
	}
	return entry, true
}

func (c *Cached) put(key string, entry *cacheEntry) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling cache entry: %w", err)
		}
		return tx.Bucket([]byte(cacheBucketName)).Put([]byte(key), data)
	})
}
