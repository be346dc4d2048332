package organizer

import (
	"context"
	"fmt"
	"sync"
)

// Cache is the in-memory idempotency short-circuit: content hashes and
// access keys of successfully catalogued documents. A miss is not
// authoritative — the catalog's uniqueness constraints remain the source of
// truth — but a hit saves a catalog round trip on common duplicate re-feeds.
type Cache struct {
	mu     sync.RWMutex
	hashes map[string]struct{}
	keys   map[string]struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		hashes: make(map[string]struct{}),
		keys:   make(map[string]struct{}),
	}
}

// Warm loads every processed hash and access key from the catalog. Called
// once at startup; crash recovery depends on this rehydration.
func (c *Cache) Warm(ctx context.Context, st *Store) error {
	hashes, keys, err := st.ProcessedIdentifiers(ctx)
	if err != nil {
		return fmt.Errorf("warm idempotency cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hashes {
		c.hashes[h] = struct{}{}
	}
	for _, k := range keys {
		c.keys[k] = struct{}{}
	}
	return nil
}

// Add records a successfully processed document. Only the successful tail of
// the atomic transaction calls this.
func (c *Cache) Add(hash, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[hash] = struct{}{}
	c.keys[key] = struct{}{}
}

// HasHash reports whether the content hash was already processed.
func (c *Cache) HasHash(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.hashes[hash]
	return ok
}

// HasKey reports whether the access key was already processed.
func (c *Cache) HasKey(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

// Len returns the number of cached hashes and keys.
func (c *Cache) Len() (hashes, keys int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes), len(c.keys)
}

// IssuerCache memoizes tax-ID → issuer row lookups so a batch of documents
// from the same issuer upserts once. Guarded by its own lock, separate from
// the store's write lock.
type IssuerCache struct {
	mu      sync.Mutex
	entries map[string]issuerEntry
}

type issuerEntry struct {
	id   int64
	name string
}

// NewIssuerCache returns an empty issuer cache.
func NewIssuerCache() *IssuerCache {
	return &IssuerCache{entries: make(map[string]issuerEntry)}
}

// Get returns the cached issuer id for taxID when the canonical name also
// matches; a name mismatch forces a fresh upsert so spelling updates land.
func (ic *IssuerCache) Get(taxID, name string) (int64, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	e, ok := ic.entries[taxID]
	if !ok || e.name != name {
		return 0, false
	}
	return e.id, true
}

// Put records an issuer row.
func (ic *IssuerCache) Put(taxID, name string, id int64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.entries[taxID] = issuerEntry{id: id, name: name}
}
