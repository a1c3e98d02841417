package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrKeyConflict indicates an idempotency key was reused with a different
// payload. Callers must treat this as an application error rather than
// replay the cached response or re-execute the request.
var ErrKeyConflict = errors.New("idempotency key reused with different payload")

// Key namespaces, one per operation type, so the same caller token never
// collides across operations.
const (
	NamespacePlace   = "place"
	NamespaceUpdate  = "update"
	NamespaceCancel  = "cancel"
	NamespaceProcess = "process"
	NamespaceFulfill = "fulfill"
)

// Key builds the namespaced cache key for an operation.
func Key(namespace, key string) string {
	return namespace + "-" + key
}

// Record is a cached terminal response.
type Record struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Cache maps an idempotency key to the response produced by the first
// request that carried it. Writes are first-write-wins: a Store against
// an existing key is a no-op.
type Cache interface {
	Lookup(ctx context.Context, key, fingerprint string) (Record, bool, error)
	Store(ctx context.Context, key, fingerprint string, rec Record) (bool, error)
}

// Fingerprint derives a stable digest of the request payload, used to
// detect key reuse with divergent payloads.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	rec         Record
	fingerprint string
	expiresAt   time.Time
}

// MemoryCache is a map-backed Cache with TTL eviction. Expired entries
// are dropped lazily on lookup and in bulk via Sweep.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache constructs a cache whose records expire after ttl.
// A non-positive ttl keeps records for the process lifetime.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Lookup(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return Record{}, false, nil
	}
	if fingerprint != "" && entry.fingerprint != "" && entry.fingerprint != fingerprint {
		return Record{}, false, ErrKeyConflict
	}
	return entry.rec, true, nil
}

func (c *MemoryCache) Store(ctx context.Context, key, fingerprint string, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if entry.expiresAt.IsZero() || c.now().Before(entry.expiresAt) {
			return false, nil
		}
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = memoryEntry{rec: rec, fingerprint: fingerprint, expiresAt: expiresAt}
	return true, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}
