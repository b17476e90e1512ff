// Package cache implements the result cache (C7): requests are fingerprinted
// over their code, environment, mode, env-vars, and input payload; a hit
// returns the stored result immediately, a miss coalesces concurrent
// identical requests behind a single execution via
// golang.org/x/sync/singleflight, and entries are evicted LRU under a total
// byte cap. Eviction walks and sorts by recency the same way teacher's
// evictIfNeeded in internal/storage/s3.go does for its on-disk checkpoint
// cache, adapted here to an in-memory entry list rather than a directory
// listing.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Fingerprint hashes the fields that determine whether two requests may
// share a cached result: code bytes, environment key, mode discriminator,
// normalized env-vars, and the input payload. Equal fingerprint implies
// equal stored result.
func Fingerprint(envKey string, mode types.Mode, code []byte, envVars map[string]string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(envKey))
	h.Write([]byte{0})
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write(code)
	h.Write([]byte{0})

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(envVars[k]))
		h.Write([]byte{0})
	}

	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// Config bounds cache memory usage.
type Config struct {
	MaxTotalBytes int64
	MaxEntryBytes int64
}

func (c Config) withDefaults() Config {
	if c.MaxTotalBytes <= 0 {
		c.MaxTotalBytes = 512 << 20 // 512 MiB
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = 32 << 20 // 32 MiB
	}
	return c
}

// Cache is the result cache: a fingerprint-keyed LRU with single-flight
// coalescing of concurrent misses.
type Cache struct {
	cfg Config

	mu         sync.Mutex
	entries    map[string]*types.CacheEntry
	totalBytes int64

	group singleflight.Group
}

// New constructs an empty cache.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg.withDefaults(), entries: make(map[string]*types.CacheEntry)}
}

// Get returns the stored entry for fingerprint, if any, bumping its
// recency and hit count.
func (c *Cache) Get(fingerprint string) (types.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return types.Response{}, false
	}
	e.LastHit = time.Now()
	e.Hits++
	resp := e.Response
	resp.CacheHit = true
	return resp, true
}

// GetOrCompute consults the cache; on a hit it returns the stored result
// immediately. On a miss it calls compute under a single-flight guard keyed
// by fingerprint, so N concurrent misses for the same fingerprint produce
// exactly one execution and N callers observing identical result bytes. A
// successful compute is then stored, subject to the per-entry size cap.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute func(context.Context) (types.Response, error)) (types.Response, error) {
	if resp, ok := c.Get(fingerprint); ok {
		return resp, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// Re-check: another goroutine may have populated the entry while
		// we were waiting to enter the single-flight group.
		if resp, ok := c.Get(fingerprint); ok {
			return resp, nil
		}
		resp, err := compute(ctx)
		if err != nil {
			return types.Response{}, err
		}
		c.put(fingerprint, resp)
		return resp, nil
	})
	if err != nil {
		return types.Response{}, err
	}
	return v.(types.Response), nil
}

func (c *Cache) put(fingerprint string, resp types.Response) {
	size := int64(len(resp.Stdout) + len(resp.Stderr))
	if size > c.cfg.MaxEntryBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[fingerprint]; ok {
		c.totalBytes -= existing.SizeBytes
	}
	now := time.Now()
	c.entries[fingerprint] = &types.CacheEntry{
		Fingerprint: fingerprint,
		Response:    resp,
		SizeBytes:   size,
		CreatedAt:   now,
		LastHit:     now,
	}
	c.totalBytes += size

	c.evictLocked()
}

// evictLocked drops least-recently-hit entries until totalBytes is back
// under MaxTotalBytes. Caller must hold c.mu.
func (c *Cache) evictLocked() {
	if c.totalBytes <= c.cfg.MaxTotalBytes {
		return
	}

	ordered := make([]*types.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LastHit.Before(ordered[j].LastHit) })

	for _, e := range ordered {
		if c.totalBytes <= c.cfg.MaxTotalBytes {
			break
		}
		delete(c.entries, e.Fingerprint)
		c.totalBytes -= e.SizeBytes
	}
}

// Len returns the current entry count, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
