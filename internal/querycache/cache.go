// Package querycache maps normalized query fingerprints to previously
// computed retrieval results. The first level is an in-process LRU with
// per-entry TTL; an optional Redis second level shares results across
// retrieval replicas. Fingerprints embed the knowledge-base version, so
// entries computed against a stale index die without an invalidation
// sweep. Loss of the cache is a latency regression, never a correctness
// problem.
package querycache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgredis "github.com/kbpipeline/retrieval-platform/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "retrieval:"

// Fingerprint builds the deterministic cache key for a query: a digest of
// the normalized text, the result width, and the knowledge-base version.
func Fingerprint(normalized string, k int, kbVersion uint64) string {
	raw := fmt.Sprintf("%s|k=%d|kb=%d", normalized, k, kbVersion)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum[:16])
}

// Normalize lowercases a query and collapses runs of whitespace so
// trivially different spellings share a fingerprint.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

type item[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// envelope is the JSON form stored in Redis; the expiry travels with the
// value so both cache levels enforce the same TTL.
type envelope[V any] struct {
	Value     V         `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache is a generic LRU-with-TTL keyed by fingerprint.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element

	group  singleflight.Group
	l2     *pkgredis.Client
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Cache with the given capacity. l2 may be nil to disable
// the Redis level.
func New[V any](capacity int, l2 *pkgredis.Client) *Cache[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache[V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		l2:       l2,
		logger:   slog.Default().With("component", "query-cache"),
		now:      time.Now,
	}
}

// Get returns the unexpired entry for fingerprint, if any. An expired
// entry is evicted on the spot and reported as absent.
func (c *Cache[V]) Get(ctx context.Context, fingerprint string) (V, bool) {
	if v, ok := c.getL1(fingerprint); ok {
		c.hits.Add(1)
		return v, true
	}
	if v, expiresAt, ok := c.getL2(ctx, fingerprint); ok {
		c.putL1(fingerprint, v, expiresAt)
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Put stores an entry under fingerprint with the given TTL.
func (c *Cache[V]) Put(ctx context.Context, fingerprint string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	expiresAt := c.now().Add(ttl)
	c.putL1(fingerprint, value, expiresAt)
	c.putL2(ctx, fingerprint, value, expiresAt, ttl)
}

// GetOrCompute returns the cached entry or computes it, collapsing
// concurrent identical-fingerprint misses into a single computation so a
// burst of the same query costs one retrieval. compute returns the TTL to
// store the value under; a non-positive TTL keeps the value out of the
// cache (degraded results must not be replayed). The boolean reports a
// cache hit, including riding along on another caller's computation.
func (c *Cache[V]) GetOrCompute(
	ctx context.Context,
	fingerprint string,
	compute func() (V, time.Duration, error),
) (V, bool, error) {
	if v, ok := c.Get(ctx, fingerprint); ok {
		return v, true, nil
	}
	shared := true
	val, err, _ := c.group.Do(fingerprint, func() (any, error) {
		if v, ok := c.Get(ctx, fingerprint); ok {
			return v, nil
		}
		shared = false
		v, ttl, err := compute()
		if err != nil {
			var zero V
			return zero, err
		}
		c.Put(ctx, fingerprint, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return val.(V), shared, nil
}

// Stats returns hit and miss counts since startup.
func (c *Cache[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of resident L1 entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) getL1(fingerprint string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.items[fingerprint]
	if !ok {
		return zero, false
	}
	it := el.Value.(*item[V])
	if !c.now().Before(it.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, fingerprint)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return it.value, true
}

func (c *Cache[V]) putL1(fingerprint string, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fingerprint]; ok {
		it := el.Value.(*item[V])
		it.value = value
		it.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&item[V]{key: fingerprint, value: value, expiresAt: expiresAt})
	c.items[fingerprint] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*item[V]).key)
	}
}

func (c *Cache[V]) getL2(ctx context.Context, fingerprint string) (V, time.Time, bool) {
	var zero V
	if c.l2 == nil {
		return zero, time.Time{}, false
	}
	data, err := c.l2.Get(ctx, keyPrefix+fingerprint)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("redis cache get failed", "error", err)
		}
		return zero, time.Time{}, false
	}
	var env envelope[V]
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		c.logger.Error("redis cache unmarshal failed", "error", err)
		return zero, time.Time{}, false
	}
	if !c.now().Before(env.ExpiresAt) {
		return zero, time.Time{}, false
	}
	return env.Value, env.ExpiresAt, true
}

func (c *Cache[V]) putL2(ctx context.Context, fingerprint string, value V, expiresAt time.Time, ttl time.Duration) {
	if c.l2 == nil {
		return
	}
	data, err := json.Marshal(envelope[V]{Value: value, ExpiresAt: expiresAt})
	if err != nil {
		c.logger.Error("redis cache marshal failed", "error", err)
		return
	}
	if err := c.l2.Set(ctx, keyPrefix+fingerprint, data, ttl); err != nil {
		c.logger.Error("redis cache set failed", "error", err)
	}
}
