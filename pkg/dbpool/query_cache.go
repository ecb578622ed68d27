package dbpool

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// readPrefixes are the statement keywords eligible for caching. Writes are
// never cached, and cached reads are not invalidated by writes: entries may
// be stale until TTL expiry. That staleness is a documented trade-off of this
// cache, not a defect.
var readPrefixes = []string{"select", "show", "info", "describe", "explain"}

// nonDeterministic are substrings whose presence makes a read uncacheable.
var nonDeterministic = []string{"time::now", "now()", "current_timestamp", "rand("}

// Cacheable reports whether a query may be served from or written to the
// cache: it must start with a read keyword and reference no time function.
func Cacheable(query string) bool {
	normalized := strings.ToLower(strings.TrimSpace(query))

	isRead := false
	for _, prefix := range readPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			isRead = true
			break
		}
	}
	if !isRead {
		return false
	}

	for _, fn := range nonDeterministic {
		if strings.Contains(normalized, fn) {
			return false
		}
	}
	return true
}

// CacheKey builds the cache key from the normalized query text and a hash of
// the parameter set. Parameters are serialized in sorted key order so
// logically equal sets hash identically.
func CacheKey(query string, params map[string]interface{}) string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(query)), " ")

	digest := xxhash.New()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(digest, "%s=%v;", k, params[k])
	}

	return fmt.Sprintf("%s|%x", normalized, digest.Sum64())
}

type cacheEntry struct {
	result     interface{}
	insertedAt time.Time
}

// QueryCache is a TTL cache for query results with size-bounded,
// oldest-first eviction. Entries older than the TTL are treated as absent.
type QueryCache struct {
	mutex   sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
}

// NewQueryCache creates a cache holding at most maxSize entries for ttl each.
func NewQueryCache(ttl time.Duration, maxSize int) *QueryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &QueryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns a fresh entry, or false when absent or expired.
func (c *QueryCache) Get(key string) (interface{}, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.insertedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// Put stores a result, evicting the oldest entry when the cap is exceeded.
func (c *QueryCache) Put(key string, result interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = cacheEntry{
		result:     result,
		insertedAt: time.Now(),
	}
}

// Len returns the number of stored entries, expired or not.
func (c *QueryCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *QueryCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *QueryCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.insertedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.insertedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
