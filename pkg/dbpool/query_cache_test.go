package dbpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheable(t *testing.T) {
	cases := []struct {
		query    string
		expected bool
	}{
		{"SELECT * FROM users", true},
		{"  select id from orders  ", true},
		{"SHOW TABLES", true},
		{"EXPLAIN SELECT 1", true},
		{"DESCRIBE users", true},
		{"INSERT INTO users VALUES (1)", false},
		{"UPDATE users SET name = 'x'", false},
		{"DELETE FROM users", false},
		{"CREATE TABLE t (id int)", false},
		{"SELECT now()", false},
		{"SELECT CURRENT_TIMESTAMP", false},
		{"select rand()", false},
		{"SELECT time::now()", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, Cacheable(tc.query), "query: %s", tc.query)
	}
}

func TestCacheKeyParamOrderIndependence(t *testing.T) {
	a := CacheKey("SELECT * FROM users WHERE a = @a AND b = @b",
		map[string]interface{}{"a": 1, "b": "two"})
	b := CacheKey("SELECT * FROM users WHERE a = @a AND b = @b",
		map[string]interface{}{"b": "two", "a": 1})

	assert.Equal(t, a, b)
}

func TestCacheKeyNormalizesWhitespace(t *testing.T) {
	a := CacheKey("SELECT  *   FROM users", nil)
	b := CacheKey("SELECT * FROM users", nil)
	c := CacheKey("SELECT * FROM orders", nil)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCacheKeyDistinguishesParams(t *testing.T) {
	a := CacheKey("SELECT * FROM users WHERE id = @id", map[string]interface{}{"id": 1})
	b := CacheKey("SELECT * FROM users WHERE id = @id", map[string]interface{}{"id": 2})

	assert.NotEqual(t, a, b)
}

func TestQueryCacheGetPut(t *testing.T) {
	cache := NewQueryCache(time.Minute, 10)

	_, ok := cache.Get("missing")
	assert.False(t, ok)

	cache.Put("k", "v")
	value, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)
	assert.Equal(t, 1, cache.Len())
}

func TestQueryCacheTTLExpiry(t *testing.T) {
	cache := NewQueryCache(30*time.Millisecond, 10)

	cache.Put("k", "v")
	_, ok := cache.Get("k")
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok = cache.Get("k")
	assert.False(t, ok)
	// The expired entry was removed lazily on lookup
	assert.Equal(t, 0, cache.Len())
}

func TestQueryCacheEvictsOldestWhenFull(t *testing.T) {
	cache := NewQueryCache(time.Minute, 3)

	cache.Put("first", 1)
	time.Sleep(2 * time.Millisecond)
	cache.Put("second", 2)
	time.Sleep(2 * time.Millisecond)
	cache.Put("third", 3)
	time.Sleep(2 * time.Millisecond)
	cache.Put("fourth", 4)

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Get("first")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = cache.Get("fourth")
	assert.True(t, ok)
}

func TestQueryCacheOverwriteDoesNotEvict(t *testing.T) {
	cache := NewQueryCache(time.Minute, 2)

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("a", 10)

	assert.Equal(t, 2, cache.Len())
	value, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, value)
}

func TestQueryCacheClear(t *testing.T) {
	cache := NewQueryCache(time.Minute, 10)
	cache.Put("a", 1)
	cache.Put("b", 2)

	cache.Clear()

	assert.Equal(t, 0, cache.Len())
}
