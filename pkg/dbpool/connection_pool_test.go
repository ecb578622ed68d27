package dbpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/errors"
	"github.com/devq-ai/agentical-sub002/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConnection counts queries and can be told to fail.
type mockConnection struct {
	queries   int64
	failNext  atomic.Bool
	queryWait time.Duration
	closed    atomic.Bool
}

func (m *mockConnection) Query(ctx context.Context, text string, params map[string]interface{}) (interface{}, error) {
	atomic.AddInt64(&m.queries, 1)
	if m.queryWait > 0 {
		select {
		case <-time.After(m.queryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failNext.CompareAndSwap(true, false) {
		return nil, errors.New(errors.CodeQueryFailed, "mock", "query", "simulated failure")
	}
	return []map[string]interface{}{{"result": text}}, nil
}

func (m *mockConnection) Close() error {
	m.closed.Store(true)
	return nil
}

// mockFactory creates mockConnections and remembers them for inspection.
type mockFactory struct {
	mutex       sync.Mutex
	connections []*mockConnection
	queryWait   time.Duration
	failCreate  atomic.Bool
}

func (f *mockFactory) factory() types.ConnectionFactory {
	return func(ctx context.Context, cfg types.ConnectionConfig) (types.Connection, error) {
		if f.failCreate.Load() {
			return nil, errors.New(errors.CodeConnectionFailed, "mock", "create", "dial refused")
		}
		conn := &mockConnection{queryWait: f.queryWait}
		f.mutex.Lock()
		f.connections = append(f.connections, conn)
		f.mutex.Unlock()
		return conn, nil
	}
}

func (f *mockFactory) createdCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.connections)
}

func (f *mockFactory) totalQueries() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var total int64
	for _, conn := range f.connections {
		total += atomic.LoadInt64(&conn.queries)
	}
	return total
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testConnConfig() types.ConnectionConfig {
	return types.ConnectionConfig{
		URL:                 "postgres://localhost:5432/test",
		MinConnections:      2,
		MaxConnections:      5,
		ConnectionTimeout:   2 * time.Second,
		QueryTimeout:        2 * time.Second,
		HealthCheckInterval: time.Hour, // keep the loop quiet during tests
	}
}

func testCacheConfig() CacheConfig {
	return CacheConfig{TTL: time.Minute, MaxSize: 100}
}

func TestNewPreWarmsMinimumConnections(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	stats := cp.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.IdleConnections)
	assert.Equal(t, 0, stats.ActiveConnections)
	assert.Equal(t, 2, factory.createdCount())
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	config := testConnConfig()
	config.MinConnections = 10
	config.MaxConnections = 5

	factory := &mockFactory{}
	_, err := New(config, testCacheConfig(), factory.factory(), testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))
}

func TestExecuteQueryCachesReads(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	ctx := context.Background()
	query := "SELECT * FROM users WHERE id = @id"
	params := map[string]interface{}{"id": 1}

	first, err := cp.ExecuteQuery(ctx, query, params, true)
	require.NoError(t, err)

	second, err := cp.ExecuteQuery(ctx, query, params, true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Only the first execution reached a connection
	assert.Equal(t, int64(1), factory.totalQueries())

	stats := cp.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.TotalQueries)
}

func TestExecuteQueryBypassesCacheWhenDisabled(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	ctx := context.Background()
	query := "SELECT * FROM users"

	_, err = cp.ExecuteQuery(ctx, query, nil, false)
	require.NoError(t, err)
	_, err = cp.ExecuteQuery(ctx, query, nil, false)
	require.NoError(t, err)

	assert.Equal(t, int64(2), factory.totalQueries())
	assert.Equal(t, int64(0), cp.Stats().CacheHits)
}

func TestExecuteQueryNeverCachesWrites(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	ctx := context.Background()
	query := "UPDATE users SET name = @name"
	params := map[string]interface{}{"name": "x"}

	_, err = cp.ExecuteQuery(ctx, query, params, true)
	require.NoError(t, err)
	_, err = cp.ExecuteQuery(ctx, query, params, true)
	require.NoError(t, err)

	assert.Equal(t, int64(2), factory.totalQueries())

	stats := cp.Stats()
	assert.Equal(t, int64(0), stats.CacheHits)
	assert.Equal(t, int64(0), stats.CacheMisses)
}

func TestExecuteQueryCacheExpiry(t *testing.T) {
	factory := &mockFactory{}
	cacheConfig := CacheConfig{TTL: 40 * time.Millisecond, MaxSize: 100}
	cp, err := New(testConnConfig(), cacheConfig, factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	ctx := context.Background()
	query := "SELECT * FROM orders"

	_, err = cp.ExecuteQuery(ctx, query, nil, true)
	require.NoError(t, err)

	// Within TTL the cache serves the result
	_, err = cp.ExecuteQuery(ctx, query, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), factory.totalQueries())

	time.Sleep(60 * time.Millisecond)

	// After expiry the query runs again
	_, err = cp.ExecuteQuery(ctx, query, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), factory.totalQueries())
}

func TestExecuteQueryReplacesFailedConnection(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	before := cp.Stats().TotalConnections

	// Make every existing connection fail its next query
	factory.mutex.Lock()
	for _, conn := range factory.connections {
		conn.failNext.Store(true)
	}
	factory.mutex.Unlock()

	_, err = cp.ExecuteQuery(context.Background(), "SELECT 1", nil, false)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeQueryFailed))

	stats := cp.Stats()
	assert.Equal(t, before-1, stats.TotalConnections, "failed connection should be discarded")
	assert.Equal(t, int64(1), stats.FailedConnections)
	assert.Equal(t, int64(1), stats.FailedQueries)
}

// Seven concurrent callers against a ceiling of five must share connections,
// never exceed the ceiling, and all succeed.
func TestExecuteQueryConcurrencyBoundedByMax(t *testing.T) {
	factory := &mockFactory{queryWait: 20 * time.Millisecond}
	config := testConnConfig()
	config.MinConnections = 0
	config.MaxConnections = 5

	cp, err := New(config, testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	var wg sync.WaitGroup
	failures := int64(0)
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cp.ExecuteQuery(context.Background(), "SELECT pg_sleep(0)", nil, false); err != nil {
				atomic.AddInt64(&failures, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), atomic.LoadInt64(&failures))
	assert.LessOrEqual(t, factory.createdCount(), 5)
	assert.Equal(t, int64(7), factory.totalQueries())
}

func TestStatsInvariantTotalIsActivePlusIdle(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	stats := cp.Stats()
	assert.Equal(t, stats.TotalConnections, stats.ActiveConnections+stats.IdleConnections)
	assert.GreaterOrEqual(t, stats.Uptime, time.Duration(0))
}

func TestQueryLatencyEMATracksQueries(t *testing.T) {
	factory := &mockFactory{queryWait: 10 * time.Millisecond}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	_, err = cp.ExecuteQuery(context.Background(), "SELECT 1", nil, false)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cp.Stats().QueryLatencyEMA, 10*time.Millisecond)
}

func TestHealthCheckReplacesUnhealthyConnections(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)
	defer cp.Close()

	// Mark one idle connection unhealthy, then force a health check pass
	idle := cp.resources.DrainIdle()
	require.NotEmpty(t, idle)
	idle[0].MarkUnhealthy()
	for _, conn := range idle {
		cp.resources.Release(conn)
	}

	cp.runHealthCheck()

	stats := cp.Stats()
	assert.Equal(t, 2, stats.TotalConnections, "pool should be topped back up to its floor")
	assert.Equal(t, int64(1), stats.FailedConnections)
	assert.False(t, stats.LastHealthCheck.IsZero())
	// A replacement was created beyond the two pre-warmed connections
	assert.Equal(t, 3, factory.createdCount())
}

func TestCloseRejectsFurtherQueries(t *testing.T) {
	factory := &mockFactory{}
	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)

	require.NoError(t, cp.Close())
	// Close is idempotent
	require.NoError(t, cp.Close())

	_, err = cp.ExecuteQuery(context.Background(), "SELECT 1", nil, true)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePoolClosed))

	// Idle connections were closed
	factory.mutex.Lock()
	defer factory.mutex.Unlock()
	for _, conn := range factory.connections {
		assert.True(t, conn.closed.Load())
	}
}

// A query in flight at Close time returns its connection after the idle set
// has been drained; the release must close the socket, not strand it.
func TestInFlightConnectionClosedAfterPoolClose(t *testing.T) {
	factory := &mockFactory{queryWait: 50 * time.Millisecond}
	config := testConnConfig()
	config.MinConnections = 1
	config.MaxConnections = 1

	cp, err := New(config, testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := cp.ExecuteQuery(context.Background(), "SELECT 1", nil, false)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return cp.Stats().ActiveConnections == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cp.Close())
	require.NoError(t, <-done)

	factory.mutex.Lock()
	conn := factory.connections[0]
	factory.mutex.Unlock()
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 0, cp.Stats().TotalConnections)
}

func TestNewSurvivesPartialPreWarm(t *testing.T) {
	factory := &mockFactory{}
	factory.failCreate.Store(true)

	cp, err := New(testConnConfig(), testCacheConfig(), factory.factory(), testLogger())
	require.NoError(t, err, "a failed pre-warm must not prevent pool creation")
	defer cp.Close()

	assert.Equal(t, 0, cp.Stats().TotalConnections)

	// Once the backend recovers, acquisition works lazily
	factory.failCreate.Store(false)
	_, err = cp.ExecuteQuery(context.Background(), "SELECT 1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Stats().TotalConnections)
}
