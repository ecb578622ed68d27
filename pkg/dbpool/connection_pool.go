// Package dbpool specializes the generic resource pool for a single external
// database, adding periodic health checks, failure-triggered connection
// replacement, and a TTL query-result cache.
package dbpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devq-ai/agentical-sub002/internal/metrics"
	"github.com/devq-ai/agentical-sub002/pkg/errors"
	"github.com/devq-ai/agentical-sub002/pkg/pool"
	"github.com/devq-ai/agentical-sub002/pkg/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// CacheConfig bounds the query-result cache.
type CacheConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// healthProbeQuery is the trivial statement used to verify idle connections.
const healthProbeQuery = "SELECT 1"

// ConnectionPool manages a bounded set of database connections with query
// caching and background health checking.
type ConnectionPool struct {
	config  types.ConnectionConfig
	logger  *logrus.Logger
	tracer  oteltrace.Tracer
	factory types.ConnectionFactory

	resources *pool.ResourcePool[*PooledConnection]
	cache     *QueryCache
	stats     statsCollector

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates and initializes a connection pool: the minimum floor of
// connections is established eagerly and the health-check loop is started.
func New(config types.ConnectionConfig, cacheConfig CacheConfig, factory types.ConnectionFactory, logger *logrus.Logger) (*ConnectionPool, error) {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.MinConnections < 0 || config.MinConnections > config.MaxConnections {
		return nil, errors.ConfigError("dbpool", "min_connections must satisfy 0 <= min <= max_connections")
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if cacheConfig.TTL <= 0 {
		cacheConfig.TTL = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	cp := &ConnectionPool{
		config:    config,
		logger:    logger,
		tracer:    otel.Tracer("dbpool"),
		factory:   factory,
		cache:     NewQueryCache(cacheConfig.TTL, cacheConfig.MaxSize),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	resources, err := pool.New(pool.Config{
		MinSize:        config.MinConnections,
		MaxSize:        config.MaxConnections,
		AcquireTimeout: config.ConnectionTimeout,
	}, cp.createConnection, cp.destroyConnection, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	cp.resources = resources

	if err := resources.Initialize(ctx); err != nil {
		// A partial floor is not fatal: the pool continues with fewer
		// connections and retries lazily on the next acquire.
		logger.WithError(err).Warn("Failed to pre-warm minimum connections")
	}

	cp.wg.Add(1)
	go cp.healthCheckLoop()

	logger.WithFields(logrus.Fields{
		"url":                   config.URL,
		"min_connections":       config.MinConnections,
		"max_connections":       config.MaxConnections,
		"health_check_interval": config.HealthCheckInterval,
		"cache_ttl":             cacheConfig.TTL,
	}).Info("Database connection pool started")

	return cp, nil
}

// ExecuteQuery runs a query through the pool. Fresh cache entries satisfy
// cacheable queries without touching the network; everything else acquires a
// connection, executes under the query timeout, and records latency into the
// moving average.
func (cp *ConnectionPool) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}, useCache bool) (interface{}, error) {
	if cp.closed.Load() {
		return nil, errors.New(errors.CodePoolClosed, "dbpool", "execute_query", "pool is closed")
	}

	ctx, span := cp.tracer.Start(ctx, "dbpool.execute_query",
		oteltrace.WithAttributes(attribute.Bool("cache_enabled", useCache)))
	defer span.End()

	cacheable := useCache && Cacheable(query)
	var key string
	if cacheable {
		key = CacheKey(query, params)
		if result, ok := cp.cache.Get(key); ok {
			cp.stats.recordCacheHit()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return result, nil
		}
		cp.stats.recordCacheMiss()
	}

	conn, err := cp.resources.Acquire(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "acquire failed")
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, cp.config.QueryTimeout)
	defer cancel()

	start := time.Now()
	result, err := conn.Query(queryCtx, query, params)
	latency := time.Since(start)

	cp.stats.recordQuery(latency, err)

	if err != nil {
		// The wrapped connection marked itself unhealthy; replace it rather
		// than returning it to the idle set.
		cp.resources.Discard(conn)
		cp.stats.recordFailedConnection()
		cp.updateConnectionGauges()

		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		cp.logger.WithFields(logrus.Fields{
			"latency": latency,
			"error":   err,
		}).Error("Query failed, connection discarded")
		return nil, errors.QueryError("execute_query", "query execution failed").Wrap(err)
	}

	cp.resources.Release(conn)
	cp.updateConnectionGauges()

	if cacheable {
		cp.cache.Put(key, result)
	}

	return result, nil
}

// Stats returns a point-in-time snapshot of the pool.
func (cp *ConnectionPool) Stats() PoolStats {
	total := cp.resources.Created()
	idle := cp.resources.Idle()

	return PoolStats{
		TotalConnections:  total,
		ActiveConnections: total - idle,
		IdleConnections:   idle,
		FailedConnections: atomic.LoadInt64(&cp.stats.failedConnections),
		TotalQueries:      atomic.LoadInt64(&cp.stats.totalQueries),
		SuccessfulQueries: atomic.LoadInt64(&cp.stats.successfulQueries),
		FailedQueries:     atomic.LoadInt64(&cp.stats.failedQueries),
		QueryLatencyEMA:   cp.stats.latency(),
		CacheHits:         atomic.LoadInt64(&cp.stats.cacheHits),
		CacheMisses:       atomic.LoadInt64(&cp.stats.cacheMisses),
		LastHealthCheck:   cp.stats.healthCheckTime(),
		Uptime:            time.Since(cp.startedAt),
	}
}

// Close stops the health-check loop, closes every idle connection
// best-effort, and clears the cache.
func (cp *ConnectionPool) Close() error {
	if !cp.closed.CompareAndSwap(false, true) {
		return nil
	}

	cp.logger.Info("Closing database connection pool")
	cp.cancel()
	cp.wg.Wait()

	cp.resources.Close()
	cp.cache.Clear()
	cp.updateConnectionGauges()

	return nil
}

// createConnection is the resource-pool factory: it dials, authenticates, and
// selects the configured namespace/database.
func (cp *ConnectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cp.config.ConnectionTimeout)
	defer cancel()

	conn, err := cp.factory(connCtx, cp.config)
	if err != nil {
		metrics.RecordError("dbpool", "connection_create")
		cp.logger.WithError(err).Error("Failed to create database connection")
		return nil, errors.ConnectionError("create", "connection factory failed").Wrap(err)
	}

	cp.logger.Debug("Database connection created")
	return newPooledConnection(conn), nil
}

// destroyConnection closes a connection best-effort; close failures are
// logged, never raised.
func (cp *ConnectionPool) destroyConnection(conn *PooledConnection) {
	if err := conn.Close(); err != nil {
		cp.logger.WithError(err).Warn("Error closing database connection")
	}
}

// healthCheckLoop periodically probes idle connections and replaces the ones
// that fail. Failures here are absorbed; application callers never see them.
func (cp *ConnectionPool) healthCheckLoop() {
	defer cp.wg.Done()

	ticker := time.NewTicker(cp.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.ctx.Done():
			return
		case <-ticker.C:
			cp.runHealthCheck()
		}
	}
}

// runHealthCheck drains the idle set, probes each connection with a trivial
// query, re-enqueues survivors, and replaces casualties up to the minimum
// floor. Replacement is deliberately floor-only: casualties above the floor
// are not recreated eagerly, because Acquire creates connections lazily up to
// the ceiling the next time demand needs them.
func (cp *ConnectionPool) runHealthCheck() {
	idle := cp.resources.DrainIdle()
	replaced := 0

	for _, conn := range idle {
		if !conn.IsHealthy() || !cp.probe(conn) {
			cp.resources.Discard(conn)
			cp.stats.recordFailedConnection()
			replaced++
			continue
		}
		cp.resources.Release(conn)
	}

	// Top the pool back up to its floor.
	for cp.resources.Created() < cp.config.MinConnections {
		grown, err := cp.resources.Grow(cp.ctx)
		if err != nil {
			cp.logger.WithError(err).Warn("Failed to replace unhealthy connection")
			break
		}
		if !grown {
			break
		}
	}

	cp.stats.recordHealthCheck(time.Now())
	cp.updateConnectionGauges()

	if replaced > 0 {
		cp.logger.WithFields(logrus.Fields{
			"probed":   len(idle),
			"replaced": replaced,
		}).Warn("Health check replaced unhealthy connections")
	} else {
		cp.logger.WithField("probed", len(idle)).Debug("Health check completed")
	}
}

func (cp *ConnectionPool) probe(conn *PooledConnection) bool {
	probeCtx, cancel := context.WithTimeout(cp.ctx, cp.config.QueryTimeout)
	defer cancel()

	_, err := conn.Query(probeCtx, healthProbeQuery, nil)
	return err == nil
}

func (cp *ConnectionPool) updateConnectionGauges() {
	total := cp.resources.Created()
	idle := cp.resources.Idle()
	metrics.PoolConnections.WithLabelValues("total").Set(float64(total))
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(idle))
	metrics.PoolConnections.WithLabelValues("active").Set(float64(total - idle))
}
