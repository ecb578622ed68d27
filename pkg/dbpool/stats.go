package dbpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devq-ai/agentical-sub002/internal/metrics"
)

// PoolStats is a read-only snapshot of connection pool state and counters.
type PoolStats struct {
	TotalConnections  int   `json:"total_connections"`
	ActiveConnections int   `json:"active_connections"`
	IdleConnections   int   `json:"idle_connections"`
	FailedConnections int64 `json:"failed_connections"`

	TotalQueries      int64 `json:"total_queries"`
	SuccessfulQueries int64 `json:"successful_queries"`
	FailedQueries     int64 `json:"failed_queries"`

	QueryLatencyEMA time.Duration `json:"query_latency_ema"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	LastHealthCheck time.Time     `json:"last_health_check"`
	Uptime          time.Duration `json:"uptime"`
}

// emaAlpha weights recent query latency samples.
const emaAlpha = 0.2

// statsCollector accumulates pool counters. Mutated only by the pool; callers
// get copies via the pool's Stats method.
type statsCollector struct {
	totalQueries      int64
	successfulQueries int64
	failedQueries     int64
	failedConnections int64
	cacheHits         int64
	cacheMisses       int64

	emaMutex   sync.Mutex
	latencyEMA float64 // nanoseconds

	lastHealthCheck atomic.Int64 // unix nanoseconds
}

func (s *statsCollector) recordQuery(latency time.Duration, err error) {
	atomic.AddInt64(&s.totalQueries, 1)
	if err != nil {
		atomic.AddInt64(&s.failedQueries, 1)
		metrics.RecordQuery("failed")
		return
	}
	atomic.AddInt64(&s.successfulQueries, 1)
	metrics.RecordQuery("success")

	s.emaMutex.Lock()
	if s.latencyEMA == 0 {
		s.latencyEMA = float64(latency)
	} else {
		s.latencyEMA = emaAlpha*float64(latency) + (1-emaAlpha)*s.latencyEMA
	}
	ema := s.latencyEMA
	s.emaMutex.Unlock()

	metrics.QueryLatencyEMA.Set(ema / float64(time.Second))
}

func (s *statsCollector) recordCacheHit() {
	atomic.AddInt64(&s.cacheHits, 1)
	metrics.RecordCacheLookup("hit")
}

func (s *statsCollector) recordCacheMiss() {
	atomic.AddInt64(&s.cacheMisses, 1)
	metrics.RecordCacheLookup("miss")
}

func (s *statsCollector) recordFailedConnection() {
	atomic.AddInt64(&s.failedConnections, 1)
	metrics.ConnectionReplacements.Inc()
}

func (s *statsCollector) recordHealthCheck(at time.Time) {
	s.lastHealthCheck.Store(at.UnixNano())
}

func (s *statsCollector) latency() time.Duration {
	s.emaMutex.Lock()
	defer s.emaMutex.Unlock()
	return time.Duration(s.latencyEMA)
}

func (s *statsCollector) healthCheckTime() time.Time {
	nanos := s.lastHealthCheck.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
