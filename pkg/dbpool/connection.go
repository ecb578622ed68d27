package dbpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/types"
)

// PooledConnection wraps one live driver connection with the bookkeeping the
// pool needs to decide whether it can be reused.
//
// Lifecycle: created by the pool's factory, returned to the idle set after
// each use unless unhealthy, destroyed and replaced on health-check or query
// failure.
type PooledConnection struct {
	conn types.Connection

	createdAt  time.Time
	queryCount int64
	healthy    atomic.Bool
	inUse      atomic.Bool

	mutex    sync.Mutex
	lastUsed time.Time
}

func newPooledConnection(conn types.Connection) *PooledConnection {
	pc := &PooledConnection{
		conn:      conn,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	pc.healthy.Store(true)
	return pc
}

// Query executes a statement on the wrapped connection. A failed query marks
// the connection unhealthy so the pool replaces it instead of reusing it.
func (pc *PooledConnection) Query(ctx context.Context, text string, params map[string]interface{}) (interface{}, error) {
	pc.inUse.Store(true)
	defer pc.inUse.Store(false)

	result, err := pc.conn.Query(ctx, text, params)

	pc.mutex.Lock()
	pc.lastUsed = time.Now()
	pc.mutex.Unlock()
	atomic.AddInt64(&pc.queryCount, 1)

	if err != nil {
		pc.healthy.Store(false)
		return nil, err
	}
	return result, nil
}

// IsHealthy reports whether the connection is believed usable.
func (pc *PooledConnection) IsHealthy() bool {
	return pc.healthy.Load()
}

// MarkUnhealthy flags the connection for replacement.
func (pc *PooledConnection) MarkUnhealthy() {
	pc.healthy.Store(false)
}

// InUse reports whether the connection is currently borrowed.
func (pc *PooledConnection) InUse() bool {
	return pc.inUse.Load()
}

// CreatedAt returns when the connection was established.
func (pc *PooledConnection) CreatedAt() time.Time {
	return pc.createdAt
}

// LastUsed returns when the connection last executed a query.
func (pc *PooledConnection) LastUsed() time.Time {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.lastUsed
}

// QueryCount returns how many queries this connection has served.
func (pc *PooledConnection) QueryCount() int64 {
	return atomic.LoadInt64(&pc.queryCount)
}

// Close releases the underlying connection.
func (pc *PooledConnection) Close() error {
	return pc.conn.Close()
}
