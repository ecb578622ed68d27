// Package types - Interface definitions for pluggable components
package types

import (
	"context"
	"time"
)

// Connection defines the capability surface any concrete database driver must
// expose to be managed by the connection pool.
//
// Drivers connect, authenticate, and select their namespace/database inside the
// factory that produces them; the pool only ever sees this interface.
type Connection interface {
	// Query executes a single statement and returns the driver-level result
	Query(ctx context.Context, text string, params map[string]interface{}) (interface{}, error)
	// Close releases the underlying network connection
	Close() error
}

// ConnectionFactory produces a live, authenticated connection for the pool.
type ConnectionFactory func(ctx context.Context, cfg ConnectionConfig) (Connection, error)

// ConnectionConfig holds the settings for a database connection pool.
// Supplied at pool construction; MaxConnections >= MinConnections >= 0.
type ConnectionConfig struct {
	URL                 string        `yaml:"url"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	Namespace           string        `yaml:"namespace"`
	Database            string        `yaml:"database"`
	MaxConnections      int           `yaml:"max_connections"`
	MinConnections      int           `yaml:"min_connections"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxRetries          int           `yaml:"max_retries"`
}

// Task is one unit of work executed under a concurrency permit.
type Task func(ctx context.Context) (interface{}, error)

// Outcome is the per-item result of a parallel run: either a value or the
// captured error, never both.
type Outcome struct {
	Value interface{}
	Err   error
}

// TaskRunner is the surface the orchestration layer uses to submit work.
type TaskRunner interface {
	Run(ctx context.Context, task Task, id string) (interface{}, error)
	RunParallel(ctx context.Context, tasks []Task) []Outcome
	RunBatched(ctx context.Context, tasks []Task, batchSize int) []Outcome
	Close() error
}
