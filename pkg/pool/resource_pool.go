// Package pool provides a generic bounded pool of reusable, expensive-to-create
// resources handed out via acquire/release.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Factory creates one resource.
type Factory[T any] func(ctx context.Context) (T, error)

// Destructor releases one resource. Failures are the destructor's problem;
// the pool never propagates them.
type Destructor[T any] func(T)

// Config bounds the pool.
type Config struct {
	MinSize int
	MaxSize int
	// IdleWait is the short wait on the idle queue before the pool considers
	// creating a new resource.
	IdleWait time.Duration
	// AcquireTimeout bounds the total wait of one Acquire call.
	AcquireTimeout time.Duration
}

// ResourcePool hands out resources for exclusive use with lazy creation up to
// MaxSize and a pre-warmed floor of MinSize.
//
// The idle channel is the primary synchronization primitive; the mutex guards
// only the created-resource count around creation and destruction.
type ResourcePool[T any] struct {
	config  Config
	factory Factory[T]
	destroy Destructor[T]
	logger  *logrus.Logger

	idle chan T

	mutex   sync.Mutex
	created int
	closed  bool
}

// New creates a pool. MaxSize must be >= MinSize >= 0.
func New[T any](config Config, factory Factory[T], destroy Destructor[T], logger *logrus.Logger) (*ResourcePool[T], error) {
	if config.MaxSize <= 0 {
		config.MaxSize = 10
	}
	if config.MinSize < 0 || config.MinSize > config.MaxSize {
		return nil, errors.ConfigError("pool", "min_size must satisfy 0 <= min_size <= max_size")
	}
	if config.IdleWait <= 0 {
		config.IdleWait = 100 * time.Millisecond
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 10 * time.Second
	}
	if destroy == nil {
		destroy = func(T) {}
	}

	return &ResourcePool[T]{
		config:  config,
		factory: factory,
		destroy: destroy,
		logger:  logger,
		idle:    make(chan T, config.MaxSize),
	}, nil
}

// Initialize eagerly creates MinSize resources and stores them as idle.
func (p *ResourcePool[T]) Initialize(ctx context.Context) error {
	for i := 0; i < p.config.MinSize; i++ {
		res, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.idle <- res
	}

	p.logger.WithFields(logrus.Fields{
		"min_size": p.config.MinSize,
		"max_size": p.config.MaxSize,
	}).Info("Resource pool initialized")

	return nil
}

// Acquire returns a resource for exclusive use. It first waits briefly on the
// idle queue; on wait-timeout it creates a new resource if the pool is below
// its ceiling, otherwise it blocks until a resource is released. The total
// wait is bounded; exhaustion surfaces as an explicit error, never a hang.
func (p *ResourcePool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	deadline := time.NewTimer(p.config.AcquireTimeout)
	defer deadline.Stop()

	shortWait := time.NewTimer(p.config.IdleWait)
	defer shortWait.Stop()

	select {
	case res := <-p.idle:
		return res, nil
	case <-shortWait.C:
	case <-ctx.Done():
		return zero, errors.WrapError(ctx.Err(), "pool", "acquire", "cancelled while waiting for resource")
	case <-deadline.C:
		return zero, errors.PoolExhaustedError("pool", p.config.AcquireTimeout)
	}

	// Nothing idle within the short wait. Create if below the ceiling.
	if res, created, err := p.tryCreate(ctx); err != nil {
		return zero, err
	} else if created {
		return res, nil
	}

	// At capacity: block until a resource is released or the wait expires.
	select {
	case res := <-p.idle:
		return res, nil
	case <-ctx.Done():
		return zero, errors.WrapError(ctx.Err(), "pool", "acquire", "cancelled while waiting for resource")
	case <-deadline.C:
		return zero, errors.PoolExhaustedError("pool", p.config.AcquireTimeout)
	}
}

// Release returns a resource to the idle set. If the pool shrank concurrently
// and the queue is full, the resource is destroyed rather than blocking the
// releaser. Returning a resource after Close also destroys it, so a borrower
// that outlives the pool never strands a live resource in the drained queue.
func (p *ResourcePool[T]) Release(res T) {
	p.mutex.Lock()
	if !p.closed {
		select {
		case p.idle <- res:
			p.mutex.Unlock()
			return
		default:
		}
	}
	p.created--
	p.mutex.Unlock()

	p.destroy(res)
}

// Discard destroys a resource instead of returning it, shrinking the pool.
// Used for resources that failed in use.
func (p *ResourcePool[T]) Discard(res T) {
	p.mutex.Lock()
	p.created--
	p.mutex.Unlock()

	p.destroy(res)
}

// Created returns how many resources currently exist.
func (p *ResourcePool[T]) Created() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.created
}

// Idle returns how many resources are currently idle.
func (p *ResourcePool[T]) Idle() int {
	return len(p.idle)
}

// MaxSize returns the pool ceiling.
func (p *ResourcePool[T]) MaxSize() int {
	return p.config.MaxSize
}

// DrainIdle removes and returns every currently idle resource without
// destroying it. Callers probing resource health use this to inspect the idle
// set and re-enqueue survivors via Release.
func (p *ResourcePool[T]) DrainIdle() []T {
	var drained []T
	for {
		select {
		case res := <-p.idle:
			drained = append(drained, res)
		default:
			return drained
		}
	}
}

// Close destroys every idle resource and marks the pool closed so that
// resources released by in-flight borrowers afterwards are destroyed instead
// of stranded in the idle queue.
func (p *ResourcePool[T]) Close() {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	for _, res := range p.DrainIdle() {
		p.Discard(res)
	}
}

// Grow creates one resource and places it in the idle set. Returns false
// without error when the pool is already at its ceiling.
func (p *ResourcePool[T]) Grow(ctx context.Context) (bool, error) {
	res, created, err := p.tryCreate(ctx)
	if err != nil || !created {
		return false, err
	}
	p.Release(res)
	return true, nil
}

// tryCreate creates a resource if the pool is below MaxSize. The count is
// reserved under the mutex before the factory runs so concurrent creators
// never overshoot the ceiling.
func (p *ResourcePool[T]) tryCreate(ctx context.Context) (T, bool, error) {
	var zero T

	p.mutex.Lock()
	if p.created >= p.config.MaxSize {
		p.mutex.Unlock()
		return zero, false, nil
	}
	p.created++
	p.mutex.Unlock()

	res, err := p.factory(ctx)
	if err != nil {
		p.mutex.Lock()
		p.created--
		p.mutex.Unlock()
		return zero, false, errors.WrapError(err, "pool", "create", "resource factory failed")
	}

	return res, true, nil
}

func (p *ResourcePool[T]) create(ctx context.Context) (T, error) {
	res, created, err := p.tryCreate(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if !created {
		var zero T
		return zero, errors.PoolExhaustedError("pool", 0)
	}
	return res, nil
}
