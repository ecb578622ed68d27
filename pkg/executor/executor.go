// Package executor provides a bounded-concurrency task executor with
// parallel, batched, and retrying execution modes.
package executor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devq-ai/agentical-sub002/internal/metrics"
	"github.com/devq-ai/agentical-sub002/pkg/errors"
	"github.com/devq-ai/agentical-sub002/pkg/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds executor limits. Immutable after creation.
type Config struct {
	MaxConcurrentOperations int           `yaml:"max_concurrent_operations"`
	MaxWorkerThreads        int           `yaml:"max_worker_threads"`
	MaxWorkerProcesses      int           `yaml:"max_worker_processes"`
	OperationTimeout        time.Duration `yaml:"operation_timeout"`
	BatchSize               int           `yaml:"batch_size"`
}

// Stats is a read-only snapshot of executor counters.
type Stats struct {
	Active           int     `json:"active"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	SuccessRate      float64 `json:"success_rate"`
	AvailablePermits int64   `json:"available_permits"`
	MaxConcurrency   int     `json:"max_concurrency"`
}

// Executor caps in-flight concurrent operations and offloads blocking or
// CPU-bound work to dedicated worker pools.
type Executor struct {
	config Config
	logger *logrus.Logger

	permits          chan struct{}
	availablePermits int64

	registry *taskRegistry

	blockingWorkers chan struct{}
	cpuWorkers      chan struct{}

	completed int64
	failed    int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

const interBatchYield = 10 * time.Millisecond

// New creates an executor with the given limits. Zero values fall back to
// safe defaults.
func New(config Config, logger *logrus.Logger) *Executor {
	if config.MaxConcurrentOperations <= 0 {
		config.MaxConcurrentOperations = 10
	}
	if config.MaxWorkerThreads <= 0 {
		config.MaxWorkerThreads = 20
	}
	if config.MaxWorkerProcesses <= 0 {
		config.MaxWorkerProcesses = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}

	e := &Executor{
		config:           config,
		logger:           logger,
		permits:          make(chan struct{}, config.MaxConcurrentOperations),
		availablePermits: int64(config.MaxConcurrentOperations),
		registry:         newTaskRegistry(),
		blockingWorkers:  make(chan struct{}, config.MaxWorkerThreads),
		cpuWorkers:       make(chan struct{}, config.MaxWorkerProcesses),
	}

	metrics.AvailablePermits.Set(float64(config.MaxConcurrentOperations))

	logger.WithFields(logrus.Fields{
		"max_concurrent_operations": config.MaxConcurrentOperations,
		"max_worker_threads":        config.MaxWorkerThreads,
		"max_worker_processes":      config.MaxWorkerProcesses,
		"operation_timeout":         config.OperationTimeout,
	}).Info("Task executor created")

	return e
}

// Run executes one unit of work while holding one of the executor's
// concurrency permits. The configured operation timeout cancels the unit and
// surfaces a timeout failure to the caller.
func (e *Executor) Run(ctx context.Context, task types.Task, id string) (interface{}, error) {
	if e.closed.Load() {
		return nil, errors.New(errors.CodeExecutorClosed, "executor", "run", "executor is closed")
	}
	if id == "" {
		id = uuid.NewString()
	}

	// Acquire a permit
	select {
	case e.permits <- struct{}{}:
		atomic.AddInt64(&e.availablePermits, -1)
		metrics.AvailablePermits.Dec()
	case <-ctx.Done():
		return nil, errors.WrapError(ctx.Err(), "executor", "run", "cancelled while waiting for permit")
	}
	defer func() {
		<-e.permits
		atomic.AddInt64(&e.availablePermits, 1)
		metrics.AvailablePermits.Inc()
	}()

	var taskCtx context.Context
	var cancel context.CancelFunc
	if e.config.OperationTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, e.config.OperationTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.registry.add(id, cancel)
	defer e.registry.remove(id)

	start := time.Now()

	// The task runs in its own goroutine so a timeout can surface even when
	// the task ignores its context. The channel is buffered so the goroutine
	// never blocks on exit.
	done := make(chan types.Outcome, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		value, err := task(taskCtx)
		done <- types.Outcome{Value: value, Err: err}
	}()

	select {
	case outcome := <-done:
		duration := time.Since(start)
		if outcome.Err != nil {
			atomic.AddInt64(&e.failed, 1)
			metrics.RecordTask("failed", duration)
			e.logger.WithFields(logrus.Fields{
				"task_id":  id,
				"duration": duration,
				"error":    outcome.Err,
			}).Error("Task execution failed")
			return nil, outcome.Err
		}
		atomic.AddInt64(&e.completed, 1)
		metrics.RecordTask("completed", duration)
		e.logger.WithFields(logrus.Fields{
			"task_id":  id,
			"duration": duration,
		}).Debug("Task completed")
		return outcome.Value, nil

	case <-taskCtx.Done():
		atomic.AddInt64(&e.failed, 1)
		metrics.RecordTask("timeout", time.Since(start))
		if taskCtx.Err() == context.DeadlineExceeded {
			err := errors.TimeoutError("executor", "run", e.config.OperationTimeout).Wrap(taskCtx.Err())
			e.logger.WithFields(logrus.Fields{
				"task_id": id,
				"timeout": e.config.OperationTimeout,
			}).Error("Task timed out")
			return nil, err
		}
		return nil, errors.New(errors.CodeTaskCancelled, "executor", "run", "task cancelled").Wrap(taskCtx.Err())
	}
}

// RunParallel runs all tasks concurrently, each independently acquiring a
// permit. It returns one outcome per input task in submission order and never
// fails as a whole; per-item errors are captured in the outcome.
func (e *Executor) RunParallel(ctx context.Context, tasks []types.Task) []types.Outcome {
	outcomes := make([]types.Outcome, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t types.Task) {
			defer wg.Done()
			value, err := e.Run(ctx, t, "")
			outcomes[idx] = types.Outcome{Value: value, Err: err}
		}(i, task)
	}
	wg.Wait()

	return outcomes
}

// RunBatched partitions tasks into consecutive groups of at most batchSize,
// runs each group via RunParallel, and concatenates the results preserving
// input order. A short yield between groups bounds burstiness.
func (e *Executor) RunBatched(ctx context.Context, tasks []types.Task, batchSize int) []types.Outcome {
	if batchSize <= 0 {
		batchSize = e.config.BatchSize
	}

	outcomes := make([]types.Outcome, 0, len(tasks))
	for start := 0; start < len(tasks); start += batchSize {
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}

		outcomes = append(outcomes, e.RunParallel(ctx, tasks[start:end])...)

		if end < len(tasks) {
			select {
			case <-time.After(interBatchYield):
			case <-ctx.Done():
				// Remaining tasks are reported as cancelled without running
				for i := end; i < len(tasks); i++ {
					outcomes = append(outcomes, types.Outcome{Err: ctx.Err()})
				}
				return outcomes
			}
		}
	}

	return outcomes
}

// RunWithRetry invokes the task up to maxRetries+1 times, sleeping
// backoffFactor * 2^attempt seconds after each failed attempt. The final
// exhausted failure is returned as-is.
func (e *Executor) RunWithRetry(ctx context.Context, task types.Task, maxRetries int, backoffFactor float64) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		value, err := e.Run(ctx, task, "")
		if err == nil {
			return value, nil
		}
		lastErr = err

		e.logger.WithFields(logrus.Fields{
			"attempt":     attempt + 1,
			"max_retries": maxRetries,
			"error":       err,
		}).Warn("Task attempt failed")

		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(backoffFactor * math.Pow(2, float64(attempt)) * float64(time.Second))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.WrapError(ctx.Err(), "executor", "run_with_retry", "cancelled during backoff")
		}
	}

	return nil, lastErr
}

// Stats returns a snapshot of the executor counters. The available-permit
// count is a first-class counter rather than semaphore introspection.
func (e *Executor) Stats() Stats {
	completed := atomic.LoadInt64(&e.completed)
	failed := atomic.LoadInt64(&e.failed)

	successRate := 0.0
	if total := completed + failed; total > 0 {
		successRate = float64(completed) / float64(total)
	}

	return Stats{
		Active:           e.registry.len(),
		Completed:        completed,
		Failed:           failed,
		SuccessRate:      successRate,
		AvailablePermits: atomic.LoadInt64(&e.availablePermits),
		MaxConcurrency:   e.config.MaxConcurrentOperations,
	}
}

// Close cancels all still-active tasks and awaits their termination, then
// drains the worker pools. Cancellation errors are collected, not propagated.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	active := e.registry.cancelAll()
	if active > 0 {
		e.logger.WithField("active_tasks", active).Info("Cancelling in-flight tasks")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Task executor stopped cleanly")
	case <-time.After(30 * time.Second):
		e.logger.Warn("Timeout waiting for in-flight tasks to stop")
	}

	return nil
}
