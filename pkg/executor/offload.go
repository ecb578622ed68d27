package executor

import (
	"context"

	"github.com/devq-ai/agentical-sub002/pkg/errors"
	"github.com/devq-ai/agentical-sub002/pkg/types"
)

// RunBlocking offloads a synchronous, blocking call to the bounded
// blocking-worker pool without tying up a concurrency permit. The calling
// goroutine is released as soon as the context is cancelled; the worker slot
// is reclaimed when the call eventually returns.
func (e *Executor) RunBlocking(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return e.offload(ctx, e.blockingWorkers, "run_blocking", fn)
}

// RunCPUBound offloads a CPU-heavy call to the smaller CPU-worker pool, sized
// to keep compute-bound work from starving the scheduler.
func (e *Executor) RunCPUBound(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	return e.offload(ctx, e.cpuWorkers, "run_cpu_bound", fn)
}

func (e *Executor) offload(ctx context.Context, workers chan struct{}, operation string, fn func() (interface{}, error)) (interface{}, error) {
	if e.closed.Load() {
		return nil, errors.New(errors.CodeExecutorClosed, "executor", operation, "executor is closed")
	}

	select {
	case workers <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.WrapError(ctx.Err(), "executor", operation, "cancelled while waiting for worker")
	}

	result := make(chan types.Outcome, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-workers }()
		value, err := fn()
		result <- types.Outcome{Value: value, Err: err}
	}()

	select {
	case outcome := <-result:
		return outcome.Value, outcome.Err
	case <-ctx.Done():
		return nil, errors.WrapError(ctx.Err(), "executor", operation, "cancelled while waiting for result")
	}
}
