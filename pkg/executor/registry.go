package executor

import (
	"context"
	"sync"
	"time"
)

// activeTask is one registered in-flight unit of work.
type activeTask struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
}

// taskRegistry tracks running tasks by identifier. Entries are created on
// submission and removed on completion, failure, or cancellation. Owned
// exclusively by the executor.
type taskRegistry struct {
	mutex sync.RWMutex
	tasks map[string]*activeTask
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{
		tasks: make(map[string]*activeTask),
	}
}

func (r *taskRegistry) add(id string, cancel context.CancelFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.tasks[id] = &activeTask{
		id:        id,
		startedAt: time.Now(),
		cancel:    cancel,
	}
}

func (r *taskRegistry) remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.tasks, id)
}

func (r *taskRegistry) len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.tasks)
}

// cancelAll cancels every registered task and returns how many were active.
func (r *taskRegistry) cancelAll() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, task := range r.tasks {
		task.cancel()
	}
	return len(r.tasks)
}
