package executor

import (
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/graph"
)

// Process-wide instance. pending is the snapshot the next GetInstance builds
// from; changing it never touches a live instance.
var (
	instanceMu  sync.Mutex
	instance    *Executor
	pending     = DefaultConfig()
	pendingOpts []Option
)

// SetWorkerCount sets the engine worker count for the next instance.
func SetWorkerCount(n int) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	pending.WorkerCount = n
}

// SetQueueCapacity sets the queue capacity for the next instance.
func SetQueueCapacity(n int) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	pending.QueueCapacity = n
}

// SetPollTimeout sets the dispatcher poll timeout for the next instance.
func SetPollTimeout(d time.Duration) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	pending.PollTimeout = d
}

// Configure replaces the whole pending configuration and options.
func Configure(cfg Config, opts ...Option) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	pending = cfg
	pendingOpts = opts
}

// GetInstance returns the process-wide executor, creating it from the
// pending configuration on first use or after ReleaseInstance.
func GetInstance() (*Executor, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return instance, nil
	}
	e, err := New(pending, pendingOpts...)
	if err != nil {
		return nil, err
	}
	instance = e
	return e, nil
}

// ReleaseInstance releases the process-wide executor, draining its queue.
// Calling it with no live instance does nothing. The instance is detached
// before the drain, so package-level calls made meanwhile, including from
// tasks still running on the old instance, build a fresh one instead of
// waiting for the drain.
func ReleaseInstance() {
	instanceMu.Lock()
	e := instance
	instance = nil
	instanceMu.Unlock()

	if e != nil {
		e.Release()
	}
}

// Engine returns the process-wide executor's engine.
func Engine() (*engine.Engine, error) {
	e, err := GetInstance()
	if err != nil {
		return nil, err
	}
	return e.Engine(), nil
}

// Submit submits g to the process-wide executor without waiting.
func Submit(g *graph.Graph) (*completion.Handle, bool) {
	e, err := GetInstance()
	if err != nil {
		return nil, false
	}
	return e.Submit(g)
}

// SubmitUntil submits g to the process-wide executor, waiting up to d.
func SubmitUntil(g *graph.Graph, d time.Duration) (*completion.Handle, bool) {
	e, err := GetInstance()
	if err != nil {
		return nil, false
	}
	return e.SubmitUntil(g, d)
}

// BlockingSubmit submits g to the process-wide executor, waiting for room.
func BlockingSubmit(g *graph.Graph) *completion.Handle {
	e, err := GetInstance()
	if err != nil {
		return completion.Failed(err)
	}
	return e.BlockingSubmit(g)
}
