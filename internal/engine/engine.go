// Package engine runs work graphs on a fixed pool of worker goroutines.
//
// Each Run schedules the graph's root tasks, and every finished task releases
// the dependents whose last dependency it was. Runs from different goroutines
// share the same workers and may interleave freely.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/conduit/internal/blockq"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/log"
)

// ErrClosed is reported by runs submitted after Close.
var ErrClosed = errors.New("engine is closed")

// PanicError is the error recorded for a task whose body panicked.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}

// Config sizes the worker pool.
type Config struct {
	// Workers is the number of worker goroutines. Values < 1 mean 1.
	Workers int
	// PinWorkers locks each worker to an OS thread bound to one CPU.
	PinWorkers bool
}

// Stats is a point-in-time view of engine activity.
type Stats struct {
	Workers       int
	ActiveRuns    int64
	CompletedRuns int64
	FailedRuns    int64
	TasksExecuted int64
}

// Engine is a DAG executor. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	ready  *blockq.Queue[job]
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	runs    sync.WaitGroup
	workers sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	executed  atomic.Int64
}

// job is one ready task of one run. A zero job tells a worker to exit.
type job struct {
	st   *runState
	task *graph.Task
}

// New starts the worker pool.
func New(cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	ready, _ := blockq.New[job](blockq.Unbounded)
	e := &Engine{
		cfg:    cfg,
		ready:  ready,
		logger: log.WithComponent("engine"),
	}
	e.logger.Debug("starting worker pool", "workers", cfg.Workers, "pin_workers", cfg.PinWorkers)
	for i := range cfg.Workers {
		e.workers.Add(1)
		go e.worker(i)
	}
	return e
}

// Workers returns the size of the worker pool.
func (e *Engine) Workers() int { return e.cfg.Workers }

// Run schedules g and returns immediately. The returned Run completes once
// every task has finished or been skipped.
func (e *Engine) Run(ctx context.Context, g *graph.Graph) *Run {
	r := newRun(g.Name())

	if err := g.Validate(); err != nil {
		r.finish(err)
		return r
	}
	tasks := g.Tasks()
	if len(tasks) == 0 {
		r.finish(nil)
		return r
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.finish(ErrClosed)
		return r
	}
	e.runs.Add(1)
	e.mu.Unlock()
	e.active.Add(1)

	runCtx, cancel := context.WithCancel(ctx)
	st := &runState{
		run:    r,
		ctx:    log.IntoContext(runCtx, e.logger.With("graph", g.Name())),
		cancel: cancel,
		indeg:  make(map[*graph.Task]*atomic.Int32, len(tasks)),
	}
	st.pending.Store(int64(len(tasks)))
	for _, t := range tasks {
		c := new(atomic.Int32)
		c.Store(int32(len(t.Deps())))
		st.indeg[t] = c
	}
	for _, t := range tasks {
		if len(t.Deps()) == 0 {
			e.ready.Put(job{st: st, task: t})
		}
	}
	return r
}

// RunAndWait runs g and blocks until it has finished.
func (e *Engine) RunAndWait(ctx context.Context, g *graph.Graph) error {
	return e.Run(ctx, g).Wait()
}

// Close waits for accepted runs to finish, then stops the workers. Later runs
// fail with ErrClosed. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.runs.Wait()
	for range e.cfg.Workers {
		e.ready.Put(job{})
	}
	e.workers.Wait()
	e.logger.Debug("worker pool stopped")
	return nil
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Workers:       e.cfg.Workers,
		ActiveRuns:    e.active.Load(),
		CompletedRuns: e.completed.Load(),
		FailedRuns:    e.failed.Load(),
		TasksExecuted: e.executed.Load(),
	}
}

func (e *Engine) worker(id int) {
	defer e.workers.Done()

	// A pinned worker never unlocks its thread; the thread is discarded when
	// the goroutine exits.
	if e.cfg.PinWorkers {
		if err := pinCurrentThread(id); err != nil {
			e.logger.Warn("worker pinning failed", "worker", id, "error", err)
		}
	}

	for {
		j := e.ready.Take()
		if j.st == nil {
			return
		}
		e.execute(j)
	}
}

func (e *Engine) execute(j job) {
	st, task := j.st, j.task

	if err := st.ctx.Err(); err != nil {
		st.fail(task.Name(), fmt.Errorf("skipped: %w", err))
	} else {
		e.executed.Add(1)
		if err := runTask(st.ctx, task); err != nil {
			log.FromContext(st.ctx).Debug("task failed", "task", task.Name(), "error", err)
			st.fail(task.Name(), err)
		}
	}

	for _, d := range task.Dependents() {
		if st.indeg[d].Add(-1) == 0 {
			e.ready.Put(job{st: st, task: d})
		}
	}

	if st.pending.Add(-1) == 0 {
		st.cancel()
		if st.err != nil {
			e.failed.Add(1)
		}
		e.completed.Add(1)
		e.active.Add(-1)
		st.run.finish(st.err)
		e.runs.Done()
	}
}

func runTask(ctx context.Context, t *graph.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: t.Name(), Value: r, Stack: debug.Stack()}
		}
	}()
	return t.Run(ctx)
}

// runState is the per-run bookkeeping shared by the workers.
type runState struct {
	run     *Run
	ctx     context.Context
	cancel  context.CancelFunc
	indeg   map[*graph.Task]*atomic.Int32
	pending atomic.Int64

	errOnce sync.Once
	err     error
}

// fail records the first failure of the run and cancels the rest of it.
func (st *runState) fail(task string, err error) {
	st.errOnce.Do(func() {
		st.err = fmt.Errorf("graph %q: task %q: %w", st.run.graph, task, err)
		st.cancel()
	})
}

// Run is the awaitable result of Engine.Run.
type Run struct {
	graph string
	done  chan struct{}
	err   error
}

func newRun(graph string) *Run {
	return &Run{graph: graph, done: make(chan struct{})}
}

func (r *Run) finish(err error) {
	r.err = err
	close(r.done)
}

// Graph returns the name of the graph being run.
func (r *Run) Graph() string { return r.graph }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its first error.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}
