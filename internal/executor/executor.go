// Package executor is the submission surface of conduit: it owns one work
// queue, one dispatcher goroutine and one graph engine, and offers
// non-blocking, timed and blocking submission of graphs.
//
// An Executor can be owned explicitly (New / Release) or used through the
// process-wide instance (GetInstance / ReleaseInstance and the package-level
// Submit functions).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/conduit/internal/blockq"
	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
)

var (
	// ErrReleased completes handles returned by a released executor.
	ErrReleased = errors.New("executor has been released")
	// ErrNilGraph is returned for a nil graph submission.
	ErrNilGraph = errors.New("graph is nil")
)

// Config is copied at construction; changing it later has no effect on a
// running executor.
type Config struct {
	WorkerCount   int
	QueueCapacity int // blockq.Unbounded for no limit
	PollTimeout   time.Duration
	PinWorkers    bool
}

// DefaultConfig returns one worker, a queue of 200 and a 100ms poll timeout.
func DefaultConfig() Config {
	return ConfigFrom(config.Defaults().Executor)
}

// ConfigFrom converts the file configuration section.
func ConfigFrom(c config.ExecutorConfig) Config {
	return Config{
		WorkerCount:   c.WorkerCount,
		QueueCapacity: c.QueueCapacity,
		PollTimeout:   c.PollTimeout,
		PinWorkers:    c.PinWorkers,
	}
}

func (c Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1 (got %d)", c.WorkerCount)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive (got %v)", c.PollTimeout)
	}
	return nil
}

// Option adds an optional collaborator.
type Option func(*options)

type options struct {
	journal *journal.Journal
	events  *events.Hub
	tracer  trace.Tracer
	logger  *slog.Logger
}

// WithJournal records every submission and its outcome in j. The executor
// does not close j.
func WithJournal(j *journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithEvents publishes lifecycle events to h instead of a private hub.
func WithEvents(h *events.Hub) Option {
	return func(o *options) { o.events = h }
}

// WithTracer traces dispatched work with t instead of the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stats is a point-in-time view of an executor.
type Stats struct {
	QueueSize       int          `json:"queue_size"`
	QueueCapacity   int          `json:"queue_capacity"`
	QueueFull       bool         `json:"queue_full"`
	DispatcherState string       `json:"dispatcher_state"`
	Processed       uint64       `json:"processed"`
	Released        bool         `json:"released"`
	Engine          engine.Stats `json:"engine"`
}

// Executor owns the queue, the dispatcher and the engine.
type Executor struct {
	cfg        Config
	queue      *blockq.Queue[*dispatch.Work]
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	events     *events.Hub
	journal    *journal.Journal
	logger     *slog.Logger

	// A submission registers in inflight before it checks released, and
	// Release waits for inflight to reach zero after setting it, so no item
	// can arrive once the drain starts. No lock is held while a submission
	// waits for room; releasing cancels those waits through releaseCtx.
	released   atomic.Bool
	releaseCtx context.Context
	cancelWait context.CancelFunc
	submitMu   sync.Mutex
	idle       *sync.Cond
	inflight   int
}

// New starts an executor: the engine workers and the dispatcher goroutine.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	q, err := blockq.New[*dispatch.Work](cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("queue capacity %d: %w", cfg.QueueCapacity, err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = events.NewHub(events.DefaultCapacity)
	}
	if o.logger == nil {
		o.logger = log.WithComponent("executor")
	}

	e := &Executor{
		cfg:     cfg,
		queue:   q,
		engine:  engine.New(engine.Config{Workers: cfg.WorkerCount, PinWorkers: cfg.PinWorkers}),
		metrics: metrics.New(),
		events:  o.events,
		journal: o.journal,
		logger:  o.logger,
	}
	e.releaseCtx, e.cancelWait = context.WithCancel(context.Background())
	e.idle = sync.NewCond(&e.submitMu)

	dopts := dispatch.Options{
		PollTimeout: cfg.PollTimeout,
		Metrics:     e.metrics,
		Events:      e.events,
		Tracer:      o.tracer,
	}
	if e.journal != nil {
		dopts.Recorder = e.journal
	}
	e.dispatcher = dispatch.New(q, e.engine, dopts)
	e.dispatcher.Start()

	e.logger.Info("executor started",
		"workers", cfg.WorkerCount,
		"queue_capacity", cfg.QueueCapacity,
		"poll_timeout", cfg.PollTimeout,
		"pin_workers", cfg.PinWorkers,
	)
	return e, nil
}

// Submit enqueues g if there is room right now. On false the queue is
// unchanged and no handle is returned. Submit never waits for room, but with
// a journal configured it writes the submission row before offering, and a
// rejection row after a refusal, so it does wait on those writes.
func (e *Executor) Submit(g *graph.Graph) (*completion.Handle, bool) {
	return e.offer(g, metrics.ModeSubmit, func(w *dispatch.Work) bool {
		return e.queue.Offer(w)
	})
}

// SubmitUntil enqueues g, waiting up to d for room. Release ends the wait
// early with false.
func (e *Executor) SubmitUntil(g *graph.Graph, d time.Duration) (*completion.Handle, bool) {
	return e.offer(g, metrics.ModeUntil, func(w *dispatch.Work) bool {
		ctx, cancel := context.WithTimeout(e.releaseCtx, d)
		defer cancel()
		return e.queue.PutContext(ctx, w) == nil
	})
}

// BlockingSubmit enqueues g, waiting as long as it takes for room. On a
// released executor, or for a nil graph, the returned handle is already
// completed with the error.
func (e *Executor) BlockingSubmit(g *graph.Graph) *completion.Handle {
	h, err := e.BlockingSubmitContext(context.Background(), g)
	if err != nil {
		return completion.Failed(err)
	}
	return h
}

// BlockingSubmitContext is BlockingSubmit with a cancellable wait for room.
// If ctx ends first, nothing is enqueued and ctx.Err() is returned. If the
// executor is released while the call waits, it returns ErrReleased.
func (e *Executor) BlockingSubmitContext(ctx context.Context, g *graph.Graph) (*completion.Handle, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if !e.enter() {
		e.metrics.ObserveSubmission(metrics.ModeBlocking, false)
		return nil, ErrReleased
	}
	defer e.leave()

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(e.releaseCtx, func() { cancel(ErrReleased) })
	defer stop()

	w, h := dispatch.NewWork(g, metrics.ModeBlocking)
	e.recordSubmit(w)
	err := e.queue.PutContext(waitCtx, w)
	e.afterEnqueue(w, err == nil)
	if err != nil {
		if errors.Is(context.Cause(waitCtx), ErrReleased) {
			return nil, ErrReleased
		}
		return nil, ctx.Err()
	}
	return h, nil
}

func (e *Executor) offer(g *graph.Graph, mode string, enqueue func(*dispatch.Work) bool) (*completion.Handle, bool) {
	if g == nil {
		return nil, false
	}
	if !e.enter() {
		e.metrics.ObserveSubmission(mode, false)
		return nil, false
	}
	defer e.leave()

	w, h := dispatch.NewWork(g, mode)
	e.recordSubmit(w)
	ok := enqueue(w)
	e.afterEnqueue(w, ok)
	if !ok {
		return nil, false
	}
	return h, true
}

// enter registers a submission unless the executor is released.
func (e *Executor) enter() bool {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if e.released.Load() {
		return false
	}
	e.inflight++
	return true
}

func (e *Executor) leave() {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		e.idle.Broadcast()
	}
}

// recordSubmit runs before the enqueue so the journal row exists by the time
// the dispatcher records the start.
func (e *Executor) recordSubmit(w *dispatch.Work) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordSubmit(context.Background(), w.ID, w.Graph.Name(), w.Mode); err != nil {
		e.logger.Error("failed to record submission", "work_id", w.ID, "error", err)
	}
}

func (e *Executor) afterEnqueue(w *dispatch.Work, accepted bool) {
	e.metrics.ObserveSubmission(w.Mode, accepted)
	e.metrics.SetQueueDepth(e.queue.Size())

	payload := events.Work{ID: w.ID, Graph: w.Graph.Name(), Mode: w.Mode}
	if accepted {
		e.events.Publish(events.TypeWorkQueued, payload)
		e.logger.Debug("work queued", "work_id", w.ID, "graph", payload.Graph, "mode", w.Mode)
		return
	}

	e.events.Publish(events.TypeWorkRejected, payload)
	e.logger.Debug("work rejected", "work_id", w.ID, "graph", payload.Graph, "mode", w.Mode)
	if e.journal != nil {
		if err := e.journal.RecordReject(context.Background(), w.ID); err != nil {
			e.logger.Error("failed to record rejection", "work_id", w.ID, "error", err)
		}
	}
}

// Engine returns the engine for direct runs that skip the queue. Such runs
// may interleave with dispatched work in any order. After Release the
// engine reports engine.ErrClosed.
func (e *Executor) Engine() *engine.Engine {
	return e.engine
}

// Release stops accepting work, runs everything still queued, then stops
// the dispatcher and the engine. Every handle returned before Release is
// completed by the time it returns. Submissions still waiting for room are
// refused with ErrReleased (false for SubmitUntil). Release is idempotent.
// It must not be called from inside a graph task of this executor; a task
// may still submit while a release is under way and is refused.
func (e *Executor) Release() {
	e.submitMu.Lock()
	if e.released.Load() {
		e.submitMu.Unlock()
		return
	}
	e.released.Store(true)
	e.cancelWait()
	for e.inflight > 0 {
		e.idle.Wait()
	}
	pending := e.queue.Size()
	e.submitMu.Unlock()

	e.logger.Info("releasing executor", "queued", pending)
	e.dispatcher.Stop()
	if err := e.engine.Close(); err != nil {
		e.logger.Error("failed to close engine", "error", err)
	}
	e.logger.Info("executor released", "processed", e.dispatcher.Processed())
}

// Released reports whether Release has been called.
func (e *Executor) Released() bool {
	return e.released.Load()
}

// Stats returns queue, dispatcher and engine counters.
func (e *Executor) Stats() Stats {
	return Stats{
		QueueSize:       e.queue.Size(),
		QueueCapacity:   e.queue.Cap(),
		QueueFull:       e.queue.Full(),
		DispatcherState: e.dispatcher.State().String(),
		Processed:       e.dispatcher.Processed(),
		Released:        e.Released(),
		Engine:          e.engine.Stats(),
	}
}

// Events returns the lifecycle event hub.
func (e *Executor) Events() *events.Hub { return e.events }

// Gatherer exposes the executor's Prometheus registry.
func (e *Executor) Gatherer() prometheus.Gatherer { return e.metrics.Gatherer() }

// Journal returns the journal, or nil when none was configured.
func (e *Executor) Journal() *journal.Journal { return e.journal }

// Config returns the configuration the executor was built with.
func (e *Executor) Config() Config { return e.cfg }
