package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/conduit/internal/blockq"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
)

// DefaultPollTimeout bounds how long the loop waits on an empty queue before
// checking for a stop request.
const DefaultPollTimeout = 100 * time.Millisecond

const tracerName = "github.com/mattjoyce/conduit/internal/dispatch"

// State is the dispatcher lifecycle phase.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Dispatcher. Zero values disable the optional
// collaborators.
type Options struct {
	PollTimeout time.Duration
	Recorder    Recorder
	Metrics     *metrics.Metrics
	Events      *events.Hub
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Dispatcher is the single consumer of a work queue.
type Dispatcher struct {
	queue       *blockq.Queue[*Work]
	runner      GraphRunner
	pollTimeout time.Duration
	recorder    Recorder
	metrics     *metrics.Metrics
	events      *events.Hub
	logger      *slog.Logger
	tracer      trace.Tracer

	state     atomic.Int32
	stopping  atomic.Bool
	processed atomic.Uint64

	startOnce sync.Once
	done      chan struct{}
}

// New creates a Dispatcher in the Running state. The loop goroutine starts
// with Start.
func New(q *blockq.Queue[*Work], runner GraphRunner, opts Options) *Dispatcher {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("dispatch")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	d := &Dispatcher{
		queue:       q,
		runner:      runner,
		pollTimeout: opts.PollTimeout,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		events:      opts.Events,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		done:        make(chan struct{}),
	}
	d.metrics.SetDispatcherState(int(StateRunning))
	return d
}

// Start launches the loop goroutine. Later calls do nothing.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.loop()
	})
}

// Stop requests shutdown and blocks until every queued item has been run
// and the loop has exited. It is safe to call more than once and from
// several goroutines. Callers must stop enqueuing before calling Stop, or
// the drain may never finish.
func (d *Dispatcher) Stop() {
	d.stopping.Store(true)
	d.Start()
	<-d.done
}

// State returns the current lifecycle phase.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Done is closed once the dispatcher reaches Stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Processed returns the number of work items whose completion has been set.
func (d *Dispatcher) Processed() uint64 {
	return d.processed.Load()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	d.logger.Info("dispatch loop started", "poll_timeout", d.pollTimeout)

	for {
		if w, ok := d.queue.PollTimeout(d.pollTimeout); ok {
			d.execute(w)
			continue
		}
		if d.stopping.Load() {
			break
		}
	}

	d.setState(StateDraining)
	drained := 0
	for {
		w, ok := d.queue.Poll()
		if !ok {
			break
		}
		d.execute(w)
		drained++
	}

	d.setState(StateStopped)
	d.logger.Info("dispatch loop stopped", "drained", drained, "processed", d.Processed())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	d.metrics.SetDispatcherState(int(s))
	d.events.Publish(events.TypeDispatcherState, events.State{State: s.String(), Processed: d.Processed()})
	d.logger.Debug("dispatcher state changed", "state", s.String())
}

// execute runs one work item and completes it.
func (d *Dispatcher) execute(w *Work) {
	graphName := w.Graph.Name()
	logger := d.logger.With("work_id", w.ID, "graph", graphName)
	ctx := log.IntoContext(context.Background(), logger)

	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("conduit.work_id", w.ID),
		attribute.String("conduit.graph", graphName),
		attribute.String("conduit.mode", w.Mode),
	))

	started := time.Now()
	wait := started.Sub(w.SubmittedAt)
	d.metrics.SetQueueDepth(d.queue.Size())
	d.record(logger, "start", d.recordStart(ctx, w.ID))
	d.events.Publish(events.TypeWorkStarted, events.Work{ID: w.ID, Graph: graphName, Mode: w.Mode})
	logger.Debug("executing work", "queue_wait", wait)

	err := d.run(ctx, w)
	elapsed := time.Since(started)

	payload := events.Work{ID: w.ID, Graph: graphName, Mode: w.Mode, DurationMS: elapsed.Milliseconds()}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		payload.Error = err.Error()
		logger.Warn("work failed", "duration", elapsed, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("work completed", "duration", elapsed)
	}
	span.End()

	// Observers see the terminal state by the time the submitter wakes.
	d.record(logger, "completion", d.recordCompletion(ctx, w.ID, err))
	d.metrics.ObserveDispatch(wait, elapsed, err)
	d.events.Publish(events.TypeWorkCompleted, payload)
	d.processed.Add(1)

	if setErr := w.setter.Set(err); setErr != nil {
		logger.Error("work completed twice", "error", setErr)
	}
}

// run calls the runner, converting a panic into a RunError.
func (d *Dispatcher) run(ctx context.Context, w *Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RunError{
				WorkID: w.ID,
				Graph:  w.Graph.Name(),
				Err:    &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	if runErr := d.runner.RunAndWait(ctx, w.Graph); runErr != nil {
		return &RunError{WorkID: w.ID, Graph: w.Graph.Name(), Err: runErr}
	}
	return nil
}

func (d *Dispatcher) recordStart(ctx context.Context, id string) error {
	if d.recorder == nil {
		return nil
	}
	return d.recorder.RecordStart(ctx, id)
}

func (d *Dispatcher) recordCompletion(ctx context.Context, id string, runErr error) error {
	if d.recorder == nil {
		return nil
	}
	return d.recorder.RecordCompletion(ctx, id, runErr)
}

func (d *Dispatcher) record(logger *slog.Logger, what string, err error) {
	if err != nil {
		logger.Error("failed to record work "+what, "error", err)
	}
}
