package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/blockq"
	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func testConfig(capacity int) Config {
	return Config{WorkerCount: 2, QueueCapacity: capacity, PollTimeout: 5 * time.Millisecond}
}

func newExecutor(t *testing.T, cfg Config, opts ...Option) *Executor {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Release)
	return e
}

// gate is a graph whose single task signals started and then blocks until
// open is closed.
type gate struct {
	g       *graph.Graph
	started chan struct{}
	open    chan struct{}
}

func newGate(t *testing.T, name string) *gate {
	t.Helper()
	gt := &gate{g: graph.New(name), started: make(chan struct{}), open: make(chan struct{})}
	_, err := gt.g.Add("hold", func(context.Context) error {
		close(gt.started)
		<-gt.open
		return nil
	})
	require.NoError(t, err)
	return gt
}

func (gt *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-gt.started:
	case <-time.After(2 * time.Second):
		t.Fatal("gate graph never started")
	}
}

// counting returns a graph whose task increments n.
func counting(t *testing.T, name string, n *atomic.Int32) *graph.Graph {
	t.Helper()
	g := graph.New(name)
	_, err := g.Add("count", func(context.Context) error {
		n.Add(1)
		return nil
	})
	require.NoError(t, err)
	return g
}

func TestSubmitRunsGraph(t *testing.T) {
	e := newExecutor(t, testConfig(4))
	var n atomic.Int32

	h, ok := e.Submit(counting(t, "one", &n))
	require.True(t, ok)
	require.NotNil(t, h)
	require.NoError(t, h.Wait())

	assert.Equal(t, int32(1), n.Load())
	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, 4, stats.QueueCapacity)
	assert.Equal(t, dispatch.StateRunning.String(), stats.DispatcherState)
}

func TestBackpressureWithCapacityOne(t *testing.T) {
	e := newExecutor(t, testConfig(1))

	// Keep the dispatcher busy so the queue can be filled.
	busy := newGate(t, "busy")
	hBusy, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)

	var n atomic.Int32
	hQueued, ok := e.Submit(counting(t, "queued", &n))
	require.True(t, ok)
	require.Equal(t, 1, e.Stats().QueueSize)
	require.True(t, e.Stats().QueueFull)

	h, ok := e.Submit(counting(t, "refused", &n))
	assert.False(t, ok)
	assert.Nil(t, h)

	start := time.Now()
	h, ok = e.SubmitUntil(counting(t, "refused-later", &n), 30*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, e.Stats().QueueSize)

	blocking := counting(t, "blocking", &n)
	blocked := make(chan *completion.Handle, 1)
	go func() { blocked <- e.BlockingSubmit(blocking) }()

	select {
	case <-blocked:
		t.Fatal("BlockingSubmit returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(busy.open)
	var hBlocking *completion.Handle
	select {
	case hBlocking = <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("BlockingSubmit never returned")
	}

	for _, h := range []*completion.Handle{hBusy, hQueued, hBlocking} {
		require.NoError(t, h.Wait())
	}
	assert.Equal(t, int32(2), n.Load())
}

func TestReleaseDrainsQueuedWork(t *testing.T) {
	e, err := New(testConfig(8))
	require.NoError(t, err)

	busy := newGate(t, "busy")
	_, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)

	var n atomic.Int32
	var handles []*completion.Handle
	for _, name := range []string{"a", "b", "c"} {
		h, ok := e.Submit(counting(t, name, &n))
		require.True(t, ok)
		handles = append(handles, h)
	}
	require.Equal(t, 3, e.Stats().QueueSize)

	released := make(chan struct{})
	go func() {
		e.Release()
		close(released)
	}()

	require.Eventually(t, e.Released, time.Second, time.Millisecond)
	_, ok = e.Submit(graph.New("late"))
	assert.False(t, ok, "submission accepted after Release began")

	close(busy.open)
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Release never returned")
	}

	for _, h := range handles {
		assert.True(t, h.Ready(), "handle %s not completed before Release returned", h.ID())
		assert.NoError(t, h.Err())
	}
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, dispatch.StateStopped.String(), e.Stats().DispatcherState)
}

func TestReleasedExecutorRefusesWork(t *testing.T) {
	e, err := New(testConfig(2))
	require.NoError(t, err)
	e.Release()
	e.Release()

	g := graph.New("after")
	h, ok := e.Submit(g)
	assert.False(t, ok)
	assert.Nil(t, h)

	h, ok = e.SubmitUntil(g, time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, h)

	h = e.BlockingSubmit(g)
	require.True(t, h.Ready())
	assert.ErrorIs(t, h.Err(), ErrReleased)

	_, err = e.BlockingSubmitContext(context.Background(), g)
	assert.ErrorIs(t, err, ErrReleased)

	_, err = g.Add("t", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Engine().RunAndWait(context.Background(), g), engine.ErrClosed)
}

func TestReleaseWhileTaskSubmits(t *testing.T) {
	e, err := New(Config{WorkerCount: 1, QueueCapacity: 1, PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	var n atomic.Int32
	innerOK := make(chan bool, 1)
	innerG := counting(t, "inner", &n)
	outer := graph.New("outer")
	started, open := make(chan struct{}), make(chan struct{})
	_, err = outer.Add("resubmit", func(context.Context) error {
		close(started)
		<-open
		_, ok := e.Submit(innerG)
		innerOK <- ok
		return nil
	})
	require.NoError(t, err)

	hOuter, ok := e.Submit(outer)
	require.True(t, ok)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("outer graph never started")
	}
	hFill, ok := e.Submit(counting(t, "fill", &n))
	require.True(t, ok)

	parkedG := counting(t, "parked", &n)
	parked := make(chan *completion.Handle, 1)
	go func() { parked <- e.BlockingSubmit(parkedG) }()
	time.Sleep(20 * time.Millisecond)

	released := make(chan struct{})
	go func() {
		e.Release()
		close(released)
	}()
	require.Eventually(t, e.Released, time.Second, time.Millisecond)
	assert.True(t, e.Stats().Released)
	close(open)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Release did not return")
	}
	assert.False(t, <-innerOK, "submission from a task during release should be refused")
	require.NoError(t, hOuter.Err())
	require.NoError(t, hFill.Err())

	h := <-parked
	require.True(t, h.Ready())
	if err := h.Err(); err != nil {
		assert.ErrorIs(t, err, ErrReleased)
	}
}

func TestReleaseCancelsWaitingSubmissions(t *testing.T) {
	e, err := New(Config{WorkerCount: 1, QueueCapacity: 1, PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	busy := newGate(t, "busy")
	_, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)
	var n atomic.Int32
	_, ok = e.Submit(counting(t, "fill", &n))
	require.True(t, ok)

	blocked, until := counting(t, "blocked", &n), counting(t, "until", &n)
	ctxErr := make(chan error, 1)
	untilOK := make(chan bool, 1)
	go func() {
		_, err := e.BlockingSubmitContext(context.Background(), blocked)
		ctxErr <- err
	}()
	go func() {
		_, ok := e.SubmitUntil(until, time.Hour)
		untilOK <- ok
	}()
	time.Sleep(20 * time.Millisecond)

	released := make(chan struct{})
	go func() {
		e.Release()
		close(released)
	}()

	select {
	case err := <-ctxErr:
		assert.ErrorIs(t, err, ErrReleased)
	case <-time.After(2 * time.Second):
		t.Fatal("BlockingSubmitContext still waiting after release")
	}
	select {
	case ok := <-untilOK:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitUntil still waiting after release")
	}

	close(busy.open)
	<-released
	assert.Equal(t, int32(1), n.Load(), "only the queued item runs")
}

func TestFailureDeliveredThroughHandle(t *testing.T) {
	e := newExecutor(t, testConfig(2))
	boom := errors.New("boom")

	g := graph.New("failing")
	_, err := g.Add("explode", func(context.Context) error { return boom })
	require.NoError(t, err)

	h := e.BlockingSubmit(g)
	err = h.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var runErr *dispatch.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, h.ID(), runErr.WorkID)

	// The dispatcher keeps going after a failure.
	var n atomic.Int32
	require.NoError(t, e.BlockingSubmit(counting(t, "next", &n)).Wait())
}

func TestBlockingSubmitContextCancelled(t *testing.T) {
	e := newExecutor(t, testConfig(1))

	busy := newGate(t, "busy")
	_, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)
	defer close(busy.open)

	_, ok = e.Submit(graph.New("filler"))
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h, err := e.BlockingSubmitContext(ctx, graph.New("impatient"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h)
	assert.Equal(t, 1, e.Stats().QueueSize)
}

func TestBypassEngineRunsWhileDispatcherBusy(t *testing.T) {
	e := newExecutor(t, testConfig(2))

	busy := newGate(t, "busy")
	hBusy, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)

	var n atomic.Int32
	require.NoError(t, e.Engine().RunAndWait(context.Background(), counting(t, "bypass", &n)))
	assert.Equal(t, int32(1), n.Load())
	assert.False(t, hBusy.Ready())

	close(busy.open)
	assert.NoError(t, hBusy.Wait())
}

func TestNilGraph(t *testing.T) {
	e := newExecutor(t, testConfig(2))

	h, ok := e.Submit(nil)
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.ErrorIs(t, e.BlockingSubmit(nil).Err(), ErrNilGraph)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{WorkerCount: 1, QueueCapacity: 0, PollTimeout: time.Millisecond})
	assert.ErrorIs(t, err, blockq.ErrZeroCapacity)

	_, err = New(Config{WorkerCount: 1, QueueCapacity: -7, PollTimeout: time.Millisecond})
	assert.ErrorIs(t, err, blockq.ErrInvalidCapacity)

	_, err = New(Config{WorkerCount: 0, QueueCapacity: 1, PollTimeout: time.Millisecond})
	assert.Error(t, err)

	_, err = New(Config{WorkerCount: 1, QueueCapacity: 1})
	assert.Error(t, err)
}

func TestUnboundedQueueNeverRefuses(t *testing.T) {
	e := newExecutor(t, testConfig(blockq.Unbounded))

	busy := newGate(t, "busy")
	_, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)

	var n atomic.Int32
	var handles []*completion.Handle
	for range 500 {
		h, ok := e.Submit(counting(t, "many", &n))
		require.True(t, ok)
		handles = append(handles, h)
	}
	assert.False(t, e.Stats().QueueFull)

	close(busy.open)
	for _, h := range handles {
		require.NoError(t, h.Wait())
	}
	assert.Equal(t, int32(500), n.Load())
}

func TestJournalAndEvents(t *testing.T) {
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	hub := events.NewHub(64)

	e := newExecutor(t, testConfig(1), WithJournal(j), WithEvents(hub))
	assert.Same(t, j, e.Journal())
	assert.Same(t, hub, e.Events())

	busy := newGate(t, "busy")
	hBusy, ok := e.Submit(busy.g)
	require.True(t, ok)
	busy.waitStarted(t)

	var n atomic.Int32
	hQueued, ok := e.Submit(counting(t, "queued", &n))
	require.True(t, ok)
	_, ok = e.Submit(counting(t, "refused", &n))
	require.False(t, ok)

	close(busy.open)
	require.NoError(t, hBusy.Wait())
	require.NoError(t, hQueued.Wait())

	entry, err := j.Get(context.Background(), hQueued.ID())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusSucceeded, entry.Status)
	assert.Equal(t, "queued", entry.Graph)

	counts, err := j.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[journal.StatusSucceeded])
	assert.Equal(t, 1, counts[journal.StatusRejected])

	seen := map[string]int{}
	for _, ev := range hub.SnapshotSince(0) {
		seen[ev.Type]++
	}
	assert.Equal(t, 2, seen[events.TypeWorkQueued])
	assert.Equal(t, 1, seen[events.TypeWorkRejected])
	assert.Equal(t, 2, seen[events.TypeWorkCompleted])

	families, err := e.Gatherer().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["conduit_submissions_total"])
	assert.True(t, names["conduit_dispatched_total"])
}
