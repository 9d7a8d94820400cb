package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func newEngine(t *testing.T, workers int) *Engine {
	t.Helper()
	e := New(Config{Workers: workers})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// recorder appends task names in completion order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(name string) graph.TaskFunc {
	return func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestRunRespectsDependencies(t *testing.T) {
	e := newEngine(t, 4)
	rec := &recorder{}

	g := graph.New("diamond")
	for _, n := range []string{"a", "b", "c", "d"} {
		_, err := g.Add(n, rec.task(n))
		require.NoError(t, err)
	}
	require.NoError(t, g.Precede("a", "b"))
	require.NoError(t, g.Precede("a", "c"))
	require.NoError(t, g.Precede("b", "d"))
	require.NoError(t, g.Precede("c", "d"))

	require.NoError(t, e.RunAndWait(context.Background(), g))
	require.Len(t, rec.order, 4)
	assert.Equal(t, 0, rec.index("a"))
	assert.Equal(t, 3, rec.index("d"))
}

func TestIndependentTasksRunInParallel(t *testing.T) {
	e := newEngine(t, 2)

	// Each task waits for the other to start; this only finishes if both run
	// at the same time.
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer task never started")
		}
	}

	g := graph.New("parallel")
	_, err := g.Add("left", barrier)
	require.NoError(t, err)
	_, err = g.Add("right", barrier)
	require.NoError(t, err)

	assert.NoError(t, e.RunAndWait(context.Background(), g))
}

func TestFailureSkipsDependents(t *testing.T) {
	e := newEngine(t, 2)
	boom := errors.New("boom")
	var ranChild atomic.Bool

	g := graph.New("failing")
	_, err := g.Add("parent", func(context.Context) error { return boom })
	require.NoError(t, err)
	_, err = g.Add("child", func(context.Context) error { ranChild.Store(true); return nil })
	require.NoError(t, err)
	require.NoError(t, g.Precede("parent", "child"))

	err = e.RunAndWait(context.Background(), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `task "parent"`)
	assert.False(t, ranChild.Load())

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.FailedRuns)
	assert.Equal(t, int64(0), stats.ActiveRuns)
}

func TestPanicIsRecovered(t *testing.T) {
	e := newEngine(t, 1)

	g := graph.New("panicky")
	_, err := g.Add("explode", func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	err = e.RunAndWait(context.Background(), g)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "explode", pe.Task)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// The worker survived the panic.
	ok := graph.New("after")
	_, err = ok.Add("fine", nil)
	require.NoError(t, err)
	assert.NoError(t, e.RunAndWait(context.Background(), ok))
}

func TestEmptyAndCyclicGraphs(t *testing.T) {
	e := newEngine(t, 1)

	assert.NoError(t, e.RunAndWait(context.Background(), graph.New("empty")))

	g := graph.New("cycle")
	_, _ = g.Add("a", nil)
	_, _ = g.Add("b", nil)
	require.NoError(t, g.Precede("a", "b"))
	require.NoError(t, g.Precede("b", "a"))
	assert.ErrorIs(t, e.RunAndWait(context.Background(), g), graph.ErrCycle)
}

func TestCancelledContextSkipsTasks(t *testing.T) {
	e := newEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	g := graph.New("cancelled")
	_, err := g.Add("t", func(context.Context) error { ran.Store(true); return nil })
	require.NoError(t, err)

	err = e.RunAndWait(ctx, g)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestGraphCanBeRerun(t *testing.T) {
	e := newEngine(t, 2)
	var count atomic.Int32

	g := graph.New("rerun")
	_, err := g.Add("a", func(context.Context) error { count.Add(1); return nil })
	require.NoError(t, err)
	_, err = g.Add("b", func(context.Context) error { count.Add(1); return nil })
	require.NoError(t, err)
	require.NoError(t, g.Precede("a", "b"))

	for range 3 {
		require.NoError(t, e.RunAndWait(context.Background(), g))
	}
	assert.Equal(t, int32(6), count.Load())
}

func TestConcurrentRuns(t *testing.T) {
	e := newEngine(t, 4)
	var count atomic.Int32

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := graph.New("concurrent")
			for _, n := range []string{"x", "y", "z"} {
				_, err := g.Add(n, func(context.Context) error { count.Add(1); return nil })
				assert.NoError(t, err)
			}
			assert.NoError(t, g.Precede("x", "z"))
			assert.NoError(t, e.RunAndWait(context.Background(), g))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(60), count.Load())
	assert.Equal(t, int64(20), e.Stats().CompletedRuns)
}

func TestCloseWaitsForRunsThenRejects(t *testing.T) {
	e := New(Config{Workers: 1})

	release := make(chan struct{})
	g := graph.New("slow")
	_, err := g.Add("wait", func(context.Context) error { <-release; return nil })
	require.NoError(t, err)
	run := e.Run(context.Background(), g)

	closed := make(chan struct{})
	go func() {
		_ = e.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a run was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, run.Wait())
	<-closed

	assert.ErrorIs(t, e.RunAndWait(context.Background(), g), ErrClosed)
	assert.NoError(t, e.Close())
}
