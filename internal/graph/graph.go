// Package graph defines the work graph handed to the engine: a named set of
// tasks with "runs before" edges between them.
//
// A Graph is built once and then only read. The engine keeps per-run state on
// its side, so a graph may be run again after a previous run has finished.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCycle is returned when the edges of a graph form a cycle.
var ErrCycle = errors.New("graph contains a cycle")

// TaskFunc is the body of a task.
type TaskFunc func(ctx context.Context) error

// Task is a single node of a Graph.
type Task struct {
	name       string
	fn         TaskFunc
	deps       []*Task
	dependents []*Task
}

// Name returns the task name, unique within its graph.
func (t *Task) Name() string { return t.name }

// Run executes the task body. A task without a body succeeds immediately.
func (t *Task) Run(ctx context.Context) error {
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx)
}

// Deps returns the tasks that must finish before t starts.
func (t *Task) Deps() []*Task { return t.deps }

// Dependents returns the tasks waiting on t.
func (t *Task) Dependents() []*Task { return t.dependents }

// Graph is a directed acyclic graph of tasks.
type Graph struct {
	name  string
	mu    sync.RWMutex
	tasks map[string]*Task
	order []*Task
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:  name,
		tasks: make(map[string]*Task),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Add registers a task. Names must be unique within the graph.
func (g *Graph) Add(name string, fn TaskFunc) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("task name is empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[name]; ok {
		return nil, fmt.Errorf("duplicate task %q in graph %q", name, g.name)
	}
	t := &Task{name: name, fn: fn}
	g.tasks[name] = t
	g.order = append(g.order, t)
	return t, nil
}

// Precede adds an edge so that task from finishes before task to starts.
// Adding the same edge twice is a no-op.
func (g *Graph) Precede(from, to string) error {
	if from == to {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", from, to)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.tasks[from]
	if !ok {
		return fmt.Errorf("source task not found: %s", from)
	}
	dst, ok := g.tasks[to]
	if !ok {
		return fmt.Errorf("destination task not found: %s", to)
	}
	for _, d := range dst.deps {
		if d == src {
			return nil
		}
	}
	dst.deps = append(dst.deps, src)
	src.dependents = append(src.dependents, dst)
	return nil
}

// Task looks up a task by name.
func (g *Graph) Task(name string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// TopoOrder returns the task names in an order that respects every edge.
// Ties are broken by insertion order.
func (g *Graph) TopoOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[*Task]int, len(g.order))
	var ready []*Task
	for _, t := range g.order {
		indeg[t] = len(t.deps)
		if len(t.deps) == 0 {
			ready = append(ready, t)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		t := ready[0]
		ready = ready[1:]
		out = append(out, t.name)
		for _, d := range t.dependents {
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(out) != len(g.order) {
		return nil, fmt.Errorf("graph %q: %w", g.name, ErrCycle)
	}
	return out, nil
}

// Validate checks that the graph is acyclic.
func (g *Graph) Validate() error {
	_, err := g.TopoOrder()
	return err
}
