package dispatch

import (
	"fmt"
	"time"

	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/graph"
)

// Work is one queued graph execution. It is created by a producer, owned by
// the queue while waiting, and owned by the dispatcher once dequeued.
type Work struct {
	ID          string
	Graph       *graph.Graph
	Mode        string
	SubmittedAt time.Time

	setter *completion.Setter
}

// NewWork wraps g in a work item and returns the handle its submitter waits
// on. g must not be nil.
func NewWork(g *graph.Graph, mode string) (*Work, *completion.Handle) {
	setter, handle := completion.New()
	return &Work{
		ID:          setter.ID(),
		Graph:       g,
		Mode:        mode,
		SubmittedAt: time.Now(),
		setter:      setter,
	}, handle
}

// RunError is delivered through the completion handle when the runner fails.
type RunError struct {
	WorkID string
	Graph  string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("work %s (graph %q): %v", e.WorkID, e.Graph, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// PanicError wraps a panic that escaped the runner call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("runner panicked: %v", e.Value)
}
