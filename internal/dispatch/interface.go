package dispatch

import (
	"context"

	"github.com/mattjoyce/conduit/internal/graph"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/conduit/internal/dispatch GraphRunner,Recorder

// GraphRunner executes a graph to completion. *engine.Engine implements it.
type GraphRunner interface {
	RunAndWait(ctx context.Context, g *graph.Graph) error
}

// Recorder persists the lifecycle of work items. *journal.Journal
// implements it. Recorder errors are logged and never fail a work item.
type Recorder interface {
	RecordSubmit(ctx context.Context, id, graph, mode string) error
	RecordReject(ctx context.Context, id string) error
	RecordStart(ctx context.Context, id string) error
	RecordCompletion(ctx context.Context, id string, runErr error) error
}
