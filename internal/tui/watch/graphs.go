package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/conduit/internal/events"
)

// GraphState aggregates the work items seen for one graph name.
type GraphState struct {
	Name      string
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Rejected  int
	LastRun   time.Duration
	LastError string
	LastSeen  time.Time
}

// DispatchState mirrors the latest dispatcher.state event.
type DispatchState struct {
	State     string
	Processed uint64
}

// applyEvent folds one event into the graph and dispatcher state.
func applyEvent(graphs map[string]*GraphState, ds *DispatchState, e events.Event) {
	if e.Type == events.TypeDispatcherState {
		var s events.State
		if json.Unmarshal(e.Data, &s) == nil {
			ds.State = s.State
			ds.Processed = s.Processed
		}
		return
	}
	if !strings.HasPrefix(e.Type, "work.") {
		return
	}

	var w events.Work
	if err := json.Unmarshal(e.Data, &w); err != nil || w.Graph == "" {
		return
	}
	g, ok := graphs[w.Graph]
	if !ok {
		g = &GraphState{Name: w.Graph}
		graphs[w.Graph] = g
	}
	g.LastSeen = e.At

	switch e.Type {
	case events.TypeWorkQueued:
		g.Queued++
	case events.TypeWorkRejected:
		g.Rejected++
	case events.TypeWorkStarted:
		// A stream joined mid-flight can see a start without its queue event.
		if g.Queued > 0 {
			g.Queued--
		}
		g.Running++
	case events.TypeWorkCompleted:
		if g.Running > 0 {
			g.Running--
		}
		g.LastRun = time.Duration(w.DurationMS) * time.Millisecond
		if w.Error != "" {
			g.Failed++
			g.LastError = w.Error
		} else {
			g.Succeeded++
		}
	}
}

func sortedGraphNames(graphs map[string]*GraphState) []string {
	names := make([]string, 0, len(graphs))
	for name := range graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func graphColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Graph", Width: 24},
		{Title: "Queued", Width: 7},
		{Title: "Run", Width: 4},
		{Title: "OK", Width: 6},
		{Title: "Fail", Width: 6},
		{Title: "Rej", Width: 6},
		{Title: "Last", Width: 8},
		{Title: "Last error", Width: 20},
	}
	// Give any spare width to the error column.
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	if spare := width - 8 - used; spare > 0 {
		cols[len(cols)-1].Width += spare
	}
	return cols
}

func graphRows(graphs map[string]*GraphState) []table.Row {
	rows := make([]table.Row, 0, len(graphs))
	for _, name := range sortedGraphNames(graphs) {
		g := graphs[name]
		last := "-"
		if g.Succeeded+g.Failed > 0 {
			last = g.LastRun.String()
		}
		rows = append(rows, table.Row{
			g.Name,
			fmt.Sprint(g.Queued),
			fmt.Sprint(g.Running),
			fmt.Sprint(g.Succeeded),
			fmt.Sprint(g.Failed),
			fmt.Sprint(g.Rejected),
			last,
			g.LastError,
		})
	}
	return rows
}
