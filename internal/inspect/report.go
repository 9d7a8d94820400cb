// Package inspect renders journal contents for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/conduit/internal/journal"
)

// Source is the subset of the journal that reports read from.
type Source interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Counts(ctx context.Context) (map[journal.Status]int, error)
}

// Report is the structured form of a single submission.
type Report struct {
	journal.Entry
	// QueueWait is the time between submission and the start of execution.
	QueueWait *Duration `json:"queue_wait,omitempty"`
	// RunTime is the time between start and completion.
	RunTime *Duration `json:"run_time,omitempty"`
}

// Summary is the structured form of a journal listing.
type Summary struct {
	Counts  map[journal.Status]int `json:"counts"`
	Total   int                    `json:"total"`
	Entries []journal.Entry        `json:"entries"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func gatherReport(ctx context.Context, src Source, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("work id is required")
	}
	e, err := src.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("work %q: %w", id, err)
	}

	r := &Report{Entry: *e}
	if e.StartedAt != nil {
		w := Duration(e.StartedAt.Sub(e.SubmittedAt))
		r.QueueWait = &w
		if e.CompletedAt != nil {
			d := Duration(e.CompletedAt.Sub(*e.StartedAt))
			r.RunTime = &d
		}
	}
	return r, nil
}

// BuildReport renders one submission and its timings.
func BuildReport(ctx context.Context, src Source, id string) (string, error) {
	r, err := gatherReport(ctx, src, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Work Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", r.ID)
	fmt.Fprintf(&out, "Graph       : %s\n", renderUnset(r.Graph, "<unnamed>"))
	fmt.Fprintf(&out, "Mode        : %s\n", r.Mode)
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Submitted   : %s\n", r.SubmittedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Started     : %s\n", renderTime(r.StartedAt))
	fmt.Fprintf(&out, "Completed   : %s\n", renderTime(r.CompletedAt))
	if r.QueueWait != nil {
		fmt.Fprintf(&out, "Queue wait  : %s\n", time.Duration(*r.QueueWait))
	}
	if r.RunTime != nil {
		fmt.Fprintf(&out, "Run time    : %s\n", time.Duration(*r.RunTime))
	}
	if r.LastError != nil {
		fmt.Fprintf(&out, "Error       :\n")
		for _, line := range strings.Split(strings.TrimSpace(*r.LastError), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable form of BuildReport.
func BuildJSONReport(ctx context.Context, src Source, id string) (string, error) {
	r, err := gatherReport(ctx, src, id)
	if err != nil {
		return "", err
	}
	return marshal(r)
}

func gatherSummary(ctx context.Context, src Source, limit int) (*Summary, error) {
	counts, err := src.Counts(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := src.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	s := &Summary{Counts: counts, Entries: entries}
	for _, n := range counts {
		s.Total += n
	}
	if s.Entries == nil {
		s.Entries = []journal.Entry{}
	}
	return s, nil
}

// BuildSummary renders status counts followed by the newest entries.
func BuildSummary(ctx context.Context, src Source, limit int) (string, error) {
	s, err := gatherSummary(ctx, src, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	statuses := make([]string, 0, len(s.Counts))
	for st := range s.Counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", st, s.Counts[journal.Status(st)]))
	}
	fmt.Fprintf(&out, "Journal: %d entries", s.Total)
	if len(parts) > 0 {
		fmt.Fprintf(&out, " (%s)", strings.Join(parts, " "))
	}
	fmt.Fprintln(&out)

	if len(s.Entries) == 0 {
		fmt.Fprintln(&out, "No submissions recorded.")
		return out.String(), nil
	}

	fmt.Fprintln(&out)
	tw := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGRAPH\tMODE\tSTATUS\tSUBMITTED\tERROR")
	for _, e := range s.Entries {
		errText := ""
		if e.LastError != nil {
			errText = firstLine(*e.LastError, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			renderUnset(e.Graph, "-"),
			e.Mode,
			e.Status,
			e.SubmittedAt.Local().Format("2006-01-02 15:04:05"),
			errText,
		)
	}
	if err := tw.Flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// BuildJSONSummary returns the machine-readable form of BuildSummary.
func BuildJSONSummary(ctx context.Context, src Source, limit int) (string, error) {
	s, err := gatherSummary(ctx, src, limit)
	if err != nil {
		return "", err
	}
	return marshal(s)
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<pending>"
	}
	return t.Format(time.RFC3339Nano)
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
