package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, rows int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, rows)
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeWorkCompleted:
		typeStyle = theme.StatusOK
		if eventError(e) != "" {
			typeStyle = theme.StatusFailed
		}
	case events.TypeWorkRejected, events.TypeScheduleSkipped:
		typeStyle = theme.StatusFailed
	case events.TypeWorkStarted:
		typeStyle = theme.StatusRunning
	case events.TypeDispatcherState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-17s", e.Type)), describeEvent(e))
}

func eventError(e events.Event) string {
	var w events.Work
	_ = json.Unmarshal(e.Data, &w)
	return w.Error
}

// describeEvent is the one-line summary shown after the event type.
func describeEvent(e events.Event) string {
	if e.Type == events.TypeDispatcherState {
		var s events.State
		if json.Unmarshal(e.Data, &s) == nil {
			return fmt.Sprintf("%s (processed %d)", s.State, s.Processed)
		}
	}

	if e.Type == events.TypeScheduleFired || e.Type == events.TypeScheduleSkipped {
		var s events.Schedule
		if json.Unmarshal(e.Data, &s) == nil {
			parts := []string{s.Name}
			if s.Graph != "" {
				parts = append(parts, s.Graph)
			}
			if s.WorkID != "" {
				parts = append(parts, fmt.Sprintf("[%s]", shorten(s.WorkID, 8)))
			}
			if s.Reason != "" {
				parts = append(parts, s.Reason)
			}
			return strings.Join(parts, " ")
		}
	}

	var w events.Work
	if err := json.Unmarshal(e.Data, &w); err != nil || w.ID == "" {
		return shorten(string(e.Data), 60)
	}

	parts := []string{fmt.Sprintf("[%s]", shorten(w.ID, 8)), w.Graph}
	if w.Mode != "" {
		parts = append(parts, w.Mode)
	}
	if e.Type == events.TypeWorkCompleted {
		parts = append(parts, fmt.Sprintf("%dms", w.DurationMS))
	}
	if w.Error != "" {
		parts = append(parts, shorten(w.Error, 60))
	}
	return strings.Join(parts, " ")
}
