package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/blockq"
)

// ServerState is what the header shows, refreshed from /stats.
type ServerState struct {
	Stats     api.StatsResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(s ServerState, ds DispatchState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	state := s.Stats.Executor.DispatcherState
	if ds.State != "" {
		state = ds.State
	}
	var statusText string
	switch {
	case !s.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case s.Stats.Executor.Released:
		statusText = theme.StatusQueued.Render("RELEASED")
	case state == "draining":
		statusText = theme.StatusRunning.Render("DRAINING")
	default:
		statusText = theme.StatusOK.Render(strings.ToUpper(state))
	}

	capacity := "∞"
	if c := s.Stats.Executor.QueueCapacity; c != blockq.Unbounded {
		capacity = fmt.Sprint(c)
	}
	queue := fmt.Sprintf("%d/%s", s.Stats.Executor.QueueSize, capacity)
	if s.Stats.Executor.QueueFull {
		queue = theme.StatusFailed.Render(queue + " FULL")
	}

	processed := s.Stats.Executor.Processed
	if ds.Processed > processed {
		processed = ds.Processed
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := " CONDUIT WATCH"
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  Queue: %s  Processed: %d  Active runs: %d  Workers: %d",
		statusText,
		queue,
		processed,
		s.Stats.Executor.Engine.ActiveRuns,
		s.Stats.Executor.Engine.Workers,
	)

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = formatAgo(now.Sub(pulse.LastEvent())) + " ago"
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, pulse.Render(theme))

	lines := []string{titleLine, statsLine, activityLine}
	if d := s.Stats.ConfigDigest; d != "" {
		lines = append(lines, theme.Dim.Render(" config blake3 "+shorten(d, 16)))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatAgo(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
