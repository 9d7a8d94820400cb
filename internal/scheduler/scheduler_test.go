package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestScheduler builds a scheduler with a fixed clock, no jitter and a
// loader that returns one graph per requested name.
func newTestScheduler(t *testing.T, cfg Config, sub Submitter, pruner Pruner) (*Scheduler, *events.Hub, *time.Time) {
	t.Helper()
	logger, _ := NewTestSlogger()
	hub := events.NewHub(64)
	s := New(cfg, sub, pruner, hub, logger)

	now := t0
	s.now = func() time.Time { return now }
	s.jitter = func(time.Duration) time.Duration { return 0 }
	s.load = func(path string) ([]*graph.Graph, error) {
		return []*graph.Graph{graph.New(filepath.Base(path))}, nil
	}
	return s, hub, &now
}

type graphNameMatcher string

func (m graphNameMatcher) Matches(x any) bool {
	g, ok := x.(*graph.Graph)
	return ok && g.Name() == string(m)
}

func (m graphNameMatcher) String() string { return "graph named " + string(m) }

func graphNamed(name string) gomock.Matcher { return graphNameMatcher(name) }

func accepted() (*completion.Setter, *completion.Handle) {
	return completion.New()
}

func schedulePayloads(t *testing.T, hub *events.Hub, typ string) []events.Schedule {
	t.Helper()
	var out []events.Schedule
	for _, e := range hub.SnapshotSince(0) {
		if e.Type != typ {
			continue
		}
		var s events.Schedule
		require.NoError(t, json.Unmarshal(e.Data, &s))
		out = append(out, s)
	}
	return out
}

func TestRandomJitter(t *testing.T) {
	tests := []struct {
		name   string
		jitter time.Duration
	}{
		{name: "No Jitter", jitter: 0},
		{name: "Small Jitter", jitter: 30 * time.Second},
		{name: "Large Jitter", jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				j := randomJitter(tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, time.Duration(0), j)
				} else {
					assert.GreaterOrEqual(t, j, time.Duration(0))
					assert.Less(t, j, tt.jitter)
				}
			}
		})
	}
}

func TestNewSortsAndDropsInvalidEntries(t *testing.T) {
	logger, buf := NewTestSlogger()
	s := New(Config{Entries: []config.ScheduleEntry{
		{Name: "zeta", File: "z.hcl", Every: "1m"},
		{Name: "alpha", File: "a.hcl", Every: "hourly"},
		{Name: "broken", File: "b.hcl", Every: "sometimes"},
	}}, nil, nil, nil, logger)

	require.Len(t, s.entries, 2)
	assert.Equal(t, "alpha", s.entries[0].Name)
	assert.Equal(t, time.Hour, s.entries[0].every)
	assert.Equal(t, "zeta", s.entries[1].Name)
	assert.Contains(t, buf.String(), "Dropping schedule with invalid interval")
	assert.Equal(t, time.Second, s.cfg.Tick)
}

func TestTickFiresDueEntriesInNameOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	cfg := Config{Entries: []config.ScheduleEntry{
		{Name: "often", File: "/g/often.hcl", Every: "1m"},
		{Name: "hourly", File: "/g/hourly.hcl", Every: "hourly"},
	}}
	s, hub, now := newTestScheduler(t, cfg, sub, nil)
	s.arm(*now)

	var setters []*completion.Setter
	submit := func(*graph.Graph) (*completion.Handle, bool) {
		set, h := accepted()
		setters = append(setters, set)
		return h, true
	}
	gomock.InOrder(
		sub.EXPECT().Submit(graphNamed("hourly.hcl")).DoAndReturn(submit),
		sub.EXPECT().Submit(graphNamed("often.hcl")).DoAndReturn(submit),
	)
	s.tick(context.Background())
	for _, set := range setters {
		require.NoError(t, set.Set(nil))
	}

	// Thirty seconds later nothing is due.
	*now = t0.Add(30 * time.Second)
	s.tick(context.Background())

	// After a minute only the one-minute entry fires again.
	*now = t0.Add(time.Minute)
	sub.EXPECT().Submit(graphNamed("often.hcl")).DoAndReturn(submit)
	s.tick(context.Background())

	fired := schedulePayloads(t, hub, events.TypeScheduleFired)
	require.Len(t, fired, 3)
	assert.Equal(t, "hourly", fired[0].Name)
	assert.NotEmpty(t, fired[0].WorkID)
	assert.Equal(t, "often", fired[2].Name)
}

func TestOutstandingRunSkips(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	cfg := Config{Entries: []config.ScheduleEntry{{Name: "slow", File: "/g/slow.hcl", Every: "1m"}}}
	s, hub, now := newTestScheduler(t, cfg, sub, nil)
	s.arm(*now)

	set, h := accepted()
	sub.EXPECT().Submit(gomock.Any()).Return(h, true)
	s.tick(context.Background())

	*now = t0.Add(time.Minute)
	s.tick(context.Background())

	skipped := schedulePayloads(t, hub, events.TypeScheduleSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonOutstanding, skipped[0].Reason)

	// Once the earlier run completes the entry fires again.
	require.NoError(t, set.Set(nil))
	_, h2 := accepted()
	sub.EXPECT().Submit(gomock.Any()).Return(h2, true)
	*now = t0.Add(2 * time.Minute)
	s.tick(context.Background())
	assert.Len(t, schedulePayloads(t, hub, events.TypeScheduleFired), 2)
}

func TestQueueFullPublishesSkip(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	cfg := Config{Entries: []config.ScheduleEntry{{Name: "burst", File: "/g/burst.hcl", Every: "1m"}}}
	s, hub, now := newTestScheduler(t, cfg, sub, nil)
	s.arm(*now)

	sub.EXPECT().Submit(gomock.Any()).Return(nil, false)
	s.tick(context.Background())

	skipped := schedulePayloads(t, hub, events.TypeScheduleSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, events.Schedule{Name: "burst", Graph: "burst.hcl", Reason: ReasonQueueFull}, skipped[0])

	// A refused submission leaves nothing outstanding.
	sub.EXPECT().Submit(gomock.Any()).Return(nil, false)
	*now = t0.Add(time.Minute)
	s.tick(context.Background())
	assert.Len(t, schedulePayloads(t, hub, events.TypeScheduleSkipped), 2)
}

func TestLoadFailureAndMissingGraph(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	cfg := Config{Entries: []config.ScheduleEntry{
		{Name: "a-missing", File: "/g/ok.hcl", Graph: "nope", Every: "1m"},
		{Name: "b-unreadable", File: "/g/bad.hcl", Every: "1m"},
		{Name: "c-picked", File: "/g/two.hcl", Graph: "second", Every: "1m"},
	}}
	s, hub, now := newTestScheduler(t, cfg, sub, nil)
	s.load = func(path string) ([]*graph.Graph, error) {
		switch path {
		case "/g/bad.hcl":
			return nil, errors.New("parse error")
		case "/g/two.hcl":
			return []*graph.Graph{graph.New("first"), graph.New("second")}, nil
		}
		return []*graph.Graph{graph.New("ok")}, nil
	}
	s.arm(*now)

	_, h := accepted()
	sub.EXPECT().Submit(graphNamed("second")).Return(h, true)
	s.tick(context.Background())

	skipped := schedulePayloads(t, hub, events.TypeScheduleSkipped)
	require.Len(t, skipped, 2)
	assert.Equal(t, ReasonGraphNotFound, skipped[0].Reason)
	assert.Equal(t, "nope", skipped[0].Graph)
	assert.Equal(t, ReasonLoadFailed, skipped[1].Reason)
}

func TestPruneCadence(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)

	cfg := Config{Retention: 24 * time.Hour, PruneInterval: time.Hour}
	s, _, now := newTestScheduler(t, cfg, nil, pruner)

	pruner.EXPECT().Prune(gomock.Any(), 24*time.Hour).Return(int64(3), nil)
	s.tick(context.Background())

	*now = t0.Add(30 * time.Minute)
	s.tick(context.Background())

	pruner.EXPECT().Prune(gomock.Any(), 24*time.Hour).Return(int64(0), errors.New("disk"))
	*now = t0.Add(time.Hour)
	s.tick(context.Background())
}

func TestPruneDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	pruner := mocks.NewMockPruner(ctrl)

	s, _, _ := newTestScheduler(t, Config{Retention: 0}, nil, pruner)
	s.tick(context.Background())

	s, _, _ = newTestScheduler(t, Config{Retention: time.Hour}, nil, nil)
	s.tick(context.Background())
}

func TestStartStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	dir := t.TempDir()
	file := filepath.Join(dir, "tick.hcl")
	require.NoError(t, os.WriteFile(file, []byte(`
graph "tick" {
  task "a" {
    action  = "log"
    message = "tick"
  }
}
`), 0o644))

	logger, _ := NewTestSlogger()
	s := New(Config{
		Tick:    5 * time.Millisecond,
		Entries: []config.ScheduleEntry{{Name: "tick", File: file, Every: "10ms"}},
	}, sub, nil, nil, logger)

	fired := make(chan string, 16)
	sub.EXPECT().Submit(gomock.Any()).DoAndReturn(func(g *graph.Graph) (*completion.Handle, bool) {
		fired <- g.Name()
		set, h := accepted()
		_ = set.Set(nil)
		return h, true
	}).MinTimes(2)

	s.Start(context.Background())
	for range 2 {
		select {
		case name := <-fired:
			assert.Equal(t, "tick", name)
		case <-time.After(3 * time.Second):
			t.Fatal("scheduler did not fire")
		}
	}
	s.Stop()
	s.Stop()
}
