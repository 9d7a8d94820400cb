// Package scheduler submits configured graph files on a fixed cadence and
// keeps the journal trimmed while serve runs.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/graphfile"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/conduit/internal/scheduler Submitter,Pruner

// Submitter accepts graphs without blocking.
type Submitter interface {
	Submit(g *graph.Graph) (*completion.Handle, bool)
}

// Pruner trims terminal journal entries.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Loader reads the graphs of one file.
type Loader func(path string) ([]*graph.Graph, error)

// Skip reasons published with schedule.skipped.
const (
	ReasonLoadFailed    = "load_failed"
	ReasonGraphNotFound = "graph_not_found"
	ReasonOutstanding   = "previous_run_outstanding"
	ReasonQueueFull     = "queue_full"
)

// Config drives a Scheduler.
type Config struct {
	Tick          time.Duration
	Entries       []config.ScheduleEntry
	Retention     time.Duration
	PruneInterval time.Duration
}

// FromConfig builds a scheduler Config from the loaded configuration.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Tick:          cfg.Schedule.Tick,
		Entries:       cfg.Schedule.Entries,
		Retention:     cfg.Journal.Retention,
		PruneInterval: time.Hour,
	}
}

type entry struct {
	config.ScheduleEntry
	every       time.Duration
	next        time.Time
	outstanding []*completion.Handle
}

// Scheduler fires schedule entries into a Submitter.
type Scheduler struct {
	cfg    Config
	sub    Submitter
	pruner Pruner
	events *events.Hub
	logger *slog.Logger

	load   Loader
	now    func() time.Time
	jitter func(time.Duration) time.Duration

	entries   []*entry
	lastPrune time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. pruner may be nil when the journal is disabled.
// Entries must already be validated by config loading.
func New(cfg Config, sub Submitter, pruner Pruner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	s := &Scheduler{
		cfg:    cfg,
		sub:    sub,
		pruner: pruner,
		events: hub,
		logger: logger.With("component", "scheduler"),
		load:   graphfile.Load,
		now:    time.Now,
		jitter: randomJitter,
		stopCh: make(chan struct{}),
	}
	for _, e := range cfg.Entries {
		every, err := config.ParseInterval(e.Every)
		if err != nil {
			s.logger.Error("Dropping schedule with invalid interval", "schedule", e.Name, "every", e.Every, "error", err)
			continue
		}
		s.entries = append(s.entries, &entry{ScheduleEntry: e, every: every})
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].Name < s.entries[j].Name })
	return s
}

// Start arms every entry and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.arm(s.now())
	s.logger.Info("Starting scheduler", "entries", len(s.entries), "tick", s.cfg.Tick)

	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop ends the tick loop. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

// arm makes every entry due at now plus its jitter, so that restarts do not
// fire all entries at the same instant.
func (s *Scheduler) arm(now time.Time) {
	for _, e := range s.entries {
		e.next = now.Add(s.jitter(e.Jitter))
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick fires every due entry, then prunes the journal when due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.fire(e)
		e.next = now.Add(e.every + s.jitter(e.Jitter))
	}
	s.prune(ctx, now)
}

func (s *Scheduler) fire(e *entry) {
	e.outstanding = pending(e.outstanding)
	if len(e.outstanding) > 0 {
		s.skip(e, "", ReasonOutstanding)
		return
	}

	graphs, err := s.load(e.File)
	if err != nil {
		s.logger.Error("Failed to load scheduled graphs", "schedule", e.Name, "file", e.File, "error", err)
		s.skip(e, "", ReasonLoadFailed)
		return
	}
	if e.Graph != "" {
		graphs = only(graphs, e.Graph)
		if len(graphs) == 0 {
			s.logger.Error("Scheduled graph not found in file", "schedule", e.Name, "graph", e.Graph, "file", e.File)
			s.skip(e, e.Graph, ReasonGraphNotFound)
			return
		}
	}

	for _, g := range graphs {
		h, ok := s.sub.Submit(g)
		if !ok {
			s.logger.Warn("Scheduled graph refused by the queue", "schedule", e.Name, "graph", g.Name())
			s.skip(e, g.Name(), ReasonQueueFull)
			continue
		}
		e.outstanding = append(e.outstanding, h)
		s.events.Publish(events.TypeScheduleFired, events.Schedule{Name: e.Name, Graph: g.Name(), WorkID: h.ID()})
		s.logger.Info("Submitted scheduled graph", "schedule", e.Name, "graph", g.Name(), "work_id", h.ID())
	}
}

func (s *Scheduler) skip(e *entry, graphName, reason string) {
	s.events.Publish(events.TypeScheduleSkipped, events.Schedule{Name: e.Name, Graph: graphName, Reason: reason})
	s.logger.Debug("Skipped schedule", "schedule", e.Name, "graph", graphName, "reason", reason)
}

func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	if s.pruner == nil || s.cfg.Retention <= 0 || now.Sub(s.lastPrune) < s.cfg.PruneInterval {
		return
	}
	s.lastPrune = now
	n, err := s.pruner.Prune(ctx, s.cfg.Retention)
	switch {
	case err != nil && ctx.Err() == nil:
		s.logger.Error("Failed to prune journal", "error", err)
	case n > 0:
		s.logger.Info("Pruned journal", "rows", n, "retention", s.cfg.Retention)
	}
}

// pending drops handles that have completed.
func pending(hs []*completion.Handle) []*completion.Handle {
	out := hs[:0]
	for _, h := range hs {
		if !h.Ready() {
			out = append(out, h)
		}
	}
	return out
}

func only(graphs []*graph.Graph, name string) []*graph.Graph {
	for _, g := range graphs {
		if g.Name() == name {
			return []*graph.Graph{g}
		}
	}
	return nil
}

// randomJitter returns a random duration in [0, jitter).
func randomJitter(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
