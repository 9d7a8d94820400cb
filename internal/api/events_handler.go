package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents handles GET /events. Clients that accept text/event-stream get
// a live SSE stream starting after Last-Event-ID (or ?since=); everyone else
// gets a JSON snapshot of the buffered events after ?since=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hub := s.exec.Events()

	since := parseEventID(r.URL.Query().Get("since"))
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		evs := hub.SnapshotSince(since)
		if evs == nil {
			evs = []events.Event{}
		}
		respondJSON(w, http.StatusOK, EventsResponse{LastID: hub.LastID(), Events: evs})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		since = parseEventID(v)
	}

	// Subscribe before the snapshot so nothing published in between is lost;
	// the id check below drops the overlap.
	ch, cancel := hub.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := since
	for _, ev := range hub.SnapshotSince(since) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		last = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= last {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			last = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Payloads are single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
