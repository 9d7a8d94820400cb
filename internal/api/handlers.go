package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/graphfile"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/metrics"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// handleHealthz handles GET /healthz (no auth). A released executor reports
// 503 so load balancers stop routing to it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.exec.Stats()
	resp := HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:      stats.QueueSize,
		DispatcherState: stats.DispatcherState,
	}
	status := http.StatusOK
	if stats.Released {
		resp.Status = "released"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Executor:     s.exec.Stats(),
		ConfigDigest: s.config.ConfigDigest,
	}
	if j := s.exec.Journal(); j != nil {
		counts, err := j.Counts(r.Context())
		if err != nil {
			s.logger.Error("failed to count jobs", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
			return
		}
		resp.Jobs = counts
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListJobs handles GET /jobs?limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	j := s.exec.Journal()
	if j == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	limit := defaultJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobsLimit)
	}

	entries, err := j.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, JobsResponse{Jobs: entries})
}

// handleGetJob handles GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j := s.exec.Journal()
	if j == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := j.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to retrieve job", "work_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleSubmitGraphs handles POST /graphs?mode=submit|until|block&timeout=D&wait=true.
// The body is an HCL graph file; every graph in it is submitted in file
// order. Any refusal makes the response 503, with the accepted graphs still
// listed.
func (s *Server) handleSubmitGraphs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode := q.Get("mode")
	switch mode {
	case "":
		mode = metrics.ModeSubmit
	case "block":
		mode = metrics.ModeBlocking
	}
	timeout := s.config.DefaultSubmitTimeout
	switch mode {
	case metrics.ModeSubmit, metrics.ModeBlocking:
	case metrics.ModeUntil:
		if v := q.Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				s.writeError(w, http.StatusBadRequest, "timeout must be a non-negative duration")
				return
			}
			timeout = d
		}
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be one of submit, until, block")
		return
	}
	wait := q.Get("wait") == "true"

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	graphs, err := graphfile.Parse(body, "request.hcl")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := SubmitResponse{Mode: mode, Accepted: []Submission{}}
	var handles []*completion.Handle
	for _, g := range graphs {
		h, ok := s.submit(r, mode, timeout, g)
		if !ok {
			resp.Rejected = append(resp.Rejected, g.Name())
			continue
		}
		handles = append(handles, h)
		resp.Accepted = append(resp.Accepted, Submission{ID: h.ID(), Graph: g.Name()})
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
		for i, h := range handles {
			if err := h.WaitContext(r.Context()); err != nil {
				if !h.Ready() {
					// Client went away; the work keeps running.
					return
				}
				resp.Accepted[i].Status = string(journal.StatusFailed)
				resp.Accepted[i].Error = err.Error()
				continue
			}
			resp.Accepted[i].Status = string(journal.StatusSucceeded)
		}
	}
	if len(resp.Rejected) > 0 {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) submit(r *http.Request, mode string, timeout time.Duration, g *graph.Graph) (*completion.Handle, bool) {
	switch mode {
	case metrics.ModeUntil:
		return s.exec.SubmitUntil(g, timeout)
	case metrics.ModeBlocking:
		h, err := s.exec.BlockingSubmitContext(r.Context(), g)
		if err != nil {
			s.logger.Warn("blocking submission abandoned", "graph", g.Name(), "error", err)
			return nil, false
		}
		return h, true
	default:
		return s.exec.Submit(g)
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
