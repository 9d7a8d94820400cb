package api

import (
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/executor"
	"github.com/mattjoyce/conduit/internal/journal"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      int    `json:"queue_depth"`
	DispatcherState string `json:"dispatcher_state"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Executor     executor.Stats         `json:"executor"`
	Jobs         map[journal.Status]int `json:"jobs,omitempty"`
	ConfigDigest string                 `json:"config_digest,omitempty"`
}

// JobsResponse is returned by GET /jobs.
type JobsResponse struct {
	Jobs []journal.Entry `json:"jobs"`
}

// EventsResponse is returned by GET /events for non-streaming clients.
type EventsResponse struct {
	LastID int64          `json:"last_id"`
	Events []events.Event `json:"events"`
}

// Submission is one graph accepted by POST /graphs.
type Submission struct {
	ID    string `json:"id"`
	Graph string `json:"graph"`
	// Status and Error are set only when the request asked to wait.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubmitResponse is returned by POST /graphs.
type SubmitResponse struct {
	Mode     string       `json:"mode"`
	Accepted []Submission `json:"accepted"`
	// Rejected names the graphs the queue refused.
	Rejected []string `json:"rejected,omitempty"`
}
