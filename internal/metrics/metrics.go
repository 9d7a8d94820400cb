// Package metrics holds the Prometheus metrics of one executor instance.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission modes, used as the mode label.
const (
	ModeSubmit   = "submit"
	ModeUntil    = "until"
	ModeBlocking = "blocking"
)

// Submission results, used as the result label.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Dispatch outcomes, used as the status label.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Metrics is the executor metric set. A nil *Metrics ignores every call.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	DispatchedTotal  *prometheus.CounterVec
	GraphRunSeconds  prometheus.Histogram
	QueueWaitSeconds prometheus.Histogram
	DispatcherState  prometheus.Gauge
}

// New registers the metric set on a fresh registry. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg)
}

// NewWith registers the metric set on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_submissions_total",
				Help: "Total number of graph submissions",
			},
			[]string{"mode", "result"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_queue_depth",
				Help: "Number of work items waiting in the queue",
			},
		),
		DispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_dispatched_total",
				Help: "Total number of work items run by the dispatcher",
			},
			[]string{"status"},
		),
		GraphRunSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_graph_run_seconds",
				Help:    "Time spent inside the engine per dispatched graph",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms to ~65s
			},
		),
		QueueWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_queue_wait_seconds",
				Help:    "Time between submission and dispatch",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		DispatcherState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_dispatcher_state",
				Help: "Dispatcher state: 0 running, 1 draining, 2 stopped",
			},
		),
	}
}

// ObserveSubmission counts one submission attempt.
func (m *Metrics) ObserveSubmission(mode string, accepted bool) {
	if m == nil {
		return
	}
	result := ResultAccepted
	if !accepted {
		result = ResultRejected
	}
	m.SubmissionsTotal.WithLabelValues(mode, result).Inc()
}

// SetQueueDepth records the current queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveDispatch records one finished work item.
func (m *Metrics) ObserveDispatch(wait, run time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	m.DispatchedTotal.WithLabelValues(status).Inc()
	m.QueueWaitSeconds.Observe(wait.Seconds())
	m.GraphRunSeconds.Observe(run.Seconds())
}

// SetDispatcherState records the dispatcher state as its ordinal.
func (m *Metrics) SetDispatcherState(state int) {
	if m == nil {
		return
	}
	m.DispatcherState.Set(float64(state))
}

// Gatherer returns the registry as a prometheus.Gatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.Registry
}
