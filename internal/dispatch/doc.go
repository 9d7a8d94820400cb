// Package dispatch runs queued work items through the graph engine, one at a
// time, on a single dispatcher goroutine.
//
// Producers enqueue *Work items on a blockq.Queue. The dispatcher polls the
// queue with a timeout so that it can notice a stop request, and hands every
// item to the GraphRunner in FIFO order. The runner call for item k+1 never
// starts before the call for item k has returned.
//
// States:
//   - Running: poll with timeout; on timeout check for a stop request
//   - Draining: stop was requested; run whatever is still queued
//   - Stopped: the loop goroutine has returned
//
// Every dequeued item has its completion set exactly once. Runner errors and
// panics reach the submitter through the completion handle as *RunError; the
// dispatcher goroutine itself never dies because of a graph.
package dispatch
