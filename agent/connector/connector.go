// Package connector ships task payloads to processing services and hands
// results back to the agent loop via continuation callbacks. Errors travel
// as values inside Result; nothing here panics across the scheduler.
package connector

import "context"

// Task pairs a payload with the workflow task awaiting its response.
type Task struct {
	ID      string
	Payload map[string]any
}

// Result is the outcome of one service invocation: a decoded response or
// the error that replaced it.
type Result struct {
	Response any
	Err      error
}

// Ok wraps a successful response.
func Ok(response any) Result { return Result{Response: response} }

// Fail wraps an error outcome.
func Fail(err error) Result { return Result{Err: err} }

// Failed reports whether the invocation produced an error instead of a
// response.
func (r Result) Failed() bool { return r.Err != nil }

// Callback delivers a result to the agent loop. Implementations must invoke
// it exactly once per Send and may rely on it returning only after the
// result has been fully processed.
type Callback func(taskID string, result Result)

// Connector is the adapter between the agent loop and one way of reaching
// a service.
type Connector interface {
	Send(ctx context.Context, task Task, cb Callback)
}
