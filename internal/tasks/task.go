// Package tasks runs long operations (imports, bulk assignment, large route
// optimizations) in the background behind a cancellable handle. Progress is
// polled from a Store and optionally pushed through a Publisher.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	ErrCancelled    = errors.New("task cancelled")
	ErrTimeout      = errors.New("task timed out")
	ErrNotFound     = errors.New("task not found")
	ErrShuttingDown = errors.New("task manager is shutting down")
)

// Task is the pollable view of a background job.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	State      State           `json:"state"`
	Done       int             `json:"done"`
	Total      int             `json:"total"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Progress is Done/Total in [0,1]; 0 while the total is unknown.
func (t Task) Progress() float64 {
	if t.Total <= 0 {
		return 0
	}
	p := float64(t.Done) / float64(t.Total)
	if p > 1 {
		return 1
	}
	return p
}

func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	return json.Marshal(struct {
		alias
		Progress float64 `json:"progress"`
	}{alias(t), t.Progress()})
}

// Reporter lets a running job publish progress.
type Reporter interface {
	Report(done, total int, message string)
}

// Func is the body of a task. The returned value is JSON-encoded into
// Task.Result. Implementations must stop promptly once ctx is done and
// leave no partial state behind.
type Func func(ctx context.Context, r Reporter) (interface{}, error)
