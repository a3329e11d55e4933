// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"time"
)

// Event describes a job that reached a terminal state.
type Event struct {
	JobID      string    `json:"job_id"`
	Operation  string    `json:"operation"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Outputs    []string  `json:"outputs,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	NextID     string    `json:"next_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Compile-time check that NopPublisher implements Publisher.
var _ Publisher = NopPublisher{}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
