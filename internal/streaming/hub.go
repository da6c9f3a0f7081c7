// Package streaming fans run lifecycle events out to live subscribers.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while workflows are triggered and run.
type StreamEvent struct {
	Workflow  string    `json:"workflow"`
	RunID     string    `json:"run_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	Workflow   string   `json:"workflow,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events. The func returned by
// Subscribe ends the subscription and closes its channel.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
