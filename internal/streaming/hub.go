// Package streaming fans out execution and transition events to live subscribers.
package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is a real-time event emitted by the ledger, dispatcher or engine.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	StepIndex   *int      `json:"step_index,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	EventType   string    `json:"event_type"`
	Sequence    int64     `json:"sequence,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.Subject != "" && f.Subject != e.Subject {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
