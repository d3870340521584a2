package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chainops/pkg/schema"
)

// Subject is the generic persisted form of a transitionable entity.
// Attributes hold the fields trigger conditions are evaluated against.
type Subject struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Ref returns the subject reference.
func (s *Subject) Ref() schema.SubjectRef {
	return schema.SubjectRef{Type: s.Type, ID: s.ID}
}

// Snapshot returns a flat view of the subject for trigger evaluation and chain context.
func (s *Subject) Snapshot() map[string]any {
	out := make(map[string]any, len(s.Attributes)+3)
	for k, v := range s.Attributes {
		out[k] = v
	}
	out["id"] = s.ID
	out["type"] = s.Type
	out["status"] = s.Status
	return out
}

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepIndex   *int            `json:"step_index,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ActorID     string          `json:"actor_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// SubjectFilter controls which subjects are returned by ListSubjects.
type SubjectFilter struct {
	Type   string
	Status string
	Limit  int
}

// TriggerFilter controls which triggers are returned by ListTriggers.
type TriggerFilter struct {
	EntityType string
	Enabled    *bool
	ChainID    string
}

// TriggerUpdate holds the mutable trigger fields. Nil fields are left unchanged.
type TriggerUpdate struct {
	Name       *string
	Enabled    *bool
	Priority   *int
	Conditions map[string]any
	ChainID    *string
}

// ExecutionFilter controls which executions are returned by ListExecutions.
type ExecutionFilter struct {
	Status        *schema.ExecutionStatus
	Subject       *schema.SubjectRef
	ChainID       string
	UpdatedBefore *time.Time
	Limit         int
}

// GateFilter controls which gates are returned by ListGates.
type GateFilter struct {
	ExecutionID string
	AgentID     string
	State       schema.GateState
	Limit       int
}

// EventFilter controls which events are returned by GetEventsByType.
type EventFilter struct {
	ExecutionID string
	Since       time.Time
	Limit       int
}
