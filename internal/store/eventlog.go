package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/chainops/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
// The sequence read and the insert share one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		event.Sequence = seq
		event.Timestamp = timeOrNow(event.Timestamp)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (execution_id, step_index, event_type, payload, actor_id, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event.ExecutionID, nullInt(event.StepIndex), event.Type, nullRaw(event.Payload),
			nullStr(event.ActorID), event.Timestamp, seq,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		event.ID, _ = res.LastInsertId()
		return nil
	})
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, event_type, payload, actor_id, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type, optionally scoped to an execution and a start time.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, execution_id, step_index, event_type, payload, actor_id, timestamp, sequence
		FROM events WHERE event_type = ?`
	args := []any{eventType}
	var extra []string
	if filter.ExecutionID != "" {
		extra = append(extra, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if !filter.Since.IsZero() {
		extra = append(extra, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if len(extra) > 0 {
		query += " AND " + strings.Join(extra, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepIndex sql.NullInt64
		var payload, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepIndex, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepIndex = intPtr(stepIndex)
		e.Payload = rawOrNil(payload)
		e.ActorID = actor.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventLog rebuilds execution state from the append-only event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide replay over its event log.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// StepPayload is the payload shape written for step events.
type StepPayload struct {
	AgentRef  string         `json:"agent_ref,omitempty"`
	InputKeys []string       `json:"input_keys,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
}

// MarshalPayload encodes v for Event.Payload, returning nil for a nil value.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// ReplayEvents replays all events for an execution and returns the reconstructed
// step records keyed by step index. A gap in the sequence is reported as STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[int]*schema.ChainExecutionStep, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	steps := make(map[int]*schema.ChainExecutionStep)
	for _, e := range events {
		if e.StepIndex == nil {
			continue
		}
		idx := *e.StepIndex
		st, ok := steps[idx]
		if !ok {
			st = &schema.ChainExecutionStep{ExecutionID: executionID, StepIndex: idx, Status: schema.StepPending}
			steps[idx] = st
		}

		var p StepPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}
		if p.AgentRef != "" {
			st.AgentRef = p.AgentRef
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StepRunning
			st.StartedAt = &ts
			st.CompletedAt = nil
			st.Error = ""
			st.InputKeys = p.InputKeys
			if p.Attempt > 0 {
				st.Attempt = p.Attempt
			} else {
				st.Attempt++
			}
		case schema.EventStepCompleted:
			st.Status = schema.StepCompleted
			st.CompletedAt = &ts
			st.OutputData = p.Output
		case schema.EventStepFailed:
			st.Status = schema.StepFailed
			st.CompletedAt = &ts
			st.Error = p.Error
		}
	}
	return steps, nil
}

// LastEventAt returns the timestamp of the newest event for an execution, or the zero time.
func (el *EventLog) LastEventAt(ctx context.Context, executionID string) (time.Time, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return time.Time{}, err
	}
	if len(events) == 0 {
		return time.Time{}, nil
	}
	return events[len(events)-1].Timestamp, nil
}
