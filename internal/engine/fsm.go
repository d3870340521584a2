package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

// TransitionHook is called after a state transition has been recorded.
type TransitionHook func(ctx context.Context, executionID string, from, to string)

// EventAppender is satisfied by the Store; used by the FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM guards chain execution lifecycle transitions.
//
// Callers validate with Check while mutating the record and call Transition
// only after the new status has been saved, so retried saves never emit twice.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Check reports whether from -> to is a legal execution transition.
func (f *ExecutionFSM) Check(executionID string, from, to schema.ExecutionStatus) error {
	if slices.Contains(ValidExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// Transition validates from -> to, emits the corresponding event and runs hooks.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	if err := f.Check(executionID, from, to); err != nil {
		return err
	}

	if eventType := executionEventType(from, to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
			Payload:     store.MarshalPayload(payload),
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	f.mu.Lock()
	hooks := slices.Clone(f.after[executionHookKey{from, to}])
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, executionID, string(from), string(to))
	}
	return nil
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM guards step run transitions.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a new StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and emits a step transition. Running -> Running is the
// re-invocation of a step that was interrupted.
func (f *StepFSM) Transition(ctx context.Context, executionID string, index int, from, to schema.StepStatus, payload any) error {
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid step transition: %s -> %s", from, to).
			WithStep(index).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(to)
	if eventType == "" {
		return nil
	}
	idx := index
	var raw json.RawMessage
	if payload != nil {
		raw = store.MarshalPayload(payload)
	}
	event := &store.Event{
		ExecutionID: executionID,
		StepIndex:   &idx,
		Type:        eventType,
		Payload:     raw,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
			WithStep(index).WithCause(err)
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for chain executions.
// Running and Paused are the only reversible pair; Completed and Failed are absorbing.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionFailed},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}

// ValidStepTransitions defines the allowed state transitions for step runs.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning},
	schema.StepRunning:   {schema.StepRunning, schema.StepCompleted, schema.StepFailed},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
}
