package store

import (
	"context"
	"time"

	"github.com/rendis/chainops/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Subjects
	CreateSubject(ctx context.Context, subject *Subject) error
	GetSubject(ctx context.Context, ref schema.SubjectRef) (*Subject, error)
	ListSubjects(ctx context.Context, filter SubjectFilter) ([]*Subject, error)
	GetStatus(ctx context.Context, ref schema.SubjectRef) (string, error)
	SetStatus(ctx context.Context, ref schema.SubjectRef, status string) error

	// Transition history (append-only)
	ApplyTransition(ctx context.Context, rec *schema.TransitionRecord) error
	AppendTransition(ctx context.Context, rec *schema.TransitionRecord) error
	ListTransitions(ctx context.Context, ref schema.SubjectRef) ([]*schema.TransitionRecord, error)

	// Transition rule sets
	PutRuleSet(ctx context.Context, rs *schema.TransitionRuleSet) error
	GetRuleSet(ctx context.Context, subjectType string) (*schema.TransitionRuleSet, error)
	ListRuleSets(ctx context.Context) ([]*schema.TransitionRuleSet, error)

	// Chains (versioned)
	CreateChain(ctx context.Context, def *schema.ChainDefinition) error
	UpdateChain(ctx context.Context, def *schema.ChainDefinition) error
	GetChain(ctx context.Context, id string) (*schema.ChainDefinition, error)
	GetChainVersion(ctx context.Context, id string, version int) (*schema.ChainDefinition, error)
	ListChains(ctx context.Context) ([]*schema.ChainDefinition, error)

	// Triggers
	CreateTrigger(ctx context.Context, t *schema.Trigger) error
	GetTrigger(ctx context.Context, id string) (*schema.Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	MarkTriggerDispatched(ctx context.Context, id string, expectedCount int64, at time.Time) error

	// Executions (optimistic versioning)
	CreateExecution(ctx context.Context, exec *schema.ChainExecution) error
	GetExecution(ctx context.Context, id string) (*schema.ChainExecution, error)
	SaveExecution(ctx context.Context, exec *schema.ChainExecution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ChainExecution, error)

	// Execution steps, keyed by (execution_id, step_index)
	UpsertExecutionStep(ctx context.Context, step *schema.ChainExecutionStep) error
	GetExecutionStep(ctx context.Context, executionID string, index int) (*schema.ChainExecutionStep, error)
	ListExecutionSteps(ctx context.Context, executionID string) ([]*schema.ChainExecutionStep, error)

	// Pause gates
	CreateGate(ctx context.Context, gate *schema.WorkflowPauseGate) error
	GetGate(ctx context.Context, id string) (*schema.WorkflowPauseGate, error)
	UpdateGate(ctx context.Context, gate *schema.WorkflowPauseGate, expected schema.GateState) error
	ListGates(ctx context.Context, filter GateFilter) ([]*schema.WorkflowPauseGate, error)

	// Execution event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
