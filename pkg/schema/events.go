package schema

// Event type constants for the execution event log and the live stream.
const (
	EventTransitionOccurred = "transition_occurred"

	EventTriggerMatched    = "trigger_matched"
	EventTriggerDispatched = "trigger_dispatched"
	EventTriggerSuppressed = "trigger_suppressed"

	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionRecovered = "execution_recovered"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventParallelStarted   = "parallel_started"
	EventParallelCompleted = "parallel_completed"

	EventGateOpened    = "gate_opened"
	EventGateApproved  = "gate_approved"
	EventGateRejected  = "gate_rejected"
	EventGateCompleted = "gate_completed"

	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventConflictRetried    = "conflict_retried"
)

// ExecutionStatus represents the lifecycle state of a chain execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether the status is absorbing.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionPaused, ExecutionCompleted, ExecutionFailed:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of one chain step run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// IsTerminal reports whether the step run has been finalized.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}
