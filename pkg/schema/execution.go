package schema

import "time"

// ChainExecution is one run of a chain definition against a triggering subject.
// Steps is the definition frozen at start; later edits to the chain do not affect it.
type ChainExecution struct {
	ID                string          `json:"id"`
	ChainID           string          `json:"chain_id"`
	ChainName         string          `json:"chain_name,omitempty"`
	ChainVersion      int             `json:"chain_version"`
	Steps             []StepSpec      `json:"steps"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepIndex  int             `json:"current_step_index"`
	Context           map[string]any  `json:"context"`
	ContextVersion    int64           `json:"context_version"`
	TriggerSubject    SubjectRef      `json:"trigger_subject"`
	TriggerID         string          `json:"trigger_id,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	GateID            string          `json:"gate_id,omitempty"`
	PauseReason       string          `json:"pause_reason,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Version           int64           `json:"version"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	PausedAt          *time.Time      `json:"paused_at,omitempty"`
	ResumedAt         *time.Time      `json:"resumed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Done reports whether the execution has reached an absorbing status.
func (e *ChainExecution) Done() bool {
	return e.Status.IsTerminal()
}

// ChainExecutionStep is one step's run record, keyed by (ExecutionID, StepIndex).
type ChainExecutionStep struct {
	ExecutionID string         `json:"execution_id"`
	StepIndex   int            `json:"step_index"`
	AgentRef    string         `json:"agent_ref"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	InputKeys   []string       `json:"input_keys,omitempty"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Duration is derived from the step timestamps; zero while the step is unfinished.
func (s *ChainExecutionStep) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
