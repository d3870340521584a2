package schema

import "time"

// GateState is the derived state of a pause gate. It is never stored.
type GateState string

const (
	GateRunning   GateState = "running"
	GatePaused    GateState = "paused"
	GateCompleted GateState = "completed"
	GateRejected  GateState = "rejected"
)

// WorkflowPauseGate marks an agent invocation awaiting human approval.
// Gates opened by the chain engine carry ExecutionID and StepIndex.
type WorkflowPauseGate struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	CurrentNode      string         `json:"current_node"`
	StateData        map[string]any `json:"state_data,omitempty"`
	PauseReason      string         `json:"pause_reason,omitempty"`
	ApprovalRequired bool           `json:"approval_required"`
	ApprovableRef    string         `json:"approvable_ref,omitempty"`
	ExecutionID      string         `json:"execution_id,omitempty"`
	StepIndex        *int           `json:"step_index,omitempty"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	RejectedBy       string         `json:"rejected_by,omitempty"`
	RejectionReason  string         `json:"rejection_reason,omitempty"`
	PausedAt         *time.Time     `json:"paused_at,omitempty"`
	ResumedAt        *time.Time     `json:"resumed_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RejectedAt       *time.Time     `json:"rejected_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// State derives the gate state from its timestamps.
func (g *WorkflowPauseGate) State() GateState {
	return DeriveGateState(g.PausedAt, g.ResumedAt, g.CompletedAt, g.RejectedAt)
}

// DeriveGateState is the single mapping from gate timestamps to GateState.
//
//	rejectedAt set                                -> rejected (terminal)
//	completedAt set                               -> completed
//	pausedAt set, resumedAt unset                 -> paused
//	otherwise                                     -> running
func DeriveGateState(pausedAt, resumedAt, completedAt, rejectedAt *time.Time) GateState {
	switch {
	case rejectedAt != nil:
		return GateRejected
	case completedAt != nil:
		return GateCompleted
	case pausedAt != nil && resumedAt == nil:
		return GatePaused
	default:
		return GateRunning
	}
}
