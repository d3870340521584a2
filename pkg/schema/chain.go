package schema

import (
	"encoding/json"
	"time"
)

// ExecutionMode controls whether a step runs alone or with its contiguous parallel siblings.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// Step condition kinds.
const (
	CondPreviousStepCompleted = "previous_step_completed"
	CondContextHas            = "context_has"
	CondExpression            = "expression"
)

// Output transformer types.
const (
	TransformJQ     = "jq"
	TransformRename = "rename"
	TransformDrop   = "drop"
	TransformPick   = "pick"
	TransformNest   = "nest"
)

// ChainDefinition is an ordered, reusable sequence of agent steps.
// Version increments on every update; executions freeze the version they started with.
type ChainDefinition struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     int        `json:"version"`
	Enabled     bool       `json:"enabled"`
	Steps       []StepSpec `json:"steps"`
	TemplateID  string     `json:"template_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepSpec describes one agent invocation in a chain.
type StepSpec struct {
	Name               string              `json:"name,omitempty"`
	AgentRef           string              `json:"agent_ref"`
	ExecutionMode      ExecutionMode       `json:"execution_mode,omitempty"`
	PreConditions      []StepCondition     `json:"pre_conditions,omitempty"`
	ContextFilter      ContextFilter       `json:"context_filter,omitempty"`
	PostConditions     []StepCondition     `json:"post_conditions,omitempty"`
	OutputTransformers []OutputTransformer `json:"output_transformers,omitempty"`
	RequiresApproval   bool                `json:"requires_approval,omitempty"`
	ApprovalReason     string              `json:"approval_reason,omitempty"`
	Timeout            string              `json:"timeout,omitempty"`
	Config             map[string]any      `json:"config,omitempty"`
}

// Label returns a human-readable name for the step.
func (s StepSpec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.AgentRef
}

// IsParallel reports whether the step belongs to a parallel group.
func (s StepSpec) IsParallel() bool {
	return s.ExecutionMode == ModeParallel
}

// StepCondition is a pre- or post-condition evaluated against the accumulated context.
//
//	previous_step_completed: Step (default: the step right before) must be completed.
//	context_has:             Key must be present in the context.
//	expression:              Expression (CEL) over `context` must evaluate to true.
type StepCondition struct {
	Kind       string `json:"kind"`
	Step       *int   `json:"step,omitempty"`
	Key        string `json:"key,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// ContextFilter restricts which context keys a step receives.
// Include acts as an allow-list when non-empty; Exclude always wins.
type ContextFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// OutputTransformer reshapes a step's raw output before it is merged.
type OutputTransformer struct {
	Type       string            `json:"type"`
	Expression string            `json:"expression,omitempty"`
	Mapping    map[string]string `json:"mapping,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
	Key        string            `json:"key,omitempty"`
}

// Clone returns a deep copy of the definition.
func (c *ChainDefinition) Clone() (*ChainDefinition, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var cp ChainDefinition
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
