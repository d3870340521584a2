// Package stepexec invokes the agent behind a chain step.
package stepexec

import (
	"context"

	"github.com/rendis/chainops/pkg/schema"
)

// Agent performs the work of a chain step.
// Implementations must be safe to call again for the same step: after a crash
// the engine re-invokes the step that was Running.
type Agent interface {
	Name() string
	Describe() Info
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Input is the data handed to an agent for one step.
type Input struct {
	ExecutionID string            `json:"execution_id"`
	ChainID     string            `json:"chain_id"`
	StepIndex   int               `json:"step_index"`
	Step        schema.StepSpec   `json:"step"`
	Subject     schema.SubjectRef `json:"subject"`
	Attempt     int               `json:"attempt"`
	Context     map[string]any    `json:"context"`
}

// Output is an agent's raw result, before output transformers run.
type Output struct {
	Data             map[string]any `json:"output"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	ApprovalReason   string         `json:"approval_reason,omitempty"`
}

// Info is a summary of a registered agent for listing.
type Info struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// FuncAgent adapts a plain function into an Agent.
type FuncAgent struct {
	name        string
	description string
	fn          func(ctx context.Context, in Input) (*Output, error)
}

// NewFuncAgent creates an in-process agent.
func NewFuncAgent(name, description string, fn func(ctx context.Context, in Input) (*Output, error)) *FuncAgent {
	return &FuncAgent{name: name, description: description, fn: fn}
}

func (a *FuncAgent) Name() string { return a.name }

func (a *FuncAgent) Describe() Info {
	return Info{Name: a.name, Kind: "func", Description: a.description}
}

func (a *FuncAgent) Execute(ctx context.Context, in Input) (*Output, error) {
	return a.fn(ctx, in)
}

// StaticAgent returns step.config.output as its result, merged over nothing.
// Useful for seeded demo chains and smoke tests.
type StaticAgent struct {
	name string
}

// NewStaticAgent creates a static agent registered under name.
func NewStaticAgent(name string) *StaticAgent { return &StaticAgent{name: name} }

func (a *StaticAgent) Name() string { return a.name }

func (a *StaticAgent) Describe() Info {
	return Info{Name: a.name, Kind: "static", Description: "returns step config output verbatim"}
}

func (a *StaticAgent) Execute(_ context.Context, in Input) (*Output, error) {
	out := &Output{Data: map[string]any{}}
	if m, ok := in.Step.Config["output"].(map[string]any); ok {
		for k, v := range m {
			out.Data[k] = v
		}
	}
	if b, ok := in.Step.Config["requires_approval"].(bool); ok {
		out.RequiresApproval = b
	}
	out.ApprovalReason = stringParam(in.Step.Config, "approval_reason", "")
	return out, nil
}
