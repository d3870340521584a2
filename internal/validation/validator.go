package validation

import "github.com/rendis/chainops/pkg/schema"

// Validator checks definitions for correctness before they are stored.
// Uses JSON Schema Draft 2020-12 for structure.
type Validator interface {
	ValidateChain(def *schema.ChainDefinition) error
	ValidateTrigger(t *schema.Trigger) error
	ValidateRuleSet(rs *schema.TransitionRuleSet) error
}

// AgentLookup reports whether an agent is registered.
type AgentLookup interface {
	Has(name string) bool
}

// ChainLookup reports whether a chain exists.
type ChainLookup interface {
	HasChain(id string) bool
}

// ChainLookupFunc adapts a function to ChainLookup.
type ChainLookupFunc func(id string) bool

// HasChain calls f(id).
func (f ChainLookupFunc) HasChain(id string) bool { return f(id) }
