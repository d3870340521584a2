package validation

import (
	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

// DefinitionValidator runs the two-stage pipeline for every definition kind:
// 1. Structural (JSON Schema)
// 2. Semantic (agent and chain references, step references, expressions)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
	chains     ChainLookup
	cel        Compiler
	jq         Compiler
	exprs      Compiler
}

// Option configures a DefinitionValidator.
type Option func(*DefinitionValidator)

// WithAgents checks step agent refs against lookup.
func WithAgents(lookup AgentLookup) Option { return func(v *DefinitionValidator) { v.agents = lookup } }

// WithChains checks trigger chain ids against lookup.
func WithChains(lookup ChainLookup) Option { return func(v *DefinitionValidator) { v.chains = lookup } }

// NewDefinitionValidator creates a DefinitionValidator. Without WithAgents or
// WithChains the corresponding existence checks are skipped.
func NewDefinitionValidator(opts ...Option) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v := &DefinitionValidator{
		jsonSchema: jsv,
		cel:        cel,
		jq:         expressions.NewGoJQEngine(),
		exprs:      expressions.NewExprEngine(),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Chain validates a chain definition. Structural errors short-circuit.
func (v *DefinitionValidator) Chain(def *schema.ChainDefinition) *schema.ValidationResult {
	result := structural(v.jsonSchema.ValidateChain(def))
	if !result.Valid() {
		return result
	}
	result.Merge(validateChainSemantic(def, v.agents, v.cel, v.jq))
	return result
}

// Trigger validates a trigger. Structural errors short-circuit.
func (v *DefinitionValidator) Trigger(t *schema.Trigger) *schema.ValidationResult {
	result := structural(v.jsonSchema.ValidateTrigger(t))
	if !result.Valid() {
		return result
	}
	result.Merge(validateTriggerSemantic(t, v.chains, v.exprs))
	return result
}

// RuleSet validates a transition rule set. Structural errors short-circuit.
func (v *DefinitionValidator) RuleSet(rs *schema.TransitionRuleSet) *schema.ValidationResult {
	result := structural(v.jsonSchema.ValidateRuleSet(rs))
	if !result.Valid() {
		return result
	}
	result.Merge(validateRuleSetSemantic(rs))
	return result
}

// ValidateChain satisfies the Validator interface.
func (v *DefinitionValidator) ValidateChain(def *schema.ChainDefinition) error {
	return v.Chain(def).ToError()
}

// ValidateTrigger satisfies the Validator interface.
func (v *DefinitionValidator) ValidateTrigger(t *schema.Trigger) error {
	return v.Trigger(t).ToError()
}

// ValidateRuleSet satisfies the Validator interface.
func (v *DefinitionValidator) ValidateRuleSet(rs *schema.TransitionRuleSet) error {
	return v.RuleSet(rs).ToError()
}

// structural converts a JSONSchemaValidator error into a ValidationResult.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	ce, ok := schema.AsError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if ce.Details != nil {
		if violations, ok := ce.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}
