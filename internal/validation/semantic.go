package validation

import (
	"fmt"
	"time"

	"github.com/rendis/chainops/internal/trigger"
	"github.com/rendis/chainops/pkg/schema"
)

// Compiler checks that an expression parses without evaluating it.
type Compiler interface {
	Compile(expression string) error
}

// validateChainSemantic checks what the chain schema cannot express: agents are
// registered, step references point backwards, expressions compile and
// timeouts parse.
func validateChainSemantic(def *schema.ChainDefinition, agents AgentLookup, cel, jq Compiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	groups := parallelGroups(def.Steps)

	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		if agents != nil && !agents.Has(step.AgentRef) {
			result.AddError(path+".agent_ref", schema.ErrCodeAgentUnavailable,
				fmt.Sprintf("agent %q not registered", step.AgentRef))
		}

		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", step.Timeout))
			}
		}

		validateConditions(step.PreConditions, path+".pre_conditions", i, groups, cel, result)
		validateConditions(step.PostConditions, path+".post_conditions", i, groups, cel, result)

		for j, tr := range step.OutputTransformers {
			if tr.Type == schema.TransformJQ && jq != nil {
				if err := jq.Compile(tr.Expression); err != nil {
					result.AddError(fmt.Sprintf("%s.output_transformers[%d].expression", path, j),
						schema.ErrCodeExpression, err.Error())
				}
			}
		}

		for _, key := range step.ContextFilter.Exclude {
			for _, inc := range step.ContextFilter.Include {
				if key == inc {
					result.AddWarning(path+".context_filter", schema.ErrCodeValidation,
						fmt.Sprintf("key %q is both included and excluded; exclude wins", key))
				}
			}
		}

		if step.RequiresApproval && step.IsParallel() {
			result.AddWarning(path+".requires_approval", schema.ErrCodeValidation,
				"approval inside a parallel group pauses after the whole group completes")
		}
	}
	return result
}

func validateConditions(conds []schema.StepCondition, path string, index int, groups []int, cel Compiler, result *schema.ValidationResult) {
	for j, c := range conds {
		cpath := fmt.Sprintf("%s[%d]", path, j)
		switch c.Kind {
		case schema.CondPreviousStepCompleted:
			if c.Step == nil {
				continue
			}
			target := *c.Step
			switch {
			case target >= index:
				result.AddError(cpath+".step", schema.ErrCodeValidation,
					fmt.Sprintf("step %d does not precede step %d", target, index))
			case groups[target] == groups[index]:
				result.AddError(cpath+".step", schema.ErrCodeValidation,
					fmt.Sprintf("step %d runs in the same parallel group as step %d", target, index))
			}
		case schema.CondExpression:
			if cel == nil {
				continue
			}
			if err := cel.Compile(c.Expression); err != nil {
				result.AddError(cpath+".expression", schema.ErrCodeExpression, err.Error())
			}
		}
	}
}

// parallelGroups labels every step with the index of its group head.
func parallelGroups(steps []schema.StepSpec) []int {
	out := make([]int, len(steps))
	for i := range steps {
		out[i] = i
		if i > 0 && steps[i].IsParallel() && steps[i-1].IsParallel() {
			out[i] = out[i-1]
		}
	}
	return out
}

// validateTriggerSemantic checks conditions parse, expressions compile and the
// chain exists.
func validateTriggerSemantic(t *schema.Trigger, chains ChainLookup, exprs Compiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	conds, err := trigger.ParseConditions(t.Conditions)
	if err != nil {
		result.AddError("conditions", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, c := range conds {
		switch c := c.(type) {
		case trigger.Expression:
			if exprs != nil {
				if err := exprs.Compile(c.Source); err != nil {
					result.AddError("conditions.expression", schema.ErrCodeExpression, err.Error())
				}
			}
		case trigger.Unsupported:
			result.AddWarning("conditions."+c.Key, schema.ErrCodeValidation,
				fmt.Sprintf("unknown condition %q is ignored unless strict conditions are enabled", c.Key))
		}
	}

	if chains != nil && t.ChainID != "" && !chains.HasChain(t.ChainID) {
		result.AddError("chain_id", schema.ErrCodeNotFound, fmt.Sprintf("chain %q not found", t.ChainID))
	}
	if t.StatusFrom != nil && t.StatusTo != nil && *t.StatusFrom == *t.StatusTo {
		result.AddWarning("status_to", schema.ErrCodeValidation, "status_from equals status_to")
	}
	return result
}

// validateRuleSetSemantic checks that every reachable status is declared.
func validateRuleSetSemantic(rs *schema.TransitionRuleSet) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := rs.Validate(); err != nil {
		msg := err.Error()
		if ce, ok := schema.AsError(err); ok {
			msg = ce.Message
		}
		result.AddError("transitions", schema.ErrCodeValidation, msg)
	}
	if rs.InitialStatus == "" {
		result.AddWarning("initial_status", schema.ErrCodeValidation, "no initial status declared")
	}
	return result
}
