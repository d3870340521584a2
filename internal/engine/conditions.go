package engine

import (
	"context"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

// conditionEnv is what step conditions are evaluated against.
type conditionEnv struct {
	exec      *schema.ChainExecution
	index     int
	groupHead int
	steps     map[int]*schema.ChainExecutionStep
	output    map[string]any
}

func (env conditionEnv) celData(acc map[string]any) map[string]any {
	data := map[string]any{
		"context": acc,
		"execution": map[string]any{
			"id":                 env.exec.ID,
			"chain_id":           env.exec.ChainID,
			"current_step_index": env.index,
		},
		"subject": map[string]any{
			"type": env.exec.TriggerSubject.Type,
			"id":   env.exec.TriggerSubject.ID,
		},
	}
	if env.output != nil {
		data["output"] = env.output
	}
	return data
}

// checkConditions evaluates conds in order and returns the first failure as
// an error with the given code.
func checkConditions(ctx context.Context, cel *expressions.CELEngine, code string, conds []schema.StepCondition, acc map[string]any, env conditionEnv) error {
	for i, c := range conds {
		ok, reason, err := evalCondition(ctx, cel, c, acc, env)
		if err != nil {
			return schema.NewErrorf(code, "condition %d (%s) could not be evaluated: %s", i, c.Kind, err.Error()).
				WithStep(env.index).WithCause(err).
				WithDetails(map[string]any{"condition": c.Kind})
		}
		if !ok {
			return schema.NewErrorf(code, "condition %d (%s) not met: %s", i, c.Kind, reason).
				WithStep(env.index).
				WithDetails(map[string]any{"condition": c.Kind})
		}
	}
	return nil
}

func evalCondition(ctx context.Context, cel *expressions.CELEngine, c schema.StepCondition, acc map[string]any, env conditionEnv) (bool, string, error) {
	switch c.Kind {
	case schema.CondPreviousStepCompleted:
		target := env.groupHead - 1
		if c.Step != nil {
			target = *c.Step
		}
		if target < 0 {
			return true, "", nil
		}
		rec, ok := env.steps[target]
		if !ok {
			return false, "step has no run record", nil
		}
		if rec.Status != schema.StepCompleted {
			return false, "step " + rec.AgentRef + " is " + string(rec.Status), nil
		}
		return true, "", nil

	case schema.CondContextHas:
		if _, ok := expressions.Lookup(acc, c.Key); !ok {
			return false, "context has no " + c.Key, nil
		}
		return true, "", nil

	case schema.CondExpression:
		if cel == nil {
			return false, "", schema.NewError(schema.ErrCodeExpression, "no CEL engine configured")
		}
		ok, err := expressions.EvalBool(ctx, cel, c.Expression, env.celData(acc))
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, c.Expression + " is false", nil
		}
		return true, "", nil

	default:
		return false, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown condition kind %q", c.Kind)
	}
}
