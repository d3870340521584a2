package trigger

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

// Condition is one parsed entry of a trigger's conditions map.
// The concrete types below form a closed set; Unsupported covers everything else.
type Condition interface {
	Kind() string
	Eval(ctx context.Context, env *Env) (bool, error)
}

// Env is the data a condition is evaluated against.
type Env struct {
	EntityType string
	Subject    map[string]any
	Transition map[string]any
	exprs      *expressions.ExprEngine
}

// budgetFields lists the entity-specific budget fields tried before the generic one.
var budgetFields = map[string][]string{
	schema.SubjectWorkOrder: {"work_order_budget", "estimated_budget"},
	"project":               {"project_budget"},
	schema.SubjectTask:      {"estimated_cost"},
}

const genericBudgetField = "budget"

// BudgetThreshold compares the resolved budget field against Value.
type BudgetThreshold struct {
	Min   bool
	Value float64
}

func (c BudgetThreshold) Kind() string {
	if c.Min {
		return schema.ConditionMinBudget
	}
	return schema.ConditionMaxBudget
}

func (c BudgetThreshold) Eval(_ context.Context, env *Env) (bool, error) {
	budget, ok := resolveBudget(env.EntityType, env.Subject)
	if !ok {
		return false, nil
	}
	if c.Min {
		return budget >= c.Value, nil
	}
	return budget <= c.Value, nil
}

func resolveBudget(entityType string, subject map[string]any) (float64, bool) {
	fields := append(slices.Clone(budgetFields[entityType]), genericBudgetField)
	for _, f := range fields {
		v, ok := expressions.Lookup(subject, f)
		if !ok || v == nil {
			continue
		}
		if n, ok := schema.ToFloat(v); ok {
			return n, true
		}
	}
	return 0, false
}

// RequiredTags holds when every tag is present on the subject's tags field.
type RequiredTags struct {
	Key  string
	Tags []string
}

func (c RequiredTags) Kind() string { return c.Key }

func (c RequiredTags) Eval(_ context.Context, env *Env) (bool, error) {
	have := stringSet(env.Subject["tags"])
	for _, t := range c.Tags {
		if _, ok := have[t]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// FieldEquals holds when every listed field equals its expected value.
// Field names may be dot paths into the subject.
type FieldEquals struct {
	Fields map[string]any
}

func (c FieldEquals) Kind() string { return schema.ConditionFieldEquals }

func (c FieldEquals) Eval(_ context.Context, env *Env) (bool, error) {
	for field, want := range c.Fields {
		got, ok := expressions.Lookup(env.Subject, field)
		if !ok {
			if want == nil {
				continue
			}
			return false, nil
		}
		if !looseEqual(got, want) {
			return false, nil
		}
	}
	return true, nil
}

// Expression is an expr-lang predicate over the subject snapshot. The snapshot is
// bound both as "subject" and under the entity type name.
type Expression struct {
	Source string
}

func (c Expression) Kind() string { return schema.ConditionExpression }

func (c Expression) Eval(ctx context.Context, env *Env) (bool, error) {
	data := map[string]any{
		"subject":    env.Subject,
		"transition": env.Transition,
	}
	if env.EntityType != "" {
		data[env.EntityType] = env.Subject
	}
	return expressions.EvalBool(ctx, env.exprs, c.Source, data)
}

// Unsupported is any condition kind not recognised above.
type Unsupported struct {
	Key   string
	Value any
}

func (c Unsupported) Kind() string { return c.Key }

func (c Unsupported) Eval(context.Context, *Env) (bool, error) { return true, nil }

// ParseConditions converts a trigger's loosely-typed conditions map into the
// condition union, in key order. The dedup window key is skipped.
func ParseConditions(raw map[string]any) ([]Condition, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]Condition, 0, len(keys))
	for _, key := range keys {
		v := raw[key]
		switch key {
		case schema.ConditionDedupWindow:
			if _, ok := schema.ToFloat(v); !ok {
				return nil, invalidCondition(key, "must be a number of minutes")
			}
		case schema.ConditionMinBudget, schema.ConditionMaxBudget:
			n, ok := schema.ToFloat(v)
			if !ok {
				return nil, invalidCondition(key, "must be numeric")
			}
			out = append(out, BudgetThreshold{Min: key == schema.ConditionMinBudget, Value: n})
		case schema.ConditionRequireTags, schema.ConditionHasTags:
			tags, ok := toStrings(v)
			if !ok {
				return nil, invalidCondition(key, "must be a list of strings")
			}
			out = append(out, RequiredTags{Key: key, Tags: tags})
		case schema.ConditionFieldEquals:
			fields, ok := v.(map[string]any)
			if !ok {
				return nil, invalidCondition(key, "must be an object of field: value")
			}
			out = append(out, FieldEquals{Fields: fields})
		case schema.ConditionExpression:
			src, ok := v.(string)
			if !ok || src == "" {
				return nil, invalidCondition(key, "must be a non-empty string")
			}
			out = append(out, Expression{Source: src})
		default:
			out = append(out, Unsupported{Key: key, Value: v})
		}
	}
	return out, nil
}

func invalidCondition(key, msg string) *schema.ChainopsError {
	return schema.NewErrorf(schema.ErrCodeValidation, "condition %q %s", key, msg).
		WithDetails(map[string]any{"condition": key})
}

func toStrings(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return []string{val}, true
	default:
		return nil, false
	}
}

func stringSet(v any) map[string]struct{} {
	set := make(map[string]struct{})
	switch val := v.(type) {
	case []string:
		for _, s := range val {
			set[s] = struct{}{}
		}
	case []any:
		for _, item := range val {
			set[fmt.Sprint(item)] = struct{}{}
		}
	}
	return set
}

func looseEqual(got, want any) bool {
	if gf, ok := schema.ToFloat(got); ok {
		if wf, ok := schema.ToFloat(want); ok {
			_, gs := got.(string)
			_, ws := want.(string)
			if gs == ws {
				return gf == wf
			}
		}
	}
	return reflect.DeepEqual(got, want)
}
