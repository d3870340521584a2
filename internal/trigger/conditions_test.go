package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

func evalAll(t *testing.T, raw map[string]any, entityType string, subject map[string]any) bool {
	t.Helper()
	conds, err := ParseConditions(raw)
	require.NoError(t, err)
	env := &Env{EntityType: entityType, Subject: subject, exprs: expressions.NewExprEngine()}
	for _, c := range conds {
		ok, err := c.Eval(context.Background(), env)
		require.NoError(t, err)
		if !ok {
			return false
		}
	}
	return true
}

func TestParseConditions_Kinds(t *testing.T) {
	conds, err := ParseConditions(map[string]any{
		"min_budget":           1000,
		"max_budget":           "5000",
		"required_tags":        []any{"hvac"},
		"field_equals":         map[string]any{"priority": "high"},
		"expression":           `subject.region == "north"`,
		"dedup_window_minutes": 60,
		"geo_fence":            "north",
	})
	require.NoError(t, err)

	kinds := make([]string, 0, len(conds))
	for _, c := range conds {
		kinds = append(kinds, c.Kind())
	}
	// Sorted by key; dedup window excluded.
	assert.Equal(t, []string{"expression", "field_equals", "geo_fence", "max_budget", "min_budget", "required_tags"}, kinds)
	assert.IsType(t, Unsupported{}, conds[2])
	assert.Equal(t, BudgetThreshold{Min: false, Value: 5000}, conds[3])
}

func TestParseConditions_Invalid(t *testing.T) {
	for name, raw := range map[string]map[string]any{
		"budget":     {"min_budget": "lots"},
		"tags":       {"has_tags": []any{1, 2}},
		"fields":     {"field_equals": "priority=high"},
		"expression": {"expression": ""},
		"window":     {"dedup_window_minutes": "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConditions(raw)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestBudgetResolution(t *testing.T) {
	cond := map[string]any{"min_budget": 1000}

	// Entity-specific field wins over the generic one.
	assert.True(t, evalAll(t, cond, schema.SubjectWorkOrder, map[string]any{
		"estimated_budget": 1500.0,
		"budget":           10,
	}))
	assert.False(t, evalAll(t, cond, schema.SubjectWorkOrder, map[string]any{
		"work_order_budget": 999,
		"budget":            5000,
	}))

	// Generic fallback.
	assert.True(t, evalAll(t, cond, "project", map[string]any{"budget": 1000}))

	// No budget at all fails the threshold.
	assert.False(t, evalAll(t, cond, schema.SubjectTask, map[string]any{}))

	assert.True(t, evalAll(t, map[string]any{"max_budget": 200}, schema.SubjectTask, map[string]any{
		"estimated_cost": "150",
	}))
}

func TestRequiredTags(t *testing.T) {
	cond := map[string]any{"required_tags": []any{"hvac", "urgent"}}

	assert.True(t, evalAll(t, cond, "", map[string]any{"tags": []any{"urgent", "hvac", "x"}}))
	assert.True(t, evalAll(t, cond, "", map[string]any{"tags": []string{"urgent", "hvac"}}))
	assert.False(t, evalAll(t, cond, "", map[string]any{"tags": []any{"hvac"}}))
	assert.False(t, evalAll(t, cond, "", map[string]any{}))
	assert.True(t, evalAll(t, map[string]any{"has_tags": "vip"}, "", map[string]any{"tags": []any{"vip"}}))
}

func TestFieldEquals(t *testing.T) {
	subject := map[string]any{
		"priority": "high",
		"floors":   3.0,
		"client":   map[string]any{"tier": "gold"},
		"flag":     true,
	}

	assert.True(t, evalAll(t, map[string]any{"field_equals": map[string]any{
		"priority":    "high",
		"floors":      3,
		"client.tier": "gold",
		"flag":        true,
	}}, "", subject))
	assert.False(t, evalAll(t, map[string]any{"field_equals": map[string]any{"priority": "low"}}, "", subject))
	assert.False(t, evalAll(t, map[string]any{"field_equals": map[string]any{"floors": "3"}}, "", subject))
	assert.False(t, evalAll(t, map[string]any{"field_equals": map[string]any{"missing": "x"}}, "", subject))
	assert.True(t, evalAll(t, map[string]any{"field_equals": map[string]any{"missing": nil}}, "", subject))
}

func TestExpressionCondition(t *testing.T) {
	subject := map[string]any{"region": "north", "budget": 4000}
	assert.True(t, evalAll(t, map[string]any{"expression": `work_order.region == "north" && subject.budget > 100`}, schema.SubjectWorkOrder, subject))
	assert.False(t, evalAll(t, map[string]any{"expression": `subject.region == "south"`}, schema.SubjectWorkOrder, subject))
}

func TestUnsupportedPasses(t *testing.T) {
	assert.True(t, evalAll(t, map[string]any{"weather": "sunny"}, "", map[string]any{}))
}
