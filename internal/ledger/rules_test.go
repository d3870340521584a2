package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

type staticRules []*schema.TransitionRuleSet

func (s staticRules) ListRuleSets(context.Context) ([]*schema.TransitionRuleSet, error) { return s, nil }

func TestDefaultRuleSetsAreValid(t *testing.T) {
	for _, rs := range DefaultRuleSets() {
		require.NoError(t, rs.Validate(), rs.SubjectType)
	}
	table := MustDefault()
	assert.Equal(t, []string{schema.SubjectTask, schema.SubjectWorkOrder}, table.Types())
}

func TestRuleTable_SetRejectsUndeclaredTarget(t *testing.T) {
	table := MustDefault()
	err := table.Set(&schema.TransitionRuleSet{
		SubjectType: "invoice",
		Transitions: map[string][]string{"draft": {"sent"}},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, ok := table.Get("invoice")
	assert.False(t, ok)
}

func TestRuleTable_GetReturnsCopy(t *testing.T) {
	table := MustDefault()
	rs, ok := table.Get(schema.SubjectTask)
	require.True(t, ok)
	rs.Transitions["todo"] = []string{"done"}

	assert.NoError(t, table.Check(schema.SubjectTask, "todo", "in_progress"))
	assert.Error(t, table.Check(schema.SubjectTask, "todo", "done"))
}

func TestRuleTable_CheckReasons(t *testing.T) {
	table := MustDefault()
	reason := func(err error) string {
		ce, ok := schema.AsError(err)
		require.True(t, ok)
		return ce.Detail("reason")
	}
	assert.NoError(t, table.Check(schema.SubjectWorkOrder, "draft", "active"))
	assert.Equal(t, schema.ReasonNotAllowed, reason(table.Check(schema.SubjectWorkOrder, "draft", "done")))
	assert.Equal(t, schema.ReasonTerminalStatus, reason(table.Check(schema.SubjectWorkOrder, "done", "active")))
	assert.Equal(t, schema.ReasonUnknownStatus, reason(table.Check(schema.SubjectWorkOrder, "draft", "nope")))
	assert.Equal(t, schema.ReasonUnknownSubjectType, reason(table.Check("invoice", "a", "b")))
}

func TestRuleTable_LoadOverridesPerType(t *testing.T) {
	table := MustDefault()
	n, err := table.Load(context.Background(), staticRules{{
		SubjectType: schema.SubjectTask,
		Transitions: map[string][]string{"todo": {"done"}, "done": {}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoError(t, table.Check(schema.SubjectTask, "todo", "done"))
	assert.True(t, table.IsTerminal(schema.SubjectTask, "done"))
	assert.Equal(t, []string{"done"}, table.Allowed(schema.SubjectTask, "todo"))
	// Work orders keep the built-in rules.
	assert.NoError(t, table.Check(schema.SubjectWorkOrder, "draft", "active"))
}
