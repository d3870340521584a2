package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

// mockAgents implements AgentLookup for tests.
type mockAgents map[string]bool

func (m mockAgents) Has(name string) bool { return m[name] }

func newValidator(t *testing.T, opts ...Option) *DefinitionValidator {
	t.Helper()
	v, err := NewDefinitionValidator(opts...)
	require.NoError(t, err)
	return v
}

func paths(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Path)
	}
	return out
}

// --- chains ---

func TestChain_ScenarioIsValid(t *testing.T) {
	v := newValidator(t, WithAgents(mockAgents{"dispatcher": true, "pm-copilot": true, "client-comms": true}))
	res := v.Chain(&schema.ChainDefinition{
		Name: "work order activation",
		Steps: []schema.StepSpec{
			{AgentRef: "dispatcher"},
			{
				AgentRef:      "pm-copilot",
				PreConditions: []schema.StepCondition{{Kind: schema.CondPreviousStepCompleted}},
				ContextFilter: schema.ContextFilter{Include: []string{"work_order", "project", "routing_recommendation"}},
			},
			{AgentRef: "client-comms", ContextFilter: schema.ContextFilter{Exclude: []string{"internal_notes"}}},
		},
	})
	assert.True(t, res.Valid(), "%v", res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestChain_UnknownAgent(t *testing.T) {
	v := newValidator(t, WithAgents(mockAgents{"dispatcher": true}))
	res := v.Chain(&schema.ChainDefinition{Name: "c", Steps: []schema.StepSpec{{AgentRef: "dispatcher"}, {AgentRef: "ghost"}}})
	require.False(t, res.Valid())
	assert.Equal(t, []string{"steps[1].agent_ref"}, paths(res.Errors))
	assert.Equal(t, schema.ErrCodeAgentUnavailable, res.Errors[0].Code)
}

func TestChain_NoAgentLookupSkipsCheck(t *testing.T) {
	res := newValidator(t).Chain(&schema.ChainDefinition{Name: "c", Steps: []schema.StepSpec{{AgentRef: "ghost"}}})
	assert.True(t, res.Valid())
}

func TestChain_StepReferences(t *testing.T) {
	v := newValidator(t)
	res := v.Chain(&schema.ChainDefinition{
		Name: "c",
		Steps: []schema.StepSpec{
			{AgentRef: "a"},
			{AgentRef: "b", ExecutionMode: schema.ModeParallel},
			{
				AgentRef:      "c",
				ExecutionMode: schema.ModeParallel,
				PreConditions: []schema.StepCondition{{Kind: schema.CondPreviousStepCompleted, Step: ip(1)}},
			},
			{
				AgentRef:      "d",
				PreConditions: []schema.StepCondition{{Kind: schema.CondPreviousStepCompleted, Step: ip(5)}},
			},
			{
				AgentRef:       "e",
				PreConditions:  []schema.StepCondition{{Kind: schema.CondPreviousStepCompleted, Step: ip(2)}},
				PostConditions: []schema.StepCondition{{Kind: schema.CondPreviousStepCompleted, Step: ip(4)}},
			},
		},
	})
	require.False(t, res.Valid())
	assert.ElementsMatch(t, []string{
		"steps[2].pre_conditions[0].step",
		"steps[3].pre_conditions[0].step",
		"steps[4].post_conditions[0].step",
	}, paths(res.Errors))
}

func TestChain_ExpressionsCompile(t *testing.T) {
	v := newValidator(t)
	res := v.Chain(&schema.ChainDefinition{
		Name: "c",
		Steps: []schema.StepSpec{{
			AgentRef:      "a",
			PreConditions: []schema.StepCondition{{Kind: schema.CondExpression, Expression: "context.budget >"}},
			OutputTransformers: []schema.OutputTransformer{
				{Type: schema.TransformJQ, Expression: "{ok: .x"},
			},
		}},
	})
	require.False(t, res.Valid())
	assert.ElementsMatch(t, []string{
		"steps[0].pre_conditions[0].expression",
		"steps[0].output_transformers[0].expression",
	}, paths(res.Errors))
	for _, e := range res.Errors {
		assert.Equal(t, schema.ErrCodeExpression, e.Code)
	}
}

func TestChain_Warnings(t *testing.T) {
	res := newValidator(t).Chain(&schema.ChainDefinition{
		Name: "c",
		Steps: []schema.StepSpec{
			{AgentRef: "a", ContextFilter: schema.ContextFilter{Include: []string{"x"}, Exclude: []string{"x"}}},
			{AgentRef: "b", ExecutionMode: schema.ModeParallel, RequiresApproval: true},
		},
	})
	assert.True(t, res.Valid())
	assert.Equal(t, []string{"steps[0].context_filter", "steps[1].requires_approval"}, paths(res.Warnings))
}

func TestChain_StructuralShortCircuits(t *testing.T) {
	v := newValidator(t, WithAgents(mockAgents{}))
	res := v.Chain(&schema.ChainDefinition{Steps: []schema.StepSpec{{AgentRef: "ghost", Timeout: "later"}}})
	require.False(t, res.Valid())
	for _, e := range res.Errors {
		assert.Equal(t, "/", e.Path, "semantic stage must not run")
	}
	err := res.ToError()
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// --- triggers ---

func TestTrigger_Semantic(t *testing.T) {
	chains := ChainLookupFunc(func(id string) bool { return id == "wo-activation" })
	v := newValidator(t, WithChains(chains))

	ok := &schema.Trigger{
		EntityType: schema.SubjectWorkOrder,
		StatusTo:   sp("active"),
		ChainID:    "wo-activation",
		Conditions: map[string]any{"dedup_window_minutes": 60, "expression": `subject.budget > 100`},
	}
	res := v.Trigger(ok)
	assert.True(t, res.Valid(), "%v", res.Errors)
	assert.NoError(t, v.ValidateTrigger(ok))

	missing := *ok
	missing.ChainID = "nope"
	res = v.Trigger(&missing)
	assert.Equal(t, []string{"chain_id"}, paths(res.Errors))
	assert.Equal(t, schema.ErrCodeNotFound, res.Errors[0].Code)

	badExpr := *ok
	badExpr.Conditions = map[string]any{"expression": "subject.budget >"}
	res = v.Trigger(&badExpr)
	assert.Equal(t, []string{"conditions.expression"}, paths(res.Errors))

	unknown := *ok
	unknown.StatusFrom = sp("active")
	unknown.Conditions = map[string]any{"weather": "sunny"}
	res = v.Trigger(&unknown)
	assert.True(t, res.Valid())
	assert.ElementsMatch(t, []string{"conditions.weather", "status_to"}, paths(res.Warnings))
}

// --- rule sets ---

func TestRuleSet_Semantic(t *testing.T) {
	v := newValidator(t)

	res := v.RuleSet(&schema.TransitionRuleSet{
		SubjectType: "invoice",
		Transitions: map[string][]string{"open": {"paid"}},
	})
	require.False(t, res.Valid())
	assert.Equal(t, []string{"transitions"}, paths(res.Errors))

	res = v.RuleSet(&schema.TransitionRuleSet{
		SubjectType: "invoice",
		Transitions: map[string][]string{"open": {"paid"}, "paid": {}},
	})
	assert.True(t, res.Valid())
	assert.Equal(t, []string{"initial_status"}, paths(res.Warnings))

	assert.NoError(t, v.ValidateRuleSet(&schema.TransitionRuleSet{
		SubjectType:   "invoice",
		InitialStatus: "open",
		Transitions:   map[string][]string{"open": {"paid"}, "paid": {}},
	}))
}
