package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func violations(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	ce, ok := schema.AsError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
	v, _ := ce.Details["violations"].([]string)
	return v
}

func sp(s string) *string { return &s }
func ip(i int) *int       { return &i }

// --- chains ---

func TestValidateChain_Nil(t *testing.T) {
	err := newJSV(t).ValidateChain(nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateChain_MinimalValid(t *testing.T) {
	def := &schema.ChainDefinition{Name: "minimal", Steps: []schema.StepSpec{{AgentRef: "dispatcher"}}}
	assert.NoError(t, newJSV(t).ValidateChain(def))
}

func TestValidateChain_EmptyStepsValid(t *testing.T) {
	assert.NoError(t, newJSV(t).ValidateChain(&schema.ChainDefinition{Name: "empty"}))
}

func TestValidateChain_FullValid(t *testing.T) {
	def := &schema.ChainDefinition{
		ID:      "wo-activation",
		Name:    "work order activation",
		Version: 3,
		Enabled: true,
		Steps: []schema.StepSpec{
			{
				Name:     "route",
				AgentRef: "dispatcher",
				Timeout:  "30s",
				OutputTransformers: []schema.OutputTransformer{
					{Type: schema.TransformJQ, Expression: "{routing_recommendation: .route}"},
					{Type: schema.TransformRename, Mapping: map[string]string{"eta": "eta_hours"}},
					{Type: schema.TransformDrop, Keys: []string{"debug"}},
					{Type: schema.TransformPick, Keys: []string{"routing_recommendation"}},
					{Type: schema.TransformNest, Key: "dispatch"},
				},
			},
			{
				AgentRef:      "pm-copilot",
				ExecutionMode: schema.ModeParallel,
				PreConditions: []schema.StepCondition{
					{Kind: schema.CondPreviousStepCompleted, Step: ip(0)},
					{Kind: schema.CondContextHas, Key: "work_order"},
					{Kind: schema.CondExpression, Expression: "context.work_order.budget > 0"},
				},
				ContextFilter:    schema.ContextFilter{Include: []string{"work_order", "project"}},
				RequiresApproval: true,
				ApprovalReason:   "budget sign-off",
				Config:           map[string]any{"model": "small"},
			},
			{
				AgentRef:       "client-comms",
				ExecutionMode:  schema.ModeSequential,
				ContextFilter:  schema.ContextFilter{Exclude: []string{"internal_notes"}},
				PostConditions: []schema.StepCondition{{Kind: schema.CondContextHas, Key: "client_message"}},
			},
		},
	}
	assert.NoError(t, newJSV(t).ValidateChain(def))
}

func TestValidateChain_MissingName(t *testing.T) {
	v := violations(t, newJSV(t).ValidateChain(&schema.ChainDefinition{Steps: []schema.StepSpec{{AgentRef: "a"}}}))
	require.NotEmpty(t, v)
	assert.Contains(t, v[0], "name")
}

func TestValidateChain_StepErrors(t *testing.T) {
	tests := []struct {
		name string
		step schema.StepSpec
		want string
	}{
		{"missing agent", schema.StepSpec{}, "/steps/0"},
		{"bad mode", schema.StepSpec{AgentRef: "a", ExecutionMode: "batch"}, "/steps/0/execution_mode"},
		{"bad timeout", schema.StepSpec{AgentRef: "a", Timeout: "soon"}, "/steps/0/timeout"},
		{"unknown condition", schema.StepSpec{AgentRef: "a", PreConditions: []schema.StepCondition{{Kind: "weather"}}}, "/steps/0/pre_conditions/0/kind"},
		{"context_has without key", schema.StepSpec{AgentRef: "a", PreConditions: []schema.StepCondition{{Kind: schema.CondContextHas}}}, "/steps/0/pre_conditions/0"},
		{"expression without source", schema.StepSpec{AgentRef: "a", PostConditions: []schema.StepCondition{{Kind: schema.CondExpression}}}, "/steps/0/post_conditions/0"},
		{"negative step ref", schema.StepSpec{AgentRef: "a", PreConditions: []schema.StepCondition{{Kind: schema.CondPreviousStepCompleted, Step: ip(-1)}}}, "/steps/0/pre_conditions/0/step"},
		{"unknown transformer", schema.StepSpec{AgentRef: "a", OutputTransformers: []schema.OutputTransformer{{Type: "uppercase"}}}, "/steps/0/output_transformers/0/type"},
		{"jq without expression", schema.StepSpec{AgentRef: "a", OutputTransformers: []schema.OutputTransformer{{Type: schema.TransformJQ}}}, "/steps/0/output_transformers/0"},
		{"rename without mapping", schema.StepSpec{AgentRef: "a", OutputTransformers: []schema.OutputTransformer{{Type: schema.TransformRename}}}, "/steps/0/output_transformers/0"},
		{"pick without keys", schema.StepSpec{AgentRef: "a", OutputTransformers: []schema.OutputTransformer{{Type: schema.TransformPick}}}, "/steps/0/output_transformers/0"},
		{"nest without key", schema.StepSpec{AgentRef: "a", OutputTransformers: []schema.OutputTransformer{{Type: schema.TransformNest}}}, "/steps/0/output_transformers/0"},
	}
	v := newJSV(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.ChainDefinition{Name: "c", Steps: []schema.StepSpec{tt.step}}
			got := violations(t, v.ValidateChain(def))
			require.NotEmpty(t, got)
			found := false
			for _, msg := range got {
				if len(msg) >= len(tt.want) && msg[:len(tt.want)] == tt.want {
					found = true
				}
			}
			assert.True(t, found, "want a violation at %s, got %v", tt.want, got)
		})
	}
}

func TestValidateChain_MultipleViolations(t *testing.T) {
	def := &schema.ChainDefinition{Steps: []schema.StepSpec{{}, {AgentRef: "a", Timeout: "x"}}}
	err := newJSV(t).ValidateChain(def)
	got := violations(t, err)
	assert.GreaterOrEqual(t, len(got), 3)
	ce, _ := schema.AsError(err)
	assert.Contains(t, ce.Message, "validation failed with")
}

// --- triggers ---

func TestValidateTrigger(t *testing.T) {
	v := newJSV(t)

	valid := &schema.Trigger{
		ID:         "wo-active",
		EntityType: schema.SubjectWorkOrder,
		StatusTo:   sp("active"),
		ChainID:    "wo-activation",
		Enabled:    true,
		Priority:   10,
		Conditions: map[string]any{
			"dedup_window_minutes": 60,
			"min_budget":           1000,
			"required_tags":        []string{"hvac"},
			"field_equals":         map[string]any{"region": "north"},
			"expression":           `subject.budget < 50000`,
			"future_kind":          true,
		},
	}
	assert.NoError(t, v.ValidateTrigger(valid))

	assert.Error(t, v.ValidateTrigger(nil))

	noChain := *valid
	noChain.ChainID = ""
	assert.NotEmpty(t, violations(t, v.ValidateTrigger(&noChain)))

	badWindow := *valid
	badWindow.Conditions = map[string]any{"dedup_window_minutes": 0}
	assert.NotEmpty(t, violations(t, v.ValidateTrigger(&badWindow)))

	badTags := *valid
	badTags.Conditions = map[string]any{"has_tags": "hvac"}
	assert.NotEmpty(t, violations(t, v.ValidateTrigger(&badTags)))

	emptyStatus := *valid
	emptyStatus.StatusFrom = sp("")
	assert.NotEmpty(t, violations(t, v.ValidateTrigger(&emptyStatus)))
}

// --- rule sets ---

func TestValidateRuleSet(t *testing.T) {
	v := newJSV(t)

	assert.NoError(t, v.ValidateRuleSet(&schema.TransitionRuleSet{
		SubjectType:   "invoice",
		InitialStatus: "open",
		Transitions:   map[string][]string{"open": {"paid", "void"}, "paid": {}, "void": nil},
	}))

	assert.Error(t, v.ValidateRuleSet(nil))
	assert.NotEmpty(t, violations(t, v.ValidateRuleSet(&schema.TransitionRuleSet{SubjectType: "Invoice!", Transitions: map[string][]string{"open": {}}})))
	assert.NotEmpty(t, violations(t, v.ValidateRuleSet(&schema.TransitionRuleSet{SubjectType: "invoice", Transitions: map[string][]string{}})))
	assert.NotEmpty(t, violations(t, v.ValidateRuleSet(&schema.TransitionRuleSet{
		SubjectType: "invoice",
		Transitions: map[string][]string{"open": {"paid", "paid"}, "paid": {}},
	})))
}

func TestJSONSchemaValidator_Concurrent(t *testing.T) {
	v := newJSV(t)
	def := &schema.ChainDefinition{Name: "c", Steps: []schema.StepSpec{{AgentRef: "a"}}}
	bad := &schema.ChainDefinition{Name: "c", Steps: []schema.StepSpec{{}}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, v.ValidateChain(def))
			} else {
				assert.Error(t, v.ValidateChain(bad))
			}
		}(i)
	}
	wg.Wait()
}
