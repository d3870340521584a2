package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chainops/pkg/schema"
)

const durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`

// chainSchemaJSON is the JSON Schema for ChainDefinition.
const chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainops.dev/schemas/chain.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "enabled": { "type": "boolean" },
    "template_id": { "type": "string" },
    "steps": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["agent_ref"],
      "properties": {
        "name": { "type": "string" },
        "agent_ref": { "type": "string", "minLength": 1 },
        "execution_mode": { "type": "string", "enum": ["", "sequential", "parallel"] },
        "pre_conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "post_conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "context_filter": {
          "type": "object",
          "properties": {
            "include": { "type": "array", "items": { "type": "string", "minLength": 1 } },
            "exclude": { "type": "array", "items": { "type": "string", "minLength": 1 } }
          },
          "additionalProperties": false
        },
        "output_transformers": { "type": "array", "items": { "$ref": "#/$defs/transformer" } },
        "requires_approval": { "type": "boolean" },
        "approval_reason": { "type": "string" },
        "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["previous_step_completed", "context_has", "expression"] },
        "step": { "type": "integer", "minimum": 0 },
        "key": { "type": "string" },
        "expression": { "type": "string" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "kind": { "const": "context_has" } } },
          "then": { "required": ["key"], "properties": { "key": { "minLength": 1 } } }
        },
        {
          "if": { "properties": { "kind": { "const": "expression" } } },
          "then": { "required": ["expression"], "properties": { "expression": { "minLength": 1 } } }
        }
      ]
    },
    "transformer": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["jq", "rename", "drop", "pick", "nest"] },
        "expression": { "type": "string" },
        "mapping": { "type": "object", "additionalProperties": { "type": "string", "minLength": 1 } },
        "keys": { "type": "array", "items": { "type": "string" } },
        "key": { "type": "string" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "jq" } } },
          "then": { "required": ["expression"], "properties": { "expression": { "minLength": 1 } } }
        },
        {
          "if": { "properties": { "type": { "const": "rename" } } },
          "then": { "required": ["mapping"], "properties": { "mapping": { "minProperties": 1 } } }
        },
        {
          "if": { "properties": { "type": { "enum": ["drop", "pick"] } } },
          "then": { "required": ["keys"], "properties": { "keys": { "minItems": 1 } } }
        },
        {
          "if": { "properties": { "type": { "const": "nest" } } },
          "then": { "required": ["key"], "properties": { "key": { "minLength": 1 } } }
        }
      ]
    }
  }
}`

// triggerSchemaJSON is the JSON Schema for Trigger.
const triggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainops.dev/schemas/trigger.json",
  "type": "object",
  "required": ["entity_type", "chain_id"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "entity_type": { "type": "string", "minLength": 1 },
    "status_from": { "type": ["string", "null"], "minLength": 1 },
    "status_to": { "type": ["string", "null"], "minLength": 1 },
    "chain_id": { "type": "string", "minLength": 1 },
    "conditions": {
      "type": ["object", "null"],
      "properties": {
        "dedup_window_minutes": { "type": "number", "exclusiveMinimum": 0 },
        "min_budget": { "type": "number" },
        "max_budget": { "type": "number" },
        "required_tags": { "type": "array", "items": { "type": "string" } },
        "has_tags": { "type": "array", "items": { "type": "string" } },
        "field_equals": { "type": "object" },
        "expression": { "type": "string", "minLength": 1 }
      }
    },
    "enabled": { "type": "boolean" },
    "priority": { "type": "integer" },
    "last_triggered_at": { "type": ["string", "null"] },
    "dispatch_count": { "type": "integer", "minimum": 0 },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false
}`

// ruleSetSchemaJSON is the JSON Schema for TransitionRuleSet.
const ruleSetSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainops.dev/schemas/rule_set.json",
  "type": "object",
  "required": ["subject_type", "transitions"],
  "properties": {
    "subject_type": { "type": "string", "pattern": "^[a-z][a-z0-9_]*$" },
    "initial_status": { "type": "string" },
    "transitions": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": ["array", "null"],
        "items": { "type": "string", "minLength": 1 },
        "uniqueItems": true
      }
    },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator checks the structure of definitions against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	chainSchema   *jsonschema.Schema
	triggerSchema *jsonschema.Schema
	ruleSetSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded definition schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compile := func(url, doc string) (*jsonschema.Schema, error) {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		return s, nil
	}

	v := &JSONSchemaValidator{}
	var err error
	if v.chainSchema, err = compile("https://chainops.dev/schemas/chain.json", chainSchemaJSON); err != nil {
		return nil, err
	}
	if v.triggerSchema, err = compile("https://chainops.dev/schemas/trigger.json", triggerSchemaJSON); err != nil {
		return nil, err
	}
	if v.ruleSetSchema, err = compile("https://chainops.dev/schemas/rule_set.json", ruleSetSchemaJSON); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateChain checks a chain definition's structure.
func (v *JSONSchemaValidator) ValidateChain(def *schema.ChainDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}
	return validateAgainst(v.chainSchema, def, "chain definition")
}

// ValidateTrigger checks a trigger's structure.
func (v *JSONSchemaValidator) ValidateTrigger(t *schema.Trigger) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger is nil")
	}
	return validateAgainst(v.triggerSchema, t, "trigger")
}

// ValidateRuleSet checks a rule set's structure.
func (v *JSONSchemaValidator) ValidateRuleSet(rs *schema.TransitionRuleSet) error {
	if rs == nil {
		return schema.NewError(schema.ErrCodeValidation, "rule set is nil")
	}
	return validateAgainst(v.ruleSetSchema, rs, "rule set")
}

func validateAgainst(s *jsonschema.Schema, v any, what string) error {
	doc, err := toJSONValue(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toChainopsError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toChainopsError converts a jsonschema.ValidationError into a ChainopsError
// listing every leaf violation with its instance location.
func toChainopsError(err error) *schema.ChainopsError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
