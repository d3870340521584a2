package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].agent_ref", ErrCodeValidation, "agent not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].agent_ref", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].timeout", ErrCodeValidation, "no timeout configured")
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("steps[0]", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("steps[2]", ErrCodeValidation, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)
	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].agent_ref", ErrCodeValidation, "agent not registered")

	err := r.ToError()
	require.Error(t, err)
	ce, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, ce.Code)
	assert.Equal(t, "steps[0].agent_ref: agent not registered", ce.Message)
	assert.Equal(t, 1, ce.Details["error_count"])

	r.AddError("steps[1].agent_ref", ErrCodeValidation, "agent not registered")
	ce, _ = AsError(r.ToError())
	assert.Equal(t, "validation failed with 2 errors (first: steps[0].agent_ref: agent not registered)", ce.Message)
}

func TestValidationResult_MergeAt(t *testing.T) {
	inner := &ValidationResult{}
	inner.AddError("/", ErrCodeValidation, "root")
	inner.AddError("steps[0].agent_ref", ErrCodeValidation, "nested")
	inner.AddError("/steps/1", ErrCodeValidation, "pointer")
	inner.AddWarning("[2]", ErrCodeValidation, "indexed")

	r := &ValidationResult{}
	r.MergeAt("chains[3]", inner)
	r.MergeAt("chains[4]", nil)

	require.Len(t, r.Errors, 3)
	assert.Equal(t, "chains[3]", r.Errors[0].Path)
	assert.Equal(t, "chains[3].steps[0].agent_ref", r.Errors[1].Path)
	assert.Equal(t, "chains[3].steps/1", r.Errors[2].Path)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "chains[3][2]", r.Warnings[0].Path)

	// The source result is left untouched.
	assert.Equal(t, "/", inner.Errors[0].Path)
}
