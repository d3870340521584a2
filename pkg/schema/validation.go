package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a definition. Path locates it,
// e.g. "chains[0].steps[2].agent_ref".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects every issue found instead of stopping at the first.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues unchanged.
func (r *ValidationResult) Merge(other *ValidationResult) {
	r.MergeAt("", other)
}

// MergeAt appends other's issues with prefix prepended to their paths, so
// a nested definition's issues point into the enclosing document.
func (r *ValidationResult) MergeAt(prefix string, other *ValidationResult) {
	if other == nil {
		return
	}
	for _, e := range other.Errors {
		e.Path = joinPath(prefix, e.Path)
		r.Errors = append(r.Errors, e)
	}
	for _, w := range other.Warnings {
		w.Path = joinPath(prefix, w.Path)
		r.Warnings = append(r.Warnings, w)
	}
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "" || path == "/":
		return prefix
	case strings.HasPrefix(path, "["):
		return prefix + path
	default:
		return prefix + "." + strings.TrimPrefix(path, "/")
	}
}

// ToError returns nil when valid, otherwise a VALIDATION_ERROR carrying every issue.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors (first: %s)", len(r.Errors), r.Errors[0])
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
