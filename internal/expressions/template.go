package expressions

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/chainops/pkg/schema"
)

// Render replaces every ${{ path }} reference in input with the value found at
// path in scope. Paths are dot-delimited and start with a top-level scope key
// (context, execution, subject, step). Strings are embedded raw; other values
// are JSON-encoded.
func Render(input string, scope map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ reference")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression,
				"nested reference not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty reference: ${{  }}")
		}

		val, err := resolvePath(scope, ref)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// RenderAll renders every string value of a nested map or slice.
func RenderAll(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return Render(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := RenderAll(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := RenderAll(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Lookup returns the value at a dot-delimited path inside data.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}
	var current any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func resolvePath(scope map[string]any, ref string) (any, error) {
	namespace, _, _ := strings.Cut(ref, ".")
	if _, ok := scope[namespace]; !ok {
		available := mapKeys(scope)
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}

	segments := strings.Split(ref, ".")
	var current any = scope
	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"expression": ref})
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
		val, ok := m[seg]
		if !ok {
			availableKeys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(availableKeys, ", ")).
				WithDetails(map[string]any{"expression": ref, "available_fields": availableKeys})
		}
		current = val
	}
	return current, nil
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DeepCopy returns a deep copy of m so callers can mutate the result without
// aliasing nested maps or slices.
func DeepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopy(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
