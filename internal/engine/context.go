package engine

import (
	"context"
	"slices"
	"sort"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

// FilterContext builds a step's input from the accumulated context.
// A non-empty Include is an allow-list; Exclude removes keys even when included.
// The returned map never aliases the accumulated context.
func FilterContext(acc map[string]any, filter schema.ContextFilter) map[string]any {
	out := make(map[string]any, len(acc))
	if len(filter.Include) > 0 {
		for _, key := range filter.Include {
			if v, ok := acc[key]; ok {
				out[key] = v
			}
		}
	} else {
		for k, v := range acc {
			out[k] = v
		}
	}
	for _, key := range filter.Exclude {
		delete(out, key)
	}
	return expressions.DeepCopy(out)
}

// inputKeys lists the keys a step received, sorted.
func inputKeys(input map[string]any) []string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mergeContext writes output into acc; later keys override earlier ones.
func mergeContext(acc, output map[string]any) map[string]any {
	if acc == nil {
		acc = make(map[string]any, len(output))
	}
	for k, v := range output {
		acc[k] = v
	}
	return acc
}

// ApplyTransformers reshapes raw step output in declaration order.
func ApplyTransformers(ctx context.Context, jq *expressions.GoJQEngine, raw map[string]any, transformers []schema.OutputTransformer) (map[string]any, error) {
	out := expressions.DeepCopy(raw)
	if out == nil {
		out = map[string]any{}
	}
	for i, t := range transformers {
		next, err := applyTransformer(ctx, jq, out, t)
		if err != nil {
			if ce, ok := schema.AsError(err); ok {
				return nil, ce.WithDetails(map[string]any{"transformer": i})
			}
			return nil, err
		}
		out = next
	}
	return out, nil
}

func applyTransformer(ctx context.Context, jq *expressions.GoJQEngine, data map[string]any, t schema.OutputTransformer) (map[string]any, error) {
	switch t.Type {
	case schema.TransformJQ:
		if jq == nil {
			return nil, schema.NewError(schema.ErrCodeExpression, "jq transformer: no jq engine configured")
		}
		v, err := jq.Evaluate(ctx, t.Expression, data)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq transformer %q must produce an object, got %T", t.Expression, v)
		}
		return m, nil

	case schema.TransformRename:
		out := make(map[string]any, len(data))
		for k, v := range data {
			if _, renamed := t.Mapping[k]; !renamed {
				out[k] = v
			}
		}
		for from, to := range t.Mapping {
			if v, ok := data[from]; ok {
				out[to] = v
			}
		}
		return out, nil

	case schema.TransformDrop:
		out := make(map[string]any, len(data))
		for k, v := range data {
			if !slices.Contains(t.Keys, k) {
				out[k] = v
			}
		}
		return out, nil

	case schema.TransformPick:
		out := make(map[string]any, len(t.Keys))
		for _, k := range t.Keys {
			if v, ok := data[k]; ok {
				out[k] = v
			}
		}
		return out, nil

	case schema.TransformNest:
		if t.Key == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "nest transformer requires key")
		}
		return map[string]any{t.Key: data}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown output transformer %q", t.Type)
	}
}
