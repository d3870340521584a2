package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

func templateScope() map[string]any {
	return map[string]any{
		"context": map[string]any{
			"work_order": map[string]any{"id": "wo-1", "budget": 1200.5, "tags": []any{"a"}},
		},
		"execution": map[string]any{"id": "exec-9"},
		"subject":   map[string]any{"type": "work_order", "id": "wo-1"},
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/orders/${{ context.work_order.id }}", "/orders/wo-1"},
		{"${{subject.type}}:${{subject.id}}", "work_order:wo-1"},
		{"b=${{ context.work_order.budget }}", "b=1200.5"},
		{"t=${{ context.work_order.tags }}", `t=["a"]`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Render(tt.in, templateScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	for _, in := range []string{
		"${{ context.work_order.id",
		"${{ }}",
		"${{ secrets.key }}",
		"${{ context.work_order.missing }}",
		"${{ context.work_order.id.deeper }}",
		"${{ context..id }}",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Render(in, templateScope())
			assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
		})
	}
}

func TestRenderAll(t *testing.T) {
	out, err := RenderAll(map[string]any{
		"ref":   "${{ execution.id }}",
		"list":  []any{"${{ subject.id }}", 3},
		"count": 1,
	}, templateScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"ref":   "exec-9",
		"list":  []any{"wo-1", 3},
		"count": 1,
	}, out)
}

func TestLookup(t *testing.T) {
	data := map[string]any{
		"a":    map[string]any{"b": map[string]any{"c": 1}},
		"x.y":  "dotted",
		"leaf": "v",
	}

	v, ok := Lookup(data, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = Lookup(data, "x.y")
	assert.True(t, ok)
	assert.Equal(t, "dotted", v)

	_, ok = Lookup(data, "leaf.deeper")
	assert.False(t, ok)
	_, ok = Lookup(data, "a.z")
	assert.False(t, ok)
	_, ok = Lookup(nil, "a")
	assert.False(t, ok)
}

func TestDeepCopy(t *testing.T) {
	orig := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{map[string]any{"i": 1}},
	}
	cp := DeepCopy(orig)
	cp["nested"].(map[string]any)["k"] = "changed"
	cp["list"].([]any)[0].(map[string]any)["i"] = 2

	assert.Equal(t, "v", orig["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, orig["list"].([]any)[0].(map[string]any)["i"])
	assert.Nil(t, DeepCopy(nil))
}
