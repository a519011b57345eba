package contextstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/contextstore"
)

func TestWriteOnce(t *testing.T) {
	store := contextstore.NewStore()

	require.NoError(t, store.Write("nodeA", map[string]any{"v": 1}))

	err := store.Write("nodeA", map[string]any{"v": 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, contextstore.ErrDuplicateWrite)

	out, ok := store.Output("nodeA")
	require.True(t, ok)
	assert.Equal(t, 1, out["v"])
	assert.Equal(t, 1, store.Len())
}

func TestWriteNilOutput(t *testing.T) {
	store := contextstore.NewStore()

	require.NoError(t, store.Write("nodeA", nil))

	out, ok := store.Output("nodeA")
	require.True(t, ok)
	assert.Empty(t, out)
}

func TestResolve(t *testing.T) {
	store := contextstore.NewStore()
	require.NoError(t, store.Write("nodeA", map[string]any{
		"result": map[string]any{"value": float64(42)},
		"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
		"matrix": []any{[]any{"x", "y"}},
	}))

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"nested field", "nodeA.result.value", float64(42)},
		{"indexed field", "nodeA.items[1].name", "second"},
		{"double index", "nodeA.matrix[0][1]", "y"},
		{"whole field", "nodeA.result", map[string]any{"value": float64(42)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.Resolve(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveUnresolved(t *testing.T) {
	store := contextstore.NewStore()
	require.NoError(t, store.Write("nodeA", map[string]any{
		"result": map[string]any{"value": float64(42)},
		"items":  []any{"a"},
	}))

	tests := []struct {
		name   string
		expr   string
		reason string
	}{
		{"unknown node", "nodeZ.value", "has not produced output"},
		{"missing field", "nodeA.result.missing", "not found"},
		{"index out of range", "nodeA.items[5]", "out of range"},
		{"index into map", "nodeA.result[0]", "cannot index"},
		{"field on scalar", "nodeA.result.value.deeper", "cannot descend"},
		{"empty expression", "", "empty path"},
		{"empty segment", "nodeA..value", "empty segment"},
		{"non-numeric index", "nodeA.items[x]", "non-numeric"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Resolve(tc.expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, contextstore.ErrUnresolvedReference)

			var unresolved *contextstore.UnresolvedReferenceError

			require.ErrorAs(t, err, &unresolved)
			assert.Contains(t, unresolved.Reason, tc.reason)
		})
	}
}

func TestParsePath(t *testing.T) {
	head, segments, err := contextstore.ParsePath("nodeA.items[2].name")
	require.NoError(t, err)

	assert.Equal(t, "nodeA", head)
	assert.Equal(t, []contextstore.PathSegment{
		{Field: "items"},
		{Index: 2, IsIndex: true},
		{Field: "name"},
	}, segments)
}

func TestParsePathBareHead(t *testing.T) {
	head, segments, err := contextstore.ParsePath("run")
	require.NoError(t, err)
	assert.Equal(t, "run", head)
	assert.Empty(t, segments)
}
