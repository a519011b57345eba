package lookup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/models"
)

const validDefinition = `{
	"name": "Order processing",
	"nodes": [
		{"id": "fetch", "kind": "http", "input": {"url": "https://example.com"}},
		{"id": "store", "kind": "db", "retry": {"max_attempts": 3, "initial_seconds": 0.5}}
	],
	"edges": [
		{"from": "fetch", "to": "store", "condition": "status.ok"}
	]
}`

func TestParseDefinition(t *testing.T) {
	workflow, err := lookup.ParseDefinition("orders", []byte(validDefinition))
	require.NoError(t, err)

	assert.Equal(t, "orders", workflow.ID)
	assert.Equal(t, "Order processing", workflow.Name)
	require.Len(t, workflow.Nodes, 2)
	assert.Equal(t, 3, workflow.Nodes[1].Retry.MaxAttempts)
	assert.InDelta(t, 0.5, workflow.Nodes[1].Retry.InitialSeconds, 0.0001)
	require.Len(t, workflow.Edges, 1)
	assert.Equal(t, "status.ok", workflow.Edges[0].Condition)
}

func TestParseDefinitionKeepsDeclaredID(t *testing.T) {
	workflow, err := lookup.ParseDefinition("orders", []byte(`{
		"id": "orders",
		"nodes": [{"id": "only", "kind": "noop"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "orders", workflow.ID)
}

func TestParseDefinitionRejections(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		reason string
	}{
		{"not json", `{"nodes": [`, "not a JSON document"},
		{"missing nodes", `{"name": "x"}`, "nodes"},
		{"empty nodes", `{"nodes": []}`, "least 1"},
		{"node without kind", `{"nodes": [{"id": "a"}]}`, "kind"},
		{"bad retry", `{"nodes": [{"id": "a", "kind": "x", "retry": {"max_attempts": 0}}]}`, "greater than or equal"},
		{
			"mismatched id",
			`{"id": "other", "nodes": [{"id": "a", "kind": "x"}]}`,
			"declares id",
		},
		{
			"cycle",
			`{"nodes": [
				{"id": "start", "kind": "x"}, {"id": "a", "kind": "x"}, {"id": "b", "kind": "x"}
			], "edges": [
				{"from": "start", "to": "a"}, {"from": "a", "to": "b"}, {"from": "b", "to": "a"}
			]}`,
			"cycle",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lookup.ParseDefinition("wf", []byte(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}
