package filesystem_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/lookup"
	"github.com/loomworks/loom/pkg/lookup/filesystem"
	"github.com/loomworks/loom/pkg/models"
)

const singleNode = `{"nodes": [{"id": "only", "kind": "noop"}]}`

func writeDefinition(t *testing.T, dir, id, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(data), 0o644))
}

func newTestLookup(t *testing.T) (*filesystem.Lookup, string) {
	t.Helper()

	dir := t.TempDir()

	lk, err := filesystem.NewLookup(dir, slog.Default())
	require.NoError(t, err)

	return lk, dir
}

func TestNewLookupRejectsMissingDirectory(t *testing.T) {
	_, err := filesystem.NewLookup("/does/not/exist", slog.Default())
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	lk, dir := newTestLookup(t)
	writeDefinition(t, dir, "orders", singleNode)

	workflow, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", workflow.ID)
	require.Len(t, workflow.Nodes, 1)
}

func TestResolveUnknownID(t *testing.T) {
	lk, _ := newTestLookup(t)

	_, err := lk.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, lookup.ErrNotFound)
}

func TestResolveRejectsPathTraversal(t *testing.T) {
	lk, _ := newTestLookup(t)

	for _, id := range []string{"../etc/passwd", "a/b", ".hidden", ""} {
		_, err := lk.Resolve(context.Background(), id)
		assert.ErrorIs(t, err, lookup.ErrNotFound, "id %q", id)
	}
}

func TestResolveInvalidDefinition(t *testing.T) {
	lk, dir := newTestLookup(t)
	writeDefinition(t, dir, "broken", `{"nodes": []}`)

	_, err := lk.Resolve(context.Background(), "broken")
	assert.ErrorIs(t, err, models.ErrInvalidDefinition)
}

func TestResolveCachesBySignature(t *testing.T) {
	lk, dir := newTestLookup(t)
	writeDefinition(t, dir, "orders", singleNode)

	first, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)

	// Unchanged file resolves to the same parsed instance.
	second, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestResolveReparsesChangedFile(t *testing.T) {
	lk, dir := newTestLookup(t)
	writeDefinition(t, dir, "orders", singleNode)

	_, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)

	updated := `{"name": "updated", "nodes": [{"id": "only", "kind": "noop"}]}`
	writeDefinition(t, dir, "orders", updated)

	// The mtime alone may not have ticked yet; the size change is enough.
	workflow, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "updated", workflow.Name)
}

func TestInvalidate(t *testing.T) {
	lk, dir := newTestLookup(t)
	writeDefinition(t, dir, "orders", singleNode)

	first, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)

	// Rewrite with identical content and a backdated mtime so the signature
	// matches, then invalidate: the next resolve must reparse anyway.
	path := filepath.Join(dir, "orders.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(path, time.Now(), info.ModTime()))

	lk.Invalidate("orders")

	second, err := lk.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestIDs(t *testing.T) {
	lk, dir := newTestLookup(t)
	writeDefinition(t, dir, "orders", singleNode)
	writeDefinition(t, dir, "billing", singleNode)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a definition"), 0o644))

	ids, err := lk.IDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "billing"}, ids)
}
