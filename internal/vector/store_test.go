package vector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(NewHashEmbedder(32),
		filepath.Join(dir, "index.ann"), filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	return s
}

func TestAddFragmentBackfillsMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddFragment(ctx, "the quick brown fox", map[string]interface{}{"kind": "raw_history"}))

	hits, err := s.Search(ctx, "quick fox", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "the quick brown fox", hits[0].Meta["content"])
	assert.Equal(t, "raw_history", hits[0].Meta["kind"])
	assert.NotEmpty(t, hits[0].Meta["timestamp"])
}

func TestAddFragmentEmptyTextNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddFragment(context.Background(), "", nil))
	assert.Zero(t, s.Size())
}

func TestIndexAndMetadataStayEqualLength(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	texts := []string{"alpha memory", "beta rule", "gamma readme", "", "delta trace"}
	for _, txt := range texts {
		require.NoError(t, s.AddFragment(ctx, txt, nil))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Equal(t, len(s.vectors), len(s.metas))
	assert.Equal(t, 4, len(s.vectors), "empty text must not be stored")
}

func TestSearchEmptyStore(t *testing.T) {
	s := newTestStore(t)
	hits, err := s.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchScoreBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddFragment(ctx, "configuration du serveur", nil))
	require.NoError(t, s.AddFragment(ctx, "completely unrelated text about gardening", nil))

	hits, err := s.Search(ctx, "configuration serveur", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score, "sorted descending")
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.ann")
	metaPath := filepath.Join(dir, "metadata.json")
	ctx := context.Background()

	s, err := NewStore(NewHashEmbedder(32), indexPath, metaPath)
	require.NoError(t, err)
	require.NoError(t, s.AddFragment(ctx, "persisted fragment", map[string]interface{}{"kind": "rule"}))

	reloaded, err := NewStore(NewHashEmbedder(32), indexPath, metaPath)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Size())

	hits, err := reloaded.Search(ctx, "persisted fragment", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rule", hits[0].Meta["kind"])
}

func TestCorruptionRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.ann")
	metaPath := filepath.Join(dir, "metadata.json")
	ctx := context.Background()

	s, err := NewStore(NewHashEmbedder(32), indexPath, metaPath)
	require.NoError(t, err)
	require.NoError(t, s.AddFragment(ctx, "one", nil))
	require.NoError(t, s.AddFragment(ctx, "two", nil))

	// Divergence: truncate the metadata file to a single entry.
	require.NoError(t, os.WriteFile(metaPath, []byte(`[{"content":"one"}]`), 0o644))

	corrupt, err := NewStore(NewHashEmbedder(32), indexPath, metaPath)
	require.NoError(t, err)
	_, err = corrupt.Search(ctx, "one", 1)
	assert.ErrorIs(t, err, ErrIndexCorrupt)
	assert.ErrorIs(t, corrupt.AddFragment(ctx, "three", nil), ErrIndexCorrupt)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(16)
	a, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
