package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

func TestANNAddAndSearch(t *testing.T) {
	idx := NewANNIndex(3, "")
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx,
		[]string{"m1", "m2", "m3"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.Equal(t, "m3", hits[1].MemoryID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-4)
}

func TestANNDimensionMismatch(t *testing.T) {
	idx := NewANNIndex(3, "")
	ctx := context.Background()

	err := idx.Add(ctx, []string{"m1"}, [][]float32{{1, 0}})
	require.Error(t, err)
	assert.True(t, specerrors.IsKind(err, specerrors.KindDimensionMismatch))

	_, err = idx.Search(ctx, []float32{1, 0}, 5)
	require.Error(t, err)
	assert.True(t, specerrors.IsKind(err, specerrors.KindDimensionMismatch))
}

func TestANNLazyDelete(t *testing.T) {
	idx := NewANNIndex(2, "")
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []string{"m1", "m2"}, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, idx.Delete(ctx, []string{"m1"}))

	assert.False(t, idx.Contains("m1"))
	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, 1, idx.Orphans())

	hits, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "m1", h.MemoryID, "orphaned nodes never surface")
	}
}

func TestANNReplaceOrphansOldNode(t *testing.T) {
	idx := NewANNIndex(2, "")
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []string{"m1"}, [][]float32{{1, 0}}))
	require.NoError(t, idx.Add(ctx, []string{"m1"}, [][]float32{{0, 1}}))

	assert.Equal(t, 1, idx.Count())

	hits, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-4)
}

func TestANNSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ann.idx")
	ctx := context.Background()

	idx := NewANNIndex(2, path)
	require.NoError(t, idx.Add(ctx, []string{"m1", "m2"}, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, idx.Save())

	loaded := NewANNIndex(0, path)
	require.NoError(t, loaded.Load())
	assert.Equal(t, 2, loaded.Dimension())
	assert.Equal(t, 2, loaded.Count())

	hits, err := loaded.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
}

func TestANNLoadMissingFileStartsEmpty(t *testing.T) {
	idx := NewANNIndex(2, filepath.Join(t.TempDir(), "absent.idx"))
	require.NoError(t, idx.Load())
	assert.Equal(t, 0, idx.Count())
}

func TestANNReset(t *testing.T) {
	idx := NewANNIndex(2, "")
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []string{"m1"}, [][]float32{{1, 0}}))

	idx.Reset(4)
	assert.Equal(t, 4, idx.Dimension())
	assert.Equal(t, 0, idx.Count())
}
