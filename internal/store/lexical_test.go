package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexicalBackends(t *testing.T) map[string]LexicalIndex {
	t.Helper()
	db := newTestDB(t)
	bleve, err := NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bleve.Close() })
	return map[string]LexicalIndex{
		"fts5":  NewFTS5Index(db),
		"bleve": bleve,
	}
}

func TestLexicalIndexAndSearch(t *testing.T) {
	for name, idx := range lexicalBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			docs := []LexicalDoc{
				{MemoryID: "m1", ProjectPath: "/p", Content: "func handleAuthLogin validates the session token"},
				{MemoryID: "m2", ProjectPath: "/p", Content: "database migration adds the users table"},
				{MemoryID: "m3", ProjectPath: "/other", Content: "auth middleware checks the session token"},
			}
			require.NoError(t, idx.Index(ctx, docs))

			results, err := idx.Search(ctx, "/p", "auth login", 10)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, "m1", results[0].MemoryID)
			for _, r := range results {
				assert.NotEqual(t, "m3", r.MemoryID, "results never cross projects")
				assert.Greater(t, r.Rank, 0.0)
			}
		})
	}
}

func TestLexicalReindexReplaces(t *testing.T) {
	for name, idx := range lexicalBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Index(ctx, []LexicalDoc{
				{MemoryID: "m1", ProjectPath: "/p", Content: "original banana content"},
			}))
			require.NoError(t, idx.Index(ctx, []LexicalDoc{
				{MemoryID: "m1", ProjectPath: "/p", Content: "replacement kiwi content"},
			}))

			results, err := idx.Search(ctx, "/p", "banana", 10)
			require.NoError(t, err)
			assert.Empty(t, results, "old content no longer matches")

			results, err = idx.Search(ctx, "/p", "kiwi", 10)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "m1", results[0].MemoryID)
		})
	}
}

func TestLexicalDelete(t *testing.T) {
	for name, idx := range lexicalBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Index(ctx, []LexicalDoc{
				{MemoryID: "m1", ProjectPath: "/p", Content: "watermelon snippet"},
			}))
			require.NoError(t, idx.Delete(ctx, []string{"m1"}))

			results, err := idx.Search(ctx, "/p", "watermelon", 10)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestLexicalEmptyQuery(t *testing.T) {
	for name, idx := range lexicalBackends(t) {
		t.Run(name, func(t *testing.T) {
			results, err := idx.Search(context.Background(), "/p", "   ", 10)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestNewLexicalIndexFactory(t *testing.T) {
	db := newTestDB(t)

	idx, err := NewLexicalIndex("fts5", db, "")
	require.NoError(t, err)
	assert.IsType(t, &FTS5Index{}, idx)

	idx, err = NewLexicalIndex("", db, "")
	require.NoError(t, err)
	assert.IsType(t, &FTS5Index{}, idx)

	_, err = NewLexicalIndex("elasticsearch", db, "")
	require.Error(t, err)
}
