package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

const testProject = "/projects/demo"

type fixture struct {
	memories *memory.Store
	searcher *Searcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))

	embedder := embed.NewStaticEmbedder()
	dims := dimension.NewService(db, embedder)
	ann := store.NewANNIndex(embed.StaticDimensions, "")
	lexical := store.NewFTS5Index(db)
	memories := memory.NewStore(db, dims, lexical, ann, embedder)

	searcher := NewSearcher(memories, lexical, ann, dims, embedder, Config{
		VectorWeight:     0.6,
		DefaultLimit:     10,
		DefaultThreshold: 0.1,
		AccessUpdateTopK: 5,
	})
	return &fixture{memories: memories, searcher: searcher}
}

func (f *fixture) insert(t *testing.T, content string, tags ...string) *memory.Memory {
	t.Helper()
	m, err := f.memories.Insert(context.Background(), &memory.Memory{
		ProjectPath: testProject,
		Content:     content,
		Type:        memory.TypeSemantic,
		Importance:  memory.ImportanceMedium,
		Tags:        tags,
	})
	require.NoError(t, err)
	return m
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	auth := f.insert(t, "the auth middleware validates session tokens before each request")
	f.insert(t, "database migrations create the users and orders tables")

	results, err := f.searcher.Search(ctx, testProject, "auth middleware session token validation", ModeVector, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, auth.ID, results[0].Memory.ID)
	assert.Greater(t, results[0].Similarity, 0.1)
}

func TestTextSearchFindsLexicalMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.insert(t, "kubernetes deployment manifests for the payments service")
	f.insert(t, "an unrelated note about birthday cake recipes")

	results, err := f.searcher.Search(ctx, testProject, "kubernetes payments", ModeText, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, target.ID, results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Rank, 1e-9, "best hit normalizes to rank 1")
}

func TestHybridMergesBothLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.insert(t, "redis cache invalidation strategy for session storage")
	f.insert(t, "frontend button styling uses tailwind utility classes")

	results, err := f.searcher.Search(ctx, testProject, "redis cache invalidation", ModeHybrid, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, a.ID, results[0].Memory.ID)
	// The winning hit matched both legs.
	assert.Greater(t, results[0].Similarity, 0.0)
	assert.Greater(t, results[0].Rank, 0.0)
}

func TestSearchExcludesSoftDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.insert(t, "soft deleted entry about websocket reconnection logic")
	require.NoError(t, f.memories.SoftDelete(ctx, m.ID, testProject))

	for _, mode := range []Mode{ModeVector, ModeText, ModeHybrid} {
		results, err := f.searcher.Search(ctx, testProject, "websocket reconnection", mode, Options{})
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, m.ID, r.Memory.ID, "mode %s leaked a soft-deleted row", mode)
		}
	}
}

func TestSearchIncludesExpiredOnRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	m, err := f.memories.Insert(ctx, &memory.Memory{
		ProjectPath: testProject,
		Content:     "expired note about websocket reconnection logic",
		Type:        memory.TypeWorking,
		Importance:  memory.ImportanceLow,
		ExpiresAt:   &past,
	})
	require.NoError(t, err)

	for _, mode := range []Mode{ModeVector, ModeText, ModeHybrid} {
		results, err := f.searcher.Search(ctx, testProject, "websocket reconnection", mode, Options{})
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, m.ID, r.Memory.ID, "mode %s surfaced an expired row by default", mode)
		}

		results, err = f.searcher.Search(ctx, testProject, "websocket reconnection", mode, Options{
			Filters: memory.Filters{IncludeExpired: true},
		})
		require.NoError(t, err)
		found := false
		for _, r := range results {
			if r.Memory.ID == m.ID {
				found = true
			}
		}
		assert.True(t, found, "mode %s hid the expired row despite the filter", mode)
	}
}

func TestSearchIsProjectScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.memories.Insert(ctx, &memory.Memory{
		ProjectPath: "/projects/other",
		Content:     "grpc streaming handlers in the other project",
		Type:        memory.TypeSemantic,
		Importance:  memory.ImportanceMedium,
	})
	require.NoError(t, err)

	results, err := f.searcher.Search(ctx, testProject, "grpc streaming handlers", ModeHybrid, Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchUpdatesAccessCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.insert(t, "graphql resolver batching with dataloader")

	_, err := f.searcher.Search(ctx, testProject, "graphql resolver batching", ModeHybrid, Options{})
	require.NoError(t, err)

	got, err := f.memories.Get(ctx, m.ID, testProject, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

func TestSearchWithinIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.insert(t, "terraform module for the vpc networking layer")
	b := f.insert(t, "terraform module for the storage bucket layer")

	results, err := f.searcher.Search(ctx, testProject, "terraform module", ModeHybrid, Options{
		WithinIDs: map[string]struct{}{b.ID: {}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotEqual(t, a.ID, r.Memory.ID)
	}
}

func TestSearchFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insert(t, "ci pipeline caching notes", "ci")
	tagged := f.insert(t, "ci pipeline deployment notes", "ci", "deploy")

	results, err := f.searcher.Search(ctx, testProject, "ci pipeline", ModeHybrid, Options{
		Filters: memory.Filters{Tags: []string{"deploy"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tagged.ID, results[0].Memory.ID)
}

func TestFindDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.insert(t, "retry queue backoff uses exponential delay with jitter")
	b := f.insert(t, "retry queue backoff uses exponential delay with jitter")
	f.insert(t, "completely unrelated text about gardening tomatoes")

	pairs, err := f.searcher.FindDuplicates(ctx, testProject, 0.95)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	got := map[string]bool{pairs[0].A.ID: true, pairs[0].B.ID: true}
	assert.True(t, got[a.ID] && got[b.ID])
	assert.GreaterOrEqual(t, pairs[0].Similarity, 0.95)
}

func TestUnknownModeRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.searcher.Search(context.Background(), testProject, "q", Mode("telepathy"), Options{})
	require.Error(t, err)
}
