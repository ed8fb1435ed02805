package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

const testProject = "/projects/demo"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))

	embedder := embed.NewStaticEmbedder()
	dims := dimension.NewService(db, embedder)
	ann := store.NewANNIndex(embed.StaticDimensions, "")
	return NewStore(db, dims, store.NewFTS5Index(db), ann, embedder)
}

func validMemory(content string) *Memory {
	return &Memory{
		ProjectPath: testProject,
		Content:     content,
		Type:        TypeSemantic,
		Importance:  ImportanceMedium,
		Tags:        []string{"test"},
	}
}

func TestInsertAssignsIDAndEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, validMemory("the auth flow validates tokens"))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Len(t, m.Embedding, embed.StaticDimensions)

	got, err := s.Get(ctx, m.ID, testProject, false)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, []string{"test"}, got.Tags)
	assert.Len(t, got.Embedding, embed.StaticDimensions)
}

func TestInsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, &Memory{ProjectPath: testProject, Type: TypeSemantic, Importance: ImportanceLow})
	assert.True(t, specerrors.IsKind(err, specerrors.KindValidation), "empty content")

	m := validMemory("x")
	m.Importance = "sort-of-important"
	_, err = s.Insert(ctx, m)
	assert.True(t, specerrors.IsKind(err, specerrors.KindValidation), "bad importance")

	m = validMemory("x")
	m.Type = "vibes"
	_, err = s.Insert(ctx, m)
	assert.True(t, specerrors.IsKind(err, specerrors.KindValidation), "bad type")
}

func TestGetIsProjectScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, validMemory("scoped"))
	require.NoError(t, err)

	_, err = s.Get(ctx, m.ID, "/projects/other", false)
	require.Error(t, err)
	assert.True(t, specerrors.IsKind(err, specerrors.KindPermissionDenied))

	_, err = s.Get(ctx, "no-such-id", testProject, false)
	assert.True(t, specerrors.IsKind(err, specerrors.KindNotFound))
}

func TestUpdateRefreshesContentAndEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, validMemory("original text"))
	require.NoError(t, err)
	originalEmbedding := append([]float32(nil), m.Embedding...)
	before := m.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	newContent := "completely different text about databases"
	updated, err := s.Update(ctx, m.ID, testProject, Update{Content: &newContent})
	require.NoError(t, err)
	assert.Equal(t, newContent, updated.Content)
	assert.True(t, updated.UpdatedAt.After(before))
	assert.NotEqual(t, originalEmbedding, updated.Embedding, "content change re-embeds")
}

func TestSoftDeleteExcludesFromReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, validMemory("ephemeral"))
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, m.ID, testProject))

	_, err = s.Get(ctx, m.ID, testProject, false)
	assert.True(t, specerrors.IsKind(err, specerrors.KindNotFound))

	got, err := s.Get(ctx, m.ID, testProject, true)
	require.NoError(t, err)
	assert.NotNil(t, got.ExpiresAt)

	list, err := s.FindByProject(ctx, testProject, Filters{}, Page{})
	require.NoError(t, err)
	assert.Empty(t, list, "default listing excludes soft-deleted rows")
}

func TestHardDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, validMemory("doomed"))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.db.Handle().ExecContext(ctx, `
		INSERT INTO memory_strength (memory_id, stability, retrievability, last_review)
		VALUES (?, 10, 1, ?)`, m.ID, now)
	require.NoError(t, err)

	require.NoError(t, s.HardDelete(ctx, m.ID, testProject))

	var count int
	require.NoError(t, s.db.Handle().QueryRow(
		`SELECT COUNT(*) FROM memory_strength WHERE memory_id = ?`, m.ID).Scan(&count))
	assert.Equal(t, 0, count)
	assert.False(t, s.ann.Contains(m.ID))
}

func TestFindByProjectOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := validMemory("low importance")
	low.Importance = ImportanceLow
	critical := validMemory("critical importance")
	critical.Importance = ImportanceCritical
	critical.Tags = []string{"api"}
	episodic := validMemory("episodic entry")
	episodic.Type = TypeEpisodic

	for _, m := range []*Memory{low, critical, episodic} {
		_, err := s.Insert(ctx, m)
		require.NoError(t, err)
	}

	list, err := s.FindByProject(ctx, testProject, Filters{}, Page{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ImportanceCritical, list[0].Importance, "importance sorts first")

	list, err = s.FindByProject(ctx, testProject, Filters{Type: TypeEpisodic}, Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "episodic entry", list[0].Content)

	list, err = s.FindByProject(ctx, testProject, Filters{Tags: []string{"api"}}, Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "critical importance", list[0].Content)

	// Other projects see nothing.
	list, err = s.FindByProject(ctx, "/projects/other", Filters{}, Page{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIncrementAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, validMemory("accessed"))
	require.NoError(t, err)

	s.IncrementAccess(ctx, []string{m.ID})
	s.IncrementAccess(ctx, []string{m.ID})

	got, err := s.Get(ctx, m.ID, testProject, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.NotNil(t, got.LastAccessedAt)
}

func TestFindByMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := validMemory("mirrors a file")
	m.Metadata = map[string]string{"file_path": "src/auth.go"}
	_, err := s.Insert(ctx, m)
	require.NoError(t, err)

	found, err := s.FindByMetadata(ctx, testProject, "file_path", "src/auth.go")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "mirrors a file", found[0].Content)

	found, err = s.FindByMetadata(ctx, testProject, "file_path", "src/other.go")
	require.NoError(t, err)
	assert.Empty(t, found)
}
