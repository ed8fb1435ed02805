package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))
	return db
}

func TestBootstrapIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Bootstrap(context.Background()))
	require.NoError(t, db.Bootstrap(context.Background()))
}

func TestTableDimensionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	dim, err := db.GetTableDimension(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 0, dim, "unset dimension reads as zero")

	require.NoError(t, db.SetTableDimension(ctx, "memories", 768))
	dim, err = db.GetTableDimension(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 768, dim)

	// Upsert replaces.
	require.NoError(t, db.SetTableDimension(ctx, "memories", 1024))
	dim, err = db.GetTableDimension(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 1024, dim)
}

func TestSetTableDimensionRejectsNonPositive(t *testing.T) {
	db := newTestDB(t)
	err := db.SetTableDimension(context.Background(), "memories", 0)
	require.Error(t, err)
	assert.True(t, specerrors.IsKind(err, specerrors.KindValidation))
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, project_path, content, memory_type, importance, created_at, updated_at)
			VALUES ('m1', '/p', 'hello', 'semantic', 'medium', ?, ?)`, now, now)
		require.NoError(t, err)
		return specerrors.New(specerrors.KindInternal, "boom")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Handle().QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count))
	assert.Equal(t, 0, count, "insert rolled back")
}

func TestTransactionCommits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, project_path, content, memory_type, importance, created_at, updated_at)
			VALUES ('m1', '/p', 'hello', 'semantic', 'medium', ?, ?)`, now, now)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Handle().QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestHardDeleteCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h := db.Handle()

	for _, id := range []string{"m1", "m2"} {
		_, err := h.ExecContext(ctx, `
			INSERT INTO memories (id, project_path, content, memory_type, importance, created_at, updated_at)
			VALUES (?, '/p', 'x', 'semantic', 'medium', ?, ?)`, id, now, now)
		require.NoError(t, err)
	}
	_, err := h.ExecContext(ctx, `
		INSERT INTO memory_strength (memory_id, stability, retrievability, last_review)
		VALUES ('m1', 10, 1, ?)`, now)
	require.NoError(t, err)
	_, err = h.ExecContext(ctx, `
		INSERT INTO memory_associations (source_id, target_id, strength, last_co_activation)
		VALUES ('m1', 'm2', 0.3, ?)`, now)
	require.NoError(t, err)
	_, err = h.ExecContext(ctx, `
		INSERT INTO memory_quadrants (id, project_path, name, level, max_memories, min_memories, max_radius)
		VALUES ('q1', '/p', 'root', 0, 1000, 50, 0.6)`)
	require.NoError(t, err)
	_, err = h.ExecContext(ctx, `
		INSERT INTO quadrant_assignments (memory_id, quadrant_id, distance_to_centroid, assigned_at)
		VALUES ('m1', 'q1', 0.1, ?)`, now)
	require.NoError(t, err)

	_, err = h.ExecContext(ctx, `DELETE FROM memories WHERE id = 'm1'`)
	require.NoError(t, err)

	for _, q := range []string{
		`SELECT COUNT(*) FROM memory_strength WHERE memory_id = 'm1'`,
		`SELECT COUNT(*) FROM memory_associations WHERE source_id = 'm1'`,
		`SELECT COUNT(*) FROM quadrant_assignments WHERE memory_id = 'm1'`,
	} {
		var count int
		require.NoError(t, h.QueryRow(q).Scan(&count))
		assert.Equal(t, 0, count, q)
	}
}

func TestMapErrorClassification(t *testing.T) {
	assert.NoError(t, MapError(nil))

	err := MapError(context.DeadlineExceeded)
	assert.True(t, specerrors.IsKind(err, specerrors.KindStoreTimeout))

	err = MapError(context.Canceled)
	assert.True(t, specerrors.IsKind(err, specerrors.KindCancelled))

	// Missing table surfaces the bootstrap suggestion.
	db := newTestDB(t)
	_, qerr := db.Handle().Query(`SELECT * FROM does_not_exist`)
	require.Error(t, qerr)
	mapped := MapError(qerr)
	assert.True(t, specerrors.IsKind(mapped, specerrors.KindStoreOther))
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	blob := EncodeVector(vec)
	require.Len(t, blob, 16)

	decoded, err := DecodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	assert.Nil(t, EncodeVector(nil))
	decoded, err = DecodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)

	_, err = DecodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	assert.InDelta(t, 0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, 1, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, -1, CosineSimilarity(a, []float32{-1, 0, 0}), 1e-9)

	// Mismatched or zero vectors score zero instead of erroring.
	assert.Equal(t, float64(0), CosineSimilarity(a, []float32{1, 2}))
	assert.Equal(t, float64(0), CosineSimilarity([]float32{0, 0, 0}, a))
}

func TestL2Normalize(t *testing.T) {
	v := L2Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, []float32{0, 0}, L2Normalize(zero))
}

func TestTokenizeSplitsIdentifiers(t *testing.T) {
	tokens := Tokenize("parseHTTPRequest user_id getUserById")
	assert.Contains(t, tokens, "parse")
	assert.Contains(t, tokens, "http")
	assert.Contains(t, tokens, "request")
	assert.Contains(t, tokens, "user")
	assert.Contains(t, tokens, "id")
	assert.Contains(t, tokens, "by")
	assert.NotContains(t, tokens, "a", "single-char tokens are dropped")
}
