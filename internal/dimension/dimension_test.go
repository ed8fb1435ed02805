package dimension

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))
	return db
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestProjectIdentity(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3}
	assert.Equal(t, v, Project(v, 3), "matching length returns the input unchanged")
}

func TestProjectExpansion(t *testing.T) {
	v := []float32{1, 2, 3, 4}
	out := Project(v, 8)
	require.Len(t, out, 8)
	assert.InDelta(t, 1.0, norm(out), 1e-5)
}

func TestProjectContraction(t *testing.T) {
	v := make([]float32, 12)
	for i := range v {
		v[i] = float32(i + 1)
	}
	out := Project(v, 4)
	require.Len(t, out, 4)
	assert.InDelta(t, 1.0, norm(out), 1e-5)
}

func TestProjectIsDeterministic(t *testing.T) {
	v := []float32{0.5, -0.5, 1.5}
	first := Project(v, 10)
	PurgeMatrixCache()
	second := Project(v, 10)
	assert.Equal(t, first, second, "same matrix regenerates after cache purge")
}

func TestProjectZeroVector(t *testing.T) {
	out := Project([]float32{0, 0, 0}, 6)
	require.Len(t, out, 6)
	for _, x := range out {
		assert.Zero(t, x)
	}
}

func TestServiceDiscoveryFromStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetTableDimension(ctx, "memories", 768))

	svc := NewService(db, nil)
	dim, err := svc.Get(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 768, dim)
}

func TestServiceDiscoveryFromProvider(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	svc := NewService(db, embed.NewStaticEmbedder())
	dim, err := svc.Get(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, embed.StaticDimensions, dim)

	// Discovery recorded the dimension in the store.
	recorded, err := db.GetTableDimension(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, embed.StaticDimensions, recorded)
}

func TestServiceSurvivesStoreReadFailure(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Close())

	// The store read errors out, the provider still answers.
	svc := NewService(db, embed.NewStaticEmbedder())
	dim, err := svc.Get(context.Background(), "memories")
	require.NoError(t, err)
	assert.Equal(t, embed.StaticDimensions, dim)
}

func TestServiceDimensionUnknown(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, nil)

	_, err := svc.Get(context.Background(), "memories")
	require.Error(t, err)
	assert.True(t, specerrors.IsKind(err, specerrors.KindDimensionUnknown))
}

func TestServiceCacheInvalidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetTableDimension(ctx, "memories", 768))

	svc := NewService(db, nil)
	dim, err := svc.Get(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 768, dim)

	// A dimension change is only visible after invalidation (or TTL).
	require.NoError(t, db.SetTableDimension(ctx, "memories", 1024))
	dim, err = svc.Get(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 768, dim, "cached value still served")

	svc.Invalidate("memories")
	dim, err = svc.Get(ctx, "memories")
	require.NoError(t, err)
	assert.Equal(t, 1024, dim)
}

func TestValidateAndPrepareProjectsMismatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetTableDimension(ctx, "memories", 8))

	svc := NewService(db, nil)

	// Matching vector passes through.
	match := make([]float32, 8)
	match[0] = 1
	res, err := svc.ValidateAndPrepare(ctx, "memories", match, "")
	require.NoError(t, err)
	assert.False(t, res.Modified)
	assert.Equal(t, match, res.Vector)

	// Mismatched vector is projected.
	res, err = svc.ValidateAndPrepare(ctx, "memories", []float32{1, 2, 3}, "")
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.False(t, res.ReEmbedded)
	assert.Len(t, res.Vector, 8)
}

func TestValidateAndPrepareReEmbedsWhenPossible(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetTableDimension(ctx, "memories", embed.StaticDimensions))

	svc := NewService(db, embed.NewStaticEmbedder())

	res, err := svc.ValidateAndPrepare(ctx, "memories", []float32{1, 2, 3}, "the original content")
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.True(t, res.ReEmbedded)
	assert.Len(t, res.Vector, embed.StaticDimensions)
}

func TestValidateAndPrepareEmptyVector(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, nil)

	res, err := svc.ValidateAndPrepare(context.Background(), "memories", nil, "")
	require.NoError(t, err)
	assert.Nil(t, res.Vector)
	assert.False(t, res.Modified)
}
