package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedderIsDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "func handleLogin(w http.ResponseWriter)")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "func handleLogin(w http.ResponseWriter)")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)

	// Unit length.
	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedderEmptyInput(t *testing.T) {
	e := NewStaticEmbedder()
	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, StaticDimensions)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())
	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}

// countingEmbedder tracks provider calls for cache assertions.
type countingEmbedder struct {
	*StaticEmbedder
	embeds      atomic.Int64
	batches     atomic.Int64
	failBatches bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embeds.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches.Add(1)
	if c.failBatches {
		return nil, assert.AnError
	}
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedderHitsCache(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "same text")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "same text")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embeds.Load(), "second call served from cache")
	assert.Equal(t, 1, cached.Len())
}

func TestCachedEmbedderBatchReusesCache(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)

	results, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotNil(t, r)
	}
	// Only the two uncached texts reached the provider.
	assert.Equal(t, int64(1), inner.batches.Load())
}

func TestCachedEmbedderBatchFallsBackPerItem(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(), failBatches: true}
	cached := NewCachedEmbedder(inner, 10)

	results, err := cached.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err, "batch failure degrades, not fails")
	require.Len(t, results, 2)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Equal(t, int64(2), inner.embeds.Load(), "per-item fallback used")
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		case "/api/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
			for i := range req.Input {
				resp.Embeddings[i] = []float32{1, 0, 0}
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "test-model"})
	defer e.Close()
	ctx := context.Background()

	assert.True(t, e.Available(ctx))

	vec, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, 3, e.Dimensions(), "dimension detected from first response")

	vecs, err := e.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestHTTPEmbedderProviderDown(t *testing.T) {
	e := NewHTTPEmbedder(HTTPConfig{Endpoint: "http://127.0.0.1:1", Model: "m"})
	defer e.Close()

	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
}

func TestFactoryFallsBackToStatic(t *testing.T) {
	e := New(context.Background(), HTTPConfig{Endpoint: "http://127.0.0.1:1"}, 10)
	defer e.Close()
	assert.Equal(t, "static-hash-v1", e.ModelName())
}
