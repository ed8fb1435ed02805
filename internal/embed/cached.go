package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of embeddings kept in memory.
// 768 dims * 4 bytes * 1000 entries is roughly 3MB.
const DefaultCacheSize = 1000

// CachedEmbedder wraps an Embedder with an LRU cache keyed by
// SHA-256(text + NUL + model). Repeated texts skip the provider entirely.
//
// EmbedBatch degrades gracefully: when the provider's batch call fails, each
// uncached item is retried individually under PerItemTimeout, and items that
// still fail produce a nil entry instead of failing the whole batch. Callers
// store those memories without an embedding.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with an LRU cache of the given capacity.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + c.inner.ModelName()))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached embedding when present, otherwise computes and
// caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts, reusing cached entries and batching the rest.
// Result entries may be nil for items that failed individually.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		slog.Warn("embed_batch_failed_falling_back",
			slog.Int("items", len(missTexts)),
			slog.String("error", err.Error()))
		vecs = c.embedIndividually(ctx, missTexts)
	}

	for j, i := range missIdx {
		if j < len(vecs) && vecs[j] != nil {
			results[i] = vecs[j]
			c.cache.Add(c.cacheKey(texts[i]), vecs[j])
		}
	}
	return results, nil
}

// embedIndividually retries each text on its own with a short deadline.
// Failed items stay nil so the batch as a whole still succeeds.
func (c *CachedEmbedder) embedIndividually(ctx context.Context, texts []string) [][]float32 {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if ctx.Err() != nil {
			break
		}
		itemCtx, cancel := context.WithTimeout(ctx, PerItemTimeout)
		vec, err := c.inner.Embed(itemCtx, text)
		cancel()
		if err != nil {
			slog.Warn("embed_item_skipped", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		vecs[i] = vec
	}
	return vecs
}

// Dimensions passes through to the inner embedder.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName passes through to the inner embedder.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Available passes through to the inner embedder.
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

// Purge drops every cached embedding.
func (c *CachedEmbedder) Purge() { c.cache.Purge() }
