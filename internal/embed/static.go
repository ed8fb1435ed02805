package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// StaticEmbedder is a deterministic hash-based embedder. It needs no
// network and no model files, which makes it the offline fallback and the
// workhorse of the test suite. Semantic quality is limited: identical
// texts map to identical vectors, related texts overlap through shared
// tokens and character trigrams.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

const (
	staticTokenWeight = 0.7
	staticNgramWeight = 0.3
	staticNgramSize   = 3
)

// NewStaticEmbedder creates a hash-based embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates a deterministic embedding for text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, specerrors.New(specerrors.KindEmbeddingUnavailable, "embedder is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, specerrors.Wrap(specerrors.KindCancelled, "embed cancelled", err)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	vec := make([]float32, StaticDimensions)
	for _, token := range store.Tokenize(trimmed) {
		vec[hashToIndex(token, StaticDimensions)] += staticTokenWeight
	}
	for _, ngram := range extractNgrams(strings.ToLower(trimmed), staticNgramSize) {
		vec[hashToIndex(ngram, StaticDimensions)] += staticNgramWeight
	}

	return store.L2Normalize(vec), nil
}

// EmbedBatch embeds each text independently; the static embedder has no
// real batch path.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the static embedding dimension.
func (e *StaticEmbedder) Dimensions() int { return StaticDimensions }

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string { return "static-hash-v1" }

// Available always reports true; the static embedder has no dependencies.
func (e *StaticEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder unusable.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}

func extractNgrams(s string, n int) []string {
	runes := []rune(s)
	if len(runes) < n {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}
