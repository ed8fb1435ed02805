// Package embed generates vector embeddings for memory content. Providers
// share one interface; the LRU-cached wrapper in cached.go sits in front of
// whichever provider is configured.
package embed

import (
	"context"
	"time"
)

const (
	// DefaultBatchSize is the provider batch size for bulk embedding.
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single provider call.
	DefaultTimeout = 60 * time.Second

	// PerItemTimeout bounds one fallback call when a batch request failed
	// and items are retried individually.
	PerItemTimeout = 10 * time.Second

	// StaticDimensions is the vector length of the hash-based embedder.
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. Entries may be
	// nil when an individual item failed and the caller tolerates sparse
	// results.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier, used in cache keys.
	ModelName() string

	// Available reports whether the provider is ready.
	Available(ctx context.Context) bool

	Close() error
}
