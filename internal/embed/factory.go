package embed

import (
	"context"
	"log/slog"
)

// New builds the configured embedding stack: an HTTP provider when an
// endpoint is set and reachable, the static hash embedder otherwise, with
// the LRU cache in front either way.
func New(ctx context.Context, cfg HTTPConfig, cacheSize int) Embedder {
	var inner Embedder
	if cfg.Endpoint != "" {
		httpEmbedder := NewHTTPEmbedder(cfg)
		if httpEmbedder.Available(ctx) {
			inner = httpEmbedder
		} else {
			slog.Warn("embedding_provider_unreachable_using_static",
				slog.String("endpoint", cfg.Endpoint))
			_ = httpEmbedder.Close()
		}
	}
	if inner == nil {
		inner = NewStaticEmbedder()
	}

	slog.Info("embedder_ready",
		slog.String("model", inner.ModelName()),
		slog.Int("dimensions", inner.Dimensions()))
	return NewCachedEmbedder(inner, cacheSize)
}
