package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// HTTPConfig configures the HTTP embedding provider.
type HTTPConfig struct {
	// Endpoint is the provider base URL, e.g. http://localhost:11434.
	Endpoint string
	// Model is the embedding model name.
	Model string
	// Dimensions is the expected vector length; 0 means detect from the
	// first response.
	Dimensions int
	// BatchSize caps texts per request.
	BatchSize int
	// Timeout bounds one request.
	Timeout time.Duration
}

// HTTPEmbedder calls an Ollama-compatible /api/embed endpoint.
type HTTPEmbedder struct {
	client *http.Client
	cfg    HTTPConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewHTTPEmbedder creates an HTTP embedder. No network call happens here;
// dimension detection is lazy so startup works with the provider down.
func NewHTTPEmbedder(cfg HTTPConfig) *HTTPEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPEmbedder{
		// Per-request context timeouts instead of a client-wide one, so a
		// caller-supplied deadline is never silently overridden.
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     10 * time.Second,
		}},
		cfg:  cfg,
		dims: cfg.Dimensions,
	}
}

// Embed generates an embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, specerrors.Newf(specerrors.KindEmbeddingUnavailable,
			"provider returned %d embeddings for 1 input", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in provider-sized chunks.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, specerrors.Newf(specerrors.KindEmbeddingUnavailable,
				"provider returned %d embeddings for %d inputs", len(vecs), end-start)
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (e *HTTPEmbedder) request(ctx context.Context, input []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, specerrors.New(specerrors.KindEmbeddingUnavailable, "embedder is closed")
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.cfg.Model, Input: input})
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "marshal embed request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		e.cfg.Endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindEmbeddingUnavailable, "embedding request failed", err).
			WithSuggestion("check that the embedding provider is running at " + e.cfg.Endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, specerrors.Newf(specerrors.KindEmbeddingUnavailable,
			"embedding provider returned %d: %s", resp.StatusCode, string(payload))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, specerrors.Wrap(specerrors.KindEmbeddingUnavailable, "decode embed response", err)
	}

	if len(parsed.Embeddings) > 0 {
		e.mu.Lock()
		if e.dims == 0 {
			e.dims = len(parsed.Embeddings[0])
		}
		e.mu.Unlock()
	}
	return parsed.Embeddings, nil
}

// Dimensions returns the detected or configured vector length; 0 when the
// provider has not been reached yet.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string { return e.cfg.Model }

// Available probes the provider with a short deadline.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close shuts down idle connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if t, ok := e.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
