package dimension

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// cacheTTL bounds how long a discovered dimension is trusted before the
// store is consulted again.
const cacheTTL = 60 * time.Second

// probeText is embedded to measure a provider's native dimension when
// neither the store nor the provider metadata can answer.
const probeText = "dimension probe"

// Service discovers and caches the declared vector dimension per table and
// prepares vectors for writes.
type Service struct {
	db       *store.DB
	embedder embed.Embedder

	mu       sync.RWMutex
	cache    map[string]cachedDim
	warnedAt time.Time
}

type cachedDim struct {
	dim     int
	expires time.Time
}

// NewService builds a dimension service. embedder may be nil; discovery
// then relies on store metadata alone.
func NewService(db *store.DB, embedder embed.Embedder) *Service {
	return &Service{
		db:       db,
		embedder: embedder,
		cache:    make(map[string]cachedDim),
	}
}

// Get returns the declared dimension for table, consulting the cache, then
// the store, then the embedding provider, then a probe embedding. When all
// strategies fail it returns KindDimensionUnknown; callers may continue
// without vector search.
func (s *Service) Get(ctx context.Context, table string) (int, error) {
	s.mu.RLock()
	entry, ok := s.cache[table]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.dim, nil
	}

	dim, err := s.db.GetTableDimension(ctx, table)
	if err != nil {
		// A failed store read should not take vector search down while
		// the provider can still answer.
		slog.Warn("dimension_store_read_failed",
			slog.String("table", table), slog.String("error", err.Error()))
		dim = 0
	}

	if dim == 0 && s.embedder != nil {
		dim = s.embedder.Dimensions()
		if dim == 0 {
			if vec, embedErr := s.embedder.Embed(ctx, probeText); embedErr == nil {
				dim = len(vec)
			}
		}
		if dim > 0 {
			// Record the discovered dimension so every process agrees.
			if setErr := s.db.SetTableDimension(ctx, table, dim); setErr != nil {
				slog.Warn("dimension_record_failed",
					slog.String("table", table), slog.String("error", setErr.Error()))
			}
		}
	}

	if dim == 0 {
		s.warnOnce(table)
		return 0, specerrors.Newf(specerrors.KindDimensionUnknown,
			"cannot determine vector dimension for table %q", table).
			WithSuggestion("configure an embedding provider or set the dimension explicitly")
	}

	s.mu.Lock()
	s.cache[table] = cachedDim{dim: dim, expires: time.Now().Add(cacheTTL)}
	s.mu.Unlock()
	return dim, nil
}

// warnOnce logs a discovery failure at most once per TTL window.
func (s *Service) warnOnce(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.warnedAt) < cacheTTL {
		return
	}
	s.warnedAt = time.Now()
	slog.Warn("dimension_unknown_vector_search_disabled", slog.String("table", table))
}

// Invalidate drops the cached dimension for table (or all tables when table
// is empty). Called on schema-change signals.
func (s *Service) Invalidate(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table == "" {
		s.cache = make(map[string]cachedDim)
		return
	}
	delete(s.cache, table)
}

// PrepareResult reports what ValidateAndPrepare did to a vector.
type PrepareResult struct {
	Vector   []float32
	Modified bool
	// ReEmbedded is true when the vector was regenerated from the
	// original text rather than projected.
	ReEmbedded bool
}

// ValidateAndPrepare makes vec conform to table's declared dimension.
// A mismatched vector is first re-embedded from originalText when the text
// is supplied and the provider is reachable; otherwise it is projected.
func (s *Service) ValidateAndPrepare(ctx context.Context, table string, vec []float32, originalText string) (PrepareResult, error) {
	if len(vec) == 0 {
		return PrepareResult{}, nil
	}

	target, err := s.Get(ctx, table)
	if err != nil {
		return PrepareResult{}, err
	}
	if len(vec) == target {
		return PrepareResult{Vector: vec}, nil
	}

	if originalText != "" && s.embedder != nil && s.embedder.Available(ctx) {
		fresh, embedErr := s.embedder.Embed(ctx, originalText)
		if embedErr == nil && len(fresh) == target {
			return PrepareResult{Vector: fresh, Modified: true, ReEmbedded: true}, nil
		}
	}

	projected := Project(vec, target)
	if len(projected) != target {
		return PrepareResult{}, specerrors.Newf(specerrors.KindDimensionMismatch,
			"projection produced %d dimensions, want %d", len(projected), target)
	}
	return PrepareResult{Vector: projected, Modified: true}, nil
}
