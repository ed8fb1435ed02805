// Package search implements hybrid retrieval over memories: cosine ranking
// of embeddings, lexical ranking from the full-text backend, and the
// score-merged combination of the two.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// Mode selects which ranking path find_memory runs.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
	ModeHybrid Mode = "hybrid"
)

// Result is one ranked hit. Similarity is set on vector paths, Rank on
// lexical paths, Score on every path (the merge key for hybrid).
type Result struct {
	Memory     *memory.Memory `json:"memory"`
	Score      float64        `json:"score"`
	Similarity float64        `json:"similarity,omitempty"`
	Rank       float64        `json:"rank,omitempty"`
}

// Options tune one search call.
type Options struct {
	Limit     int
	Threshold float64
	Filters   memory.Filters
	// WithinIDs restricts candidates to a member set (quadrant search).
	WithinIDs map[string]struct{}
}

// Config carries the package defaults from configuration.
type Config struct {
	VectorWeight     float64
	DefaultLimit     int
	DefaultThreshold float64
	AccessUpdateTopK int
}

// Searcher runs vector, text, and hybrid queries for one project scope.
type Searcher struct {
	memories *memory.Store
	lexical  store.LexicalIndex
	ann      *store.ANNIndex
	dims     *dimension.Service
	embedder embed.Embedder
	cfg      Config
}

// NewSearcher wires the search stack.
func NewSearcher(memories *memory.Store, lexical store.LexicalIndex, ann *store.ANNIndex, dims *dimension.Service, embedder embed.Embedder, cfg Config) *Searcher {
	if cfg.VectorWeight <= 0 || cfg.VectorWeight > 1 {
		cfg.VectorWeight = 0.6
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.AccessUpdateTopK <= 0 {
		cfg.AccessUpdateTopK = 5
	}
	return &Searcher{
		memories: memories,
		lexical:  lexical,
		ann:      ann,
		dims:     dims,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Search dispatches on mode, then bumps access counters for the top hits.
// The access update is best-effort and never fails the search.
func (s *Searcher) Search(ctx context.Context, projectPath, query string, mode Mode, opts Options) ([]Result, error) {
	opts = s.withDefaults(opts)

	var results []Result
	var err error
	switch mode {
	case ModeVector:
		results, err = s.vectorByText(ctx, projectPath, query, opts)
	case ModeText:
		results, err = s.TextSearch(ctx, projectPath, query, opts)
	case ModeHybrid, "":
		results, err = s.HybridSearch(ctx, projectPath, query, opts)
	default:
		return nil, specerrors.Newf(specerrors.KindValidation, "unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	topK := s.cfg.AccessUpdateTopK
	if topK > len(results) {
		topK = len(results)
	}
	ids := make([]string, 0, topK)
	for _, r := range results[:topK] {
		ids = append(ids, r.Memory.ID)
	}
	s.memories.IncrementAccess(ctx, ids)
	return results, nil
}

// vectorByText embeds the query and runs VectorSearch. When the provider
// is down, it degrades to the lexical path instead of failing.
func (s *Searcher) vectorByText(ctx context.Context, projectPath, query string, opts Options) ([]Result, error) {
	vec, err := s.embedQuery(ctx, projectPath, query)
	if err != nil {
		if specerrors.IsKind(err, specerrors.KindEmbeddingUnavailable) ||
			specerrors.IsKind(err, specerrors.KindDimensionUnknown) {
			slog.Warn("vector_search_degraded_to_text", slog.String("error", err.Error()))
			return s.TextSearch(ctx, projectPath, query, opts)
		}
		return nil, err
	}
	return s.VectorSearch(ctx, projectPath, vec, opts)
}

// embedQuery produces a query vector at the declared dimension.
func (s *Searcher) embedQuery(ctx context.Context, projectPath, query string) ([]float32, error) {
	if s.embedder == nil {
		return nil, specerrors.New(specerrors.KindEmbeddingUnavailable, "no embedding provider configured")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if s.dims != nil {
		res, prepErr := s.dims.ValidateAndPrepare(ctx, "memories", vec, query)
		if prepErr != nil {
			return nil, prepErr
		}
		vec = res.Vector
	}
	return vec, nil
}

// VectorSearch ranks live project memories by cosine similarity to the
// query vector. The ANN index narrows candidates when its dimension
// matches; otherwise every embedded row is scanned, with stored vectors
// projected to the query's dimension so old rows stay searchable across a
// dimension switch.
func (s *Searcher) VectorSearch(ctx context.Context, projectPath string, queryVec []float32, opts Options) ([]Result, error) {
	opts = s.withDefaults(opts)
	if len(queryVec) == 0 {
		return nil, specerrors.New(specerrors.KindValidation, "query vector must not be empty")
	}

	candidates, err := s.vectorCandidates(ctx, projectPath, queryVec, opts)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	for _, m := range candidates {
		if !s.matchFilters(m, opts) {
			continue
		}
		stored := m.Embedding
		if len(stored) != len(queryVec) {
			stored = dimension.Project(stored, len(queryVec))
		}
		sim := store.CosineSimilarity(queryVec, stored)
		if sim < opts.Threshold {
			continue
		}
		results = append(results, Result{Memory: m, Score: sim, Similarity: sim})
	}

	sortResults(results)
	return truncate(results, opts.Limit), nil
}

// vectorCandidates picks the rows to score: ANN shortlist when possible,
// full embedded scan otherwise.
func (s *Searcher) vectorCandidates(ctx context.Context, projectPath string, queryVec []float32, opts Options) ([]*memory.Memory, error) {
	if s.ann != nil && s.ann.Dimension() == len(queryVec) && s.ann.Count() > 0 {
		// Over-fetch to survive project and expiry filtering.
		hits, err := s.ann.Search(ctx, queryVec, opts.Limit*4+16)
		if err == nil {
			var out []*memory.Memory
			for _, hit := range hits {
				if opts.WithinIDs != nil {
					if _, ok := opts.WithinIDs[hit.MemoryID]; !ok {
						continue
					}
				}
				m, getErr := s.memories.Get(ctx, hit.MemoryID, projectPath, opts.Filters.IncludeExpired)
				if getErr != nil {
					continue
				}
				out = append(out, m)
			}
			if len(out) > 0 {
				return out, nil
			}
		} else {
			slog.Warn("ann_search_failed_falling_back", slog.String("error", err.Error()))
		}
	}

	// Brute-force page scan.
	var out []*memory.Memory
	for offset := 0; ; offset += 1000 {
		page, err := s.memories.ListEmbedded(ctx, projectPath, memory.Page{Limit: 1000, Offset: offset}, opts.Filters.IncludeExpired)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if opts.WithinIDs != nil {
				if _, ok := opts.WithinIDs[m.ID]; !ok {
					continue
				}
			}
			out = append(out, m)
		}
		if len(page) < 1000 {
			break
		}
	}
	return out, nil
}

// TextSearch ranks memories with the lexical backend. Ranks are normalized
// to [0, 1] against the best hit.
func (s *Searcher) TextSearch(ctx context.Context, projectPath, query string, opts Options) ([]Result, error) {
	opts = s.withDefaults(opts)
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if s.lexical == nil {
		return nil, specerrors.New(specerrors.KindInternal, "no lexical backend configured")
	}

	hits, err := s.lexical.Search(ctx, projectPath, query, opts.Limit*4+16)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	maxRank := hits[0].Rank
	for _, h := range hits {
		if h.Rank > maxRank {
			maxRank = h.Rank
		}
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if opts.WithinIDs != nil {
			if _, ok := opts.WithinIDs[hit.MemoryID]; !ok {
				continue
			}
		}
		m, getErr := s.memories.Get(ctx, hit.MemoryID, projectPath, opts.Filters.IncludeExpired)
		if getErr != nil {
			continue
		}
		if !s.matchFilters(m, opts) {
			continue
		}
		rank := hit.Rank
		if maxRank > 0 {
			rank = hit.Rank / maxRank
		}
		results = append(results, Result{Memory: m, Score: rank, Rank: rank})
	}

	sortResults(results)
	return truncate(results, opts.Limit), nil
}

// HybridSearch runs the vector and text paths in parallel and merges by
// memory id with score = weight*similarity + (1-weight)*normalized rank.
// Either path failing degrades to the other's results alone.
func (s *Searcher) HybridSearch(ctx context.Context, projectPath, query string, opts Options) ([]Result, error) {
	opts = s.withDefaults(opts)

	var vectorResults, textResults []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.vectorByText(gctx, projectPath, query, opts)
		if err != nil {
			slog.Warn("hybrid_vector_leg_failed", slog.String("error", err.Error()))
			return nil
		}
		vectorResults = r
		return nil
	})
	g.Go(func() error {
		r, err := s.TextSearch(gctx, projectPath, query, opts)
		if err != nil {
			slog.Warn("hybrid_text_leg_failed", slog.String("error", err.Error()))
			return nil
		}
		textResults = r
		return nil
	})
	_ = g.Wait()

	alpha := s.cfg.VectorWeight
	merged := make(map[string]*Result, len(vectorResults)+len(textResults))
	for i := range vectorResults {
		r := vectorResults[i]
		r.Score = alpha * r.Similarity
		merged[r.Memory.ID] = &r
	}
	for i := range textResults {
		tr := textResults[i]
		if existing, ok := merged[tr.Memory.ID]; ok {
			existing.Rank = tr.Rank
			existing.Score = alpha*existing.Similarity + (1-alpha)*tr.Rank
		} else {
			tr.Score = (1 - alpha) * tr.Rank
			merged[tr.Memory.ID] = &tr
		}
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sortResults(results)
	return truncate(results, opts.Limit), nil
}

// DuplicatePair is one near-duplicate memory pair, deduped symmetrically.
type DuplicatePair struct {
	A          *memory.Memory `json:"a"`
	B          *memory.Memory `json:"b"`
	Similarity float64        `json:"similarity"`
}

// FindDuplicates returns all project-scoped pairs with cosine similarity
// at or above threshold. The diagonal is skipped and each unordered pair
// appears once.
func (s *Searcher) FindDuplicates(ctx context.Context, projectPath string, threshold float64) ([]DuplicatePair, error) {
	var all []*memory.Memory
	for offset := 0; ; offset += 1000 {
		page, err := s.memories.ListEmbedded(ctx, projectPath, memory.Page{Limit: 1000, Offset: offset}, false)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < 1000 {
			break
		}
	}

	var pairs []DuplicatePair
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			eb := b.Embedding
			if len(a.Embedding) != len(eb) {
				eb = dimension.Project(eb, len(a.Embedding))
			}
			sim := store.CosineSimilarity(a.Embedding, eb)
			if sim >= threshold {
				pairs = append(pairs, DuplicatePair{A: a, B: b, Similarity: sim})
			}
		}
		if i%256 == 0 && ctx.Err() != nil {
			return nil, specerrors.Wrap(specerrors.KindCancelled, "duplicate scan cancelled", ctx.Err())
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	return pairs, nil
}

func (s *Searcher) withDefaults(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = s.cfg.DefaultLimit
	}
	if opts.Threshold == 0 {
		opts.Threshold = s.cfg.DefaultThreshold
	}
	return opts
}

// matchFilters applies type/importance/tag filters Go-side; the expiry
// gate runs at the row fetch, where Filters.IncludeExpired is honored.
func (s *Searcher) matchFilters(m *memory.Memory, opts Options) bool {
	f := opts.Filters
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Importance != "" && m.Importance != f.Importance {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range m.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}

func truncate(results []Result, limit int) []Result {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}
