// Package retrieval assembles a token-budgeted context bundle for a
// query: core hits from quadrant-scoped search, associations spread from
// the strongest hits, chains touching them, and a looser contextual
// second pass. Everything retrieved together is co-activated so the
// associative graph learns from usage.
package retrieval

import (
	"context"
	"log/slog"

	"github.com/jonhardwick-spec/specmem-sub019/internal/assoc"
	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/quadrant"
	"github.com/jonhardwick-spec/specmem-sub019/internal/search"
)

const (
	coreLimit          = 20
	associationSources = 5
	chainSources       = 3
	associationFloor   = 0.4
	// budgetHeadroom stops assembly at 95% of the token budget so the
	// caller has room for framing.
	budgetHeadroom = 0.95
	// contextualRelax widens the relevance bar for the second pass.
	contextualRelax = 0.8
)

// Associated is a memory reached through the graph rather than search.
type Associated struct {
	Memory   *memory.Memory `json:"memory"`
	Strength float64        `json:"strength"`
	Depth    int            `json:"depth"`
}

// Context is the assembled bundle. Chains carries the matched chain
// metadata; ChainMemories holds their budgeted members.
type Context struct {
	Core          []search.Result  `json:"core"`
	Associated    []Associated     `json:"associated"`
	Chains        []*assoc.Chain   `json:"chains"`
	ChainMemories []*memory.Memory `json:"chain_memories"`
	Contextual    []search.Result  `json:"contextual"`
	TokensUsed    int              `json:"tokens_used"`
	Budget        int              `json:"budget"`
}

// Retriever assembles smart context.
type Retriever struct {
	searcher  *search.Searcher
	quadrants *quadrant.Index
	graph     *assoc.Graph
	memories  *memory.Store
	dims      *dimension.Service
	embedder  embed.Embedder
	cfg       config.RetrievalConfig
}

// NewRetriever wires the retrieval stack.
func NewRetriever(searcher *search.Searcher, quadrants *quadrant.Index, graph *assoc.Graph, memories *memory.Store, dims *dimension.Service, embedder embed.Embedder, cfg config.RetrievalConfig) *Retriever {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.5
	}
	if cfg.MaxAssociationDepth <= 0 {
		cfg.MaxAssociationDepth = 2
	}
	return &Retriever{
		searcher:  searcher,
		quadrants: quadrants,
		graph:     graph,
		memories:  memories,
		dims:      dims,
		embedder:  embedder,
		cfg:       cfg,
	}
}

// estimateTokens approximates the token cost of a memory's content.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// SmartContext builds the bundle for one query. Assembly fills buckets in
// priority order, core through contextual, and stops adding memories once
// the headroom line is crossed.
func (r *Retriever) SmartContext(ctx context.Context, projectPath, query string) (*Context, error) {
	if query == "" {
		return nil, specerrors.New(specerrors.KindValidation, "query must not be empty")
	}

	out := &Context{Budget: r.cfg.MaxTokens}
	stopAt := int(float64(r.cfg.MaxTokens) * budgetHeadroom)
	chosen := make(map[string]struct{})

	core, queryVec, err := r.coreResults(ctx, projectPath, query)
	if err != nil {
		return nil, err
	}
	for _, res := range core {
		cost := estimateTokens(res.Memory.Content)
		if out.TokensUsed+cost > stopAt {
			break
		}
		out.Core = append(out.Core, res)
		out.TokensUsed += cost
		chosen[res.Memory.ID] = struct{}{}
	}

	r.addAssociated(ctx, projectPath, out, chosen, stopAt)
	r.addChains(ctx, projectPath, out, chosen, stopAt)
	if len(queryVec) > 0 {
		r.addContextual(ctx, projectPath, queryVec, out, chosen, stopAt)
	}

	// Retrieval is a co-activation event: everything bundled together is
	// linked so future traversal can follow usage.
	ids := make([]string, 0, len(chosen))
	for id := range chosen {
		ids = append(ids, id)
	}
	if r.graph != nil && len(ids) >= 2 {
		if err := r.graph.RecordCoActivation(ctx, ids, assoc.LinkContextual); err != nil {
			slog.Warn("co_activation_record_failed", slog.String("error", err.Error()))
		}
	}

	slog.Debug("smart_context_assembled",
		slog.String("project_path", projectPath),
		slog.Int("core", len(out.Core)),
		slog.Int("associated", len(out.Associated)),
		slog.Int("chains", len(out.Chains)),
		slog.Int("contextual", len(out.Contextual)),
		slog.Int("tokens_used", out.TokensUsed))
	return out, nil
}

// coreResults runs quadrant-scoped vector search, degrading to plain
// hybrid search when no query vector can be produced.
func (r *Retriever) coreResults(ctx context.Context, projectPath, query string) ([]search.Result, []float32, error) {
	queryVec, err := r.embedQuery(ctx, query)
	if err != nil {
		if specerrors.IsKind(err, specerrors.KindEmbeddingUnavailable) ||
			specerrors.IsKind(err, specerrors.KindDimensionUnknown) {
			slog.Warn("smart_context_degraded_to_text", slog.String("error", err.Error()))
			results, searchErr := r.searcher.Search(ctx, projectPath, query, search.ModeText,
				search.Options{Limit: coreLimit})
			return results, nil, searchErr
		}
		return nil, nil, err
	}

	sopts := search.Options{Limit: coreLimit, Threshold: r.cfg.MinRelevance}
	if r.quadrants != nil {
		results, qErr := r.quadrants.SmartSearch(ctx, r.searcher, projectPath, queryVec,
			quadrant.SearchOptions{MaxQuadrants: 3, MinRelevance: r.cfg.MinRelevance}, sopts)
		if qErr == nil {
			return results, queryVec, nil
		}
		slog.Warn("quadrant_search_failed_falling_back", slog.String("error", qErr.Error()))
	}
	results, err := r.searcher.VectorSearch(ctx, projectPath, queryVec, sopts)
	return results, queryVec, err
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if r.embedder == nil {
		return nil, specerrors.New(specerrors.KindEmbeddingUnavailable, "no embedding provider configured")
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.dims != nil {
		res, prepErr := r.dims.ValidateAndPrepare(ctx, "memories", vec, query)
		if prepErr != nil {
			return nil, prepErr
		}
		vec = res.Vector
	}
	return vec, nil
}

// addAssociated spreads activation from the strongest core hits.
func (r *Retriever) addAssociated(ctx context.Context, projectPath string, out *Context, chosen map[string]struct{}, stopAt int) {
	if r.graph == nil {
		return
	}
	sources := len(out.Core)
	if sources > associationSources {
		sources = associationSources
	}
	for i := 0; i < sources; i++ {
		linked, err := r.graph.GetAssociated(ctx, out.Core[i].Memory.ID,
			r.cfg.MaxAssociationDepth, associationFloor, 10)
		if err != nil {
			slog.Warn("association_lookup_failed", slog.String("error", err.Error()))
			continue
		}
		for _, l := range linked {
			if _, dup := chosen[l.MemoryID]; dup {
				continue
			}
			m, getErr := r.memories.Get(ctx, l.MemoryID, projectPath, false)
			if getErr != nil {
				continue
			}
			cost := estimateTokens(m.Content)
			if out.TokensUsed+cost > stopAt {
				return
			}
			out.Associated = append(out.Associated, Associated{Memory: m, Strength: l.Strength, Depth: l.Depth})
			out.TokensUsed += cost
			chosen[l.MemoryID] = struct{}{}
		}
	}
}

// addChains collects chains touching the strongest core hits and appends
// their member memories under the same budget as the other buckets.
func (r *Retriever) addChains(ctx context.Context, projectPath string, out *Context, chosen map[string]struct{}, stopAt int) {
	if r.graph == nil || len(out.Core) == 0 {
		return
	}
	sources := len(out.Core)
	if sources > chainSources {
		sources = chainSources
	}
	ids := make([]string, 0, sources)
	for i := 0; i < sources; i++ {
		ids = append(ids, out.Core[i].Memory.ID)
	}
	chains, err := r.graph.ChainsContaining(ctx, projectPath, ids)
	if err != nil {
		slog.Warn("chain_lookup_failed", slog.String("error", err.Error()))
		return
	}
	out.Chains = chains

	for _, chain := range chains {
		for _, memberID := range chain.MemoryIDs {
			if _, dup := chosen[memberID]; dup {
				continue
			}
			m, getErr := r.memories.Get(ctx, memberID, projectPath, false)
			if getErr != nil {
				continue
			}
			cost := estimateTokens(m.Content)
			if out.TokensUsed+cost > stopAt {
				return
			}
			out.ChainMemories = append(out.ChainMemories, m)
			out.TokensUsed += cost
			chosen[memberID] = struct{}{}
		}
	}
}

// addContextual runs a relaxed second pass, excluding everything already
// chosen.
func (r *Retriever) addContextual(ctx context.Context, projectPath string, queryVec []float32, out *Context, chosen map[string]struct{}, stopAt int) {
	results, err := r.searcher.VectorSearch(ctx, projectPath, queryVec, search.Options{
		Limit:     coreLimit,
		Threshold: r.cfg.MinRelevance * contextualRelax,
	})
	if err != nil {
		slog.Warn("contextual_pass_failed", slog.String("error", err.Error()))
		return
	}
	for _, res := range results {
		if _, dup := chosen[res.Memory.ID]; dup {
			continue
		}
		cost := estimateTokens(res.Memory.Content)
		if out.TokensUsed+cost > stopAt {
			return
		}
		out.Contextual = append(out.Contextual, res)
		out.TokensUsed += cost
		chosen[res.Memory.ID] = struct{}{}
	}
}
