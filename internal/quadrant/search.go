package quadrant

import (
	"context"
	"log/slog"
	"sort"

	"github.com/jonhardwick-spec/specmem-sub019/internal/search"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// Scored pairs a node with its centroid similarity to a query vector.
type Scored struct {
	Node       *Node   `json:"quadrant"`
	Similarity float64 `json:"similarity"`
}

// SearchOptions tune quadrant selection.
type SearchOptions struct {
	MaxQuadrants int
	MinRelevance float64
	// Level restricts results to one tree level when >= 0.
	Level int
}

// SearchQuadrants ranks the project's nodes by centroid similarity to the
// query vector. Nodes whose centroid dimension differs from the query are
// skipped rather than scored at zero.
func (x *Index) SearchQuadrants(ctx context.Context, projectPath string, queryVec []float32, opts SearchOptions) ([]Scored, error) {
	if opts.MaxQuadrants <= 0 {
		opts.MaxQuadrants = 3
	}

	rows, err := x.db.Handle().QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM memory_quadrants WHERE project_path = ?`, projectPath)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var scored []Scored
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, store.MapError(err)
		}
		if opts.Level >= 0 && n.Level != opts.Level {
			continue
		}
		if len(n.Centroid) != len(queryVec) {
			continue
		}
		sim := store.CosineSimilarity(n.Centroid, queryVec)
		if sim < opts.MinRelevance {
			continue
		}
		scored = append(scored, Scored{Node: n, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, store.MapError(err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if len(scored) > opts.MaxQuadrants {
		scored = scored[:opts.MaxQuadrants]
	}
	return scored, nil
}

// SmartSearch narrows vector search to the most relevant leaves before
// ranking. When no quadrant clears the relevance bar, or the selected
// leaves yield nothing, the search falls back to the full corpus.
func (x *Index) SmartSearch(ctx context.Context, searcher *search.Searcher, projectPath string, queryVec []float32, qopts SearchOptions, sopts search.Options) ([]search.Result, error) {
	qopts.Level = -1
	scored, err := x.SearchQuadrants(ctx, projectPath, queryVec, qopts)
	if err != nil {
		return nil, err
	}

	within := make(map[string]struct{})
	for _, s := range scored {
		if !s.Node.Leaf() {
			continue
		}
		ids, err := x.Members(ctx, s.Node.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			within[id] = struct{}{}
		}
	}

	if len(within) > 0 {
		scopedOpts := sopts
		scopedOpts.WithinIDs = within
		results, err := searcher.VectorSearch(ctx, projectPath, queryVec, scopedOpts)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return results, nil
		}
		slog.Debug("quadrant_search_empty_falling_back",
			"project_path", projectPath, "quadrants", len(scored), "candidates", len(within))
	}

	return searcher.VectorSearch(ctx, projectPath, queryVec, sopts)
}
