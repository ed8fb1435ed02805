// Package assoc maintains the associative graph between memories:
// co-activation strengthened links, spreading-activation traversal, link
// decay, and ordered memory chains.
package assoc

import (
	"context"
	"database/sql"
	"sort"
	"time"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// LinkType classifies why two memories are connected.
type LinkType string

const (
	LinkSemantic    LinkType = "semantic"
	LinkTemporal    LinkType = "temporal"
	LinkCausal      LinkType = "causal"
	LinkContextual  LinkType = "contextual"
	LinkUserDefined LinkType = "user_defined"
)

const (
	// initialLinkStrength is assigned on the first co-activation.
	initialLinkStrength = 0.3
	// coActivationBoost is added per repeat co-activation, capped at 1.
	coActivationBoost = 0.1
	// pruneThreshold is the strength below which decayed links die.
	pruneThreshold = 0.05
	// defaultDecayRate multiplies stale links by (1 - rate) per decay run.
	defaultDecayRate = 0.01
)

// Link is one edge of the associative graph. Pairs are stored once with
// SourceID < TargetID.
type Link struct {
	SourceID          string    `json:"source_id"`
	TargetID          string    `json:"target_id"`
	Type              LinkType  `json:"link_type"`
	Strength          float64   `json:"strength"`
	CoActivationCount int       `json:"co_activation_count"`
	LastCoActivation  time.Time `json:"last_co_activation"`
	DecayRate         float64   `json:"decay_rate"`
}

// Graph persists and traverses associative links.
type Graph struct {
	db *store.DB
}

// NewGraph builds the graph layer on the shared database.
func NewGraph(db *store.DB) *Graph {
	return &Graph{db: db}
}

// orderPair canonicalizes an unordered pair.
func orderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// RecordCoActivation declares that a set of memories was activated
// together. Every unordered pair gains a new link at the initial strength
// or a boost on an existing one; strength never exceeds 1.
func (g *Graph) RecordCoActivation(ctx context.Context, memoryIDs []string, linkType LinkType) error {
	if len(memoryIDs) < 2 {
		return nil
	}
	if linkType == "" {
		linkType = LinkContextual
	}
	now := time.Now().UTC()

	return g.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO memory_associations
				(source_id, target_id, link_type, strength, co_activation_count, last_co_activation, decay_rate)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(source_id, target_id) DO UPDATE SET
				strength = MIN(1.0, strength + ?),
				co_activation_count = co_activation_count + 1,
				last_co_activation = excluded.last_co_activation`)
		if err != nil {
			return store.MapError(err)
		}
		defer stmt.Close()

		for i := 0; i < len(memoryIDs); i++ {
			for j := i + 1; j < len(memoryIDs); j++ {
				src, dst := orderPair(memoryIDs[i], memoryIDs[j])
				if src == dst {
					continue
				}
				if _, err := stmt.ExecContext(ctx, src, dst, string(linkType),
					initialLinkStrength, now, defaultDecayRate, coActivationBoost); err != nil {
					return store.MapError(err)
				}
			}
		}
		return nil
	})
}

// Linked is a memory reached by spreading activation, with the maximum
// accumulated strength over all discovered paths.
type Linked struct {
	MemoryID string  `json:"memory_id"`
	Strength float64 `json:"strength"`
	Depth    int     `json:"depth"`
}

// GetAssociated performs a bounded depth-first traversal from origin.
// Edge strengths multiply along the path; cycles are cut by the path set;
// results dedupe by memory id keeping the strongest accumulation.
func (g *Graph) GetAssociated(ctx context.Context, origin string, depth int, minStrength float64, limit int) ([]Linked, error) {
	if depth <= 0 {
		depth = 2
	}
	if limit <= 0 {
		limit = 10
	}

	adjacency, err := g.loadAdjacency(ctx)
	if err != nil {
		return nil, err
	}

	best := make(map[string]Linked)
	path := map[string]struct{}{origin: {}}
	g.walk(origin, depth, 1.0, minStrength, adjacency, path, best)

	results := make([]Linked, 0, len(best))
	for _, l := range best {
		results = append(results, l)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Strength != results[j].Strength {
			return results[i].Strength > results[j].Strength
		}
		return results[i].MemoryID < results[j].MemoryID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type edge struct {
	target   string
	strength float64
}

func (g *Graph) walk(node string, remaining int, accumulated, minStrength float64, adjacency map[string][]edge, path map[string]struct{}, best map[string]Linked) {
	if remaining == 0 {
		return
	}
	for _, e := range adjacency[node] {
		if _, seen := path[e.target]; seen {
			continue
		}
		strength := accumulated * e.strength
		if strength < minStrength {
			continue
		}
		depth := len(path)
		if prev, ok := best[e.target]; !ok || strength > prev.Strength {
			best[e.target] = Linked{MemoryID: e.target, Strength: strength, Depth: depth}
		}
		path[e.target] = struct{}{}
		g.walk(e.target, remaining-1, strength, minStrength, adjacency, path, best)
		delete(path, e.target)
	}
}

// loadAdjacency reads the whole edge set into an undirected adjacency map.
// The graph is small relative to the memory corpus; per-query loading
// keeps traversal free of N+1 queries.
func (g *Graph) loadAdjacency(ctx context.Context) (map[string][]edge, error) {
	rows, err := g.db.Handle().QueryContext(ctx,
		`SELECT source_id, target_id, strength FROM memory_associations`)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	adjacency := make(map[string][]edge)
	for rows.Next() {
		var src, dst string
		var strength float64
		if err := rows.Scan(&src, &dst, &strength); err != nil {
			return nil, store.MapError(err)
		}
		adjacency[src] = append(adjacency[src], edge{target: dst, strength: strength})
		adjacency[dst] = append(adjacency[dst], edge{target: src, strength: strength})
	}
	return adjacency, store.MapError(rows.Err())
}

// GetLinks returns all stored links touching a memory.
func (g *Graph) GetLinks(ctx context.Context, memoryID string) ([]Link, error) {
	rows, err := g.db.Handle().QueryContext(ctx, `
		SELECT source_id, target_id, link_type, strength, co_activation_count, last_co_activation, decay_rate
		FROM memory_associations
		WHERE source_id = ? OR target_id = ?
		ORDER BY strength DESC`, memoryID, memoryID)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var lt string
		if err := rows.Scan(&l.SourceID, &l.TargetID, &lt, &l.Strength,
			&l.CoActivationCount, &l.LastCoActivation, &l.DecayRate); err != nil {
			return nil, store.MapError(err)
		}
		l.Type = LinkType(lt)
		links = append(links, l)
	}
	return links, store.MapError(rows.Err())
}

// DecayStats summarizes one decay run.
type DecayStats struct {
	Decayed int `json:"decayed"`
	Pruned  int `json:"pruned"`
}

// Decay weakens links whose last co-activation is older than the window,
// then prunes links that fell below the survival threshold.
func (g *Graph) Decay(ctx context.Context, olderThan time.Duration) (DecayStats, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var stats DecayStats

	err := g.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memory_associations
			SET strength = strength * (1 - decay_rate)
			WHERE last_co_activation < ?`, cutoff)
		if err != nil {
			return store.MapError(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			stats.Decayed = int(n)
		}

		res, err = tx.ExecContext(ctx,
			`DELETE FROM memory_associations WHERE strength < ?`, pruneThreshold)
		if err != nil {
			return store.MapError(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			stats.Pruned = int(n)
		}
		return nil
	})
	return stats, err
}

// link fetch used by tests and chain creation checks.
func (g *Graph) getLink(ctx context.Context, a, b string) (Link, error) {
	src, dst := orderPair(a, b)
	var l Link
	var lt string
	err := g.db.Handle().QueryRowContext(ctx, `
		SELECT source_id, target_id, link_type, strength, co_activation_count, last_co_activation, decay_rate
		FROM memory_associations WHERE source_id = ? AND target_id = ?`, src, dst).
		Scan(&l.SourceID, &l.TargetID, &lt, &l.Strength, &l.CoActivationCount, &l.LastCoActivation, &l.DecayRate)
	if err == sql.ErrNoRows {
		return Link{}, specerrors.NotFound("association", src+"~"+dst)
	}
	if err != nil {
		return Link{}, store.MapError(err)
	}
	l.Type = LinkType(lt)
	return l, nil
}
