package quadrant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

const (
	maxClusters      = 4
	kmeansIterations = 10
	keywordCount     = 10
)

type member struct {
	id        string
	content   string
	embedding []float32
}

// split partitions an over-full leaf into k-means children. Runs under the
// node lock held by Assign. A cluster smaller than the minimum dissolves
// into its nearest surviving sibling; if fewer than two clusters survive
// the split aborts and the leaf stays over-full until more variety
// arrives.
func (x *Index) split(ctx context.Context, leaf *Node) error {
	members, skipped, err := x.loadMembers(ctx, leaf)
	if err != nil {
		return err
	}
	if len(members) < 2*x.caps.MinMemories {
		return nil
	}

	k := (len(members) + x.caps.MinMemories - 1) / x.caps.MinMemories
	if k > maxClusters {
		k = maxClusters
	}
	if k < 2 {
		k = 2
	}

	clusters := kmeans(members, k)
	clusters = dissolveSmall(clusters, x.caps.MinMemories)
	if len(clusters) < 2 {
		slog.Debug("quadrant_split_skipped",
			"quadrant_id", leaf.ID, "members", len(members), "surviving_clusters", len(clusters))
		return nil
	}

	children := make([]*Node, len(clusters))
	for i, c := range clusters {
		children[i] = &Node{
			ID:          uuid.NewString(),
			ProjectPath: leaf.ProjectPath,
			Name:        fmt.Sprintf("%s/q%d", leaf.Name, i),
			Level:       leaf.Level + 1,
			ParentID:    leaf.ID,
			Centroid:    c.centroid,
			Radius:      c.radius(),
			Keywords:    topKeywords(c.members, keywordCount),
			MemoryCount: len(c.members),
			Caps:        x.caps,
		}
	}
	// Dimension-mismatched members park in the first child (below); its
	// count must cover them so every child's count matches its rows.
	children[0].MemoryCount += len(skipped)

	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.ID
	}

	err = x.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, c := range children {
			if err := insertNodeTx(ctx, tx, c); err != nil {
				return err
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE quadrant_assignments
			SET quadrant_id = ?, distance_to_centroid = ?, assigned_at = ?
			WHERE memory_id = ?`)
		if err != nil {
			return store.MapError(err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i, c := range clusters {
			for _, m := range c.members {
				d := store.CosineDistance(c.centroid, m.embedding)
				if _, err := stmt.ExecContext(ctx, children[i].ID, d, now, m.id); err != nil {
					return store.MapError(err)
				}
			}
		}
		// Members whose embeddings no longer match the tree dimension park
		// in the first child until their memory is re-embedded.
		for _, m := range skipped {
			if _, err := stmt.ExecContext(ctx, children[0].ID, 1.0, now, m.id); err != nil {
				return store.MapError(err)
			}
		}

		ids, err := json.Marshal(childIDs)
		if err != nil {
			return store.MapError(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE memory_quadrants
			SET child_ids = ?, memory_count = 0, centroid = ?, radius = ?
			WHERE id = ?`,
			string(ids), store.EncodeVector(leaf.Centroid), leaf.Radius, leaf.ID)
		return store.MapError(err)
	})
	if err != nil {
		return err
	}

	x.mu.Lock()
	delete(x.cache, leaf.ID)
	x.mu.Unlock()
	for _, c := range children {
		x.cachePut(c)
	}

	slog.Info("quadrant_split",
		"quadrant_id", leaf.ID, "project_path", leaf.ProjectPath,
		"members", len(members), "children", len(children))
	return nil
}

// insertNodeTx writes a node inside an open transaction.
func insertNodeTx(ctx context.Context, tx *sql.Tx, n *Node) error {
	childIDs, _ := json.Marshal(emptyIfNil(n.ChildIDs))
	keywords, _ := json.Marshal(emptyIfNil(n.Keywords))
	tags, _ := json.Marshal(emptyIfNil(n.Tags))

	var parent any
	if n.ParentID != "" {
		parent = n.ParentID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_quadrants (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ProjectPath, n.Name, n.Level, parent, string(childIDs),
		store.EncodeVector(n.Centroid), n.Radius, string(keywords),
		n.MemoryCount, string(tags), n.Caps.MaxMemories, n.Caps.MinMemories, n.Caps.MaxRadius)
	return store.MapError(err)
}

// loadMembers reads the leaf's assigned memories. Members whose embedding
// length differs from the leaf centroid are returned separately and stay
// out of clustering.
func (x *Index) loadMembers(ctx context.Context, leaf *Node) (matching, skipped []member, err error) {
	rows, err := x.db.Handle().QueryContext(ctx, `
		SELECT m.id, m.content, m.embedding
		FROM quadrant_assignments qa
		JOIN memories m ON m.id = qa.memory_id
		WHERE qa.quadrant_id = ?`, leaf.ID)
	if err != nil {
		return nil, nil, store.MapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var m member
		var blob []byte
		if err := rows.Scan(&m.id, &m.content, &blob); err != nil {
			return nil, nil, store.MapError(err)
		}
		if m.embedding, err = store.DecodeVector(blob); err != nil {
			return nil, nil, err
		}
		if len(m.embedding) == len(leaf.Centroid) && len(m.embedding) > 0 {
			matching = append(matching, m)
		} else {
			skipped = append(skipped, m)
		}
	}
	return matching, skipped, store.MapError(rows.Err())
}

type cluster struct {
	centroid []float32
	members  []member
}

func (c *cluster) radius() float64 {
	var r float64
	for _, m := range c.members {
		if d := store.CosineDistance(c.centroid, m.embedding); d > r {
			r = d
		}
	}
	return r
}

// kmeans clusters members by cosine distance. Seeds are evenly spaced
// through the member list so repeated splits of the same data are
// deterministic.
func kmeans(members []member, k int) []cluster {
	dim := len(members[0].embedding)
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		seed := members[i*len(members)/k].embedding
		centroids[i] = append([]float32(nil), seed...)
	}

	assign := make([]int, len(members))
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, m := range members {
			best, bestDist := 0, store.CosineDistance(centroids[0], m.embedding)
			for j := 1; j < k; j++ {
				if d := store.CosineDistance(centroids[j], m.embedding); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, m := range members {
			c := assign[i]
			counts[c]++
			for d, v := range m.embedding {
				sums[c][d] += float64(v)
			}
		}
		for i := 0; i < k; i++ {
			if counts[i] == 0 {
				continue
			}
			for d := range centroids[i] {
				centroids[i][d] = float32(sums[i][d] / float64(counts[i]))
			}
		}
	}

	clusters := make([]cluster, k)
	for i := range clusters {
		clusters[i].centroid = centroids[i]
	}
	for i, m := range members {
		c := assign[i]
		clusters[c].members = append(clusters[c].members, m)
	}

	out := clusters[:0]
	for _, c := range clusters {
		if len(c.members) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// dissolveSmall reassigns under-minimum clusters to the nearest surviving
// sibling by centroid distance.
func dissolveSmall(clusters []cluster, minMembers int) []cluster {
	var surviving, small []cluster
	for _, c := range clusters {
		if len(c.members) >= minMembers {
			surviving = append(surviving, c)
		} else {
			small = append(small, c)
		}
	}
	if len(surviving) == 0 {
		return nil
	}
	for _, s := range small {
		for _, m := range s.members {
			best, bestDist := 0, store.CosineDistance(surviving[0].centroid, m.embedding)
			for j := 1; j < len(surviving); j++ {
				if d := store.CosineDistance(surviving[j].centroid, m.embedding); d < bestDist {
					best, bestDist = j, d
				}
			}
			surviving[best].members = append(surviving[best].members, m)
		}
	}
	return surviving
}

// topKeywords extracts the most frequent tokens across cluster members.
func topKeywords(members []member, n int) []string {
	freq := make(map[string]int)
	for _, m := range members {
		for _, tok := range store.Tokenize(m.content) {
			freq[tok]++
		}
	}
	keywords := make([]string, 0, len(freq))
	for tok := range freq {
		keywords = append(keywords, tok)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if freq[keywords[i]] != freq[keywords[j]] {
			return freq[keywords[i]] > freq[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > n {
		keywords = keywords[:n]
	}
	return keywords
}
